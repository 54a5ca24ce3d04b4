// ABOUTME: Message persistence operations: insert, status CAS, lookups, history, search
// ABOUTME: History uses opaque created_at cursors; search supports LIKE and optional FTS5

package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const messageColumns = `id, client_seq, seq, type, content, sender_id, recipient_id, group_id,
	reply_to_id, forward_from_id, status, retry_count, need_read_receipt,
	recalled_at, edited_at, created_at, extra`

// InsertMessage persists a single message outside any transaction.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *Message) error {
	return s.insertMessage(ctx, s.db, msg)
}

func (s *SQLiteStore) insertMessage(ctx context.Context, ex execer, msg *Message) error {
	var extra any
	if len(msg.Extra) > 0 {
		data, err := json.Marshal(msg.Extra)
		if err != nil {
			return fmt.Errorf("encoding extra: %w", err)
		}
		extra = string(data)
	}

	query := `
		INSERT INTO messages (` + messageColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := ex.ExecContext(ctx, query,
		msg.ID,
		msg.ClientSeq,
		msg.Seq,
		string(msg.Type),
		string(msg.Content),
		msg.SenderID,
		msg.RecipientID,
		msg.GroupID,
		msg.ReplyToID,
		msg.ForwardFromID,
		string(msg.Status),
		msg.RetryCount,
		msg.NeedReadReceipt,
		nullTime(msg.RecalledAt),
		nullTime(msg.EditedAt),
		formatTime(msg.CreatedAt),
		extra,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	if s.ftsEnable {
		if text := searchableText(msg); text != "" {
			if _, err := ex.ExecContext(ctx,
				`INSERT INTO messages_fts (id, text) VALUES (?, ?)`, msg.ID, text); err != nil {
				return fmt.Errorf("indexing message text: %w", err)
			}
		}
	}

	s.logger.Debug("message inserted",
		"message_id", msg.ID,
		"sender", msg.SenderID,
		"type", msg.Type,
		"status", msg.Status)
	return nil
}

// searchableText extracts the keyword-searchable text of a message's content.
func searchableText(msg *Message) string {
	switch msg.Type {
	case TypeText:
		var c TextContent
		if json.Unmarshal(msg.Content, &c) == nil {
			return c.Text
		}
	case TypeCode:
		var c CodeContent
		if json.Unmarshal(msg.Content, &c) == nil {
			return c.Code
		}
	case TypeFile:
		var c FileContent
		if json.Unmarshal(msg.Content, &c) == nil {
			return c.Name
		}
	case TypeDocument:
		var c DocumentContent
		if json.Unmarshal(msg.Content, &c) == nil {
			return c.Name
		}
	}
	return ""
}

// GetMessage retrieves a message by id
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting message: %w", err)
	}
	return msg, nil
}

// DeleteMessage removes a message row (and its FTS entry when indexed)
func (s *SQLiteStore) DeleteMessage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if s.ftsEnable {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM messages_fts WHERE id = ?`, id); err != nil {
			return fmt.Errorf("deleting message text index: %w", err)
		}
	}
	return nil
}

// UpdateMessageStatus applies a compare-and-set status transition honoring the
// status lattice. It returns true when the row actually changed; a false
// return with nil error means the message was not in a state the transition
// is legal from (idempotent replays land here).
func (s *SQLiteStore) UpdateMessageStatus(ctx context.Context, id string, to MessageStatus) (bool, error) {
	froms := allowedFrom(to)
	if len(froms) == 0 {
		return false, ErrInvalidTransition
	}

	placeholders := strings.Repeat("?,", len(froms))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{string(to), id}
	for _, f := range froms {
		args = append(args, string(f))
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ? WHERE id = ? AND status IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return false, fmt.Errorf("updating message status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return n > 0, nil
}

// allowedFrom lists every status the lattice permits transitioning to target from
func allowedFrom(to MessageStatus) []MessageStatus {
	all := []MessageStatus{StatusSending, StatusSent, StatusDelivered, StatusRead, StatusFailed, StatusRecalled}
	var froms []MessageStatus
	for _, f := range all {
		if CanTransition(f, to) {
			froms = append(froms, f)
		}
	}
	return froms
}

// IncrementRetryCount bumps the retry counter of a message
func (s *SQLiteStore) IncrementRetryCount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET retry_count = retry_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("incrementing retry count: %w", err)
	}
	return nil
}

// MarkRecalled atomically transitions a message to recalled and stamps
// recalled_at. Returns false when the current status does not permit recall.
func (s *SQLiteStore) MarkRecalled(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, recalled_at = ?
		 WHERE id = ? AND status IN (?, ?, ?)`,
		string(StatusRecalled), formatTime(at), id,
		string(StatusSent), string(StatusDelivered), string(StatusRead))
	if err != nil {
		return false, fmt.Errorf("marking message recalled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return n > 0, nil
}

// FindByClientSeq locates the message a sender previously submitted under the
// given client sequence. Used by the dedupe fallback path.
func (s *SQLiteStore) FindByClientSeq(ctx context.Context, senderID string, clientSeq int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE sender_id = ? AND client_seq = ?
		 ORDER BY created_at DESC LIMIT 1`,
		senderID, clientSeq)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding message by client seq: %w", err)
	}
	return msg, nil
}

// ListBySender returns a sender's messages, newest first
func (s *SQLiteStore) ListBySender(ctx context.Context, senderID string, limit, offset int) ([]*Message, error) {
	return s.listMessages(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE sender_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		senderID, clampLimit(limit), offset)
}

// ListByRecipient returns messages addressed to a user in single chats, newest first
func (s *SQLiteStore) ListByRecipient(ctx context.Context, recipientID string, limit, offset int) ([]*Message, error) {
	return s.listMessages(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE recipient_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		recipientID, clampLimit(limit), offset)
}

// ListByGroup returns a group's messages, newest first
func (s *SQLiteStore) ListByGroup(ctx context.Context, groupID string, limit, offset int) ([]*Message, error) {
	return s.listMessages(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE group_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		groupID, clampLimit(limit), offset)
}

// ListByStatus scans messages stuck in a status since before the cutoff.
// Used by the outbox sweep and failed-message listing.
func (s *SQLiteStore) ListByStatus(ctx context.Context, status MessageStatus, olderThan time.Time, limit int) ([]*Message, error) {
	return s.listMessages(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE status = ? AND created_at < ?
		 ORDER BY created_at ASC LIMIT ?`,
		string(status), formatTime(olderThan), clampLimit(limit))
}

// History returns one cursor-paginated page of a conversation's messages.
func (s *SQLiteStore) History(ctx context.Context, p HistoryParams) (*HistoryResult, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	dir := p.Direction
	if dir == "" {
		dir = DirectionBefore
	}

	var cursorTS time.Time
	var cursorID string
	if p.Cursor != "" {
		var err error
		cursorTS, cursorID, err = decodeCursor(p.Cursor)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor: %w", err)
		}
	}

	var args []any
	query := `SELECT ` + messageColumns + ` FROM messages WHERE `
	if p.Kind == KindGroup {
		query += `group_id = ?`
		args = append(args, p.PeerID)
	} else {
		query += `((sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?))`
		args = append(args, p.UserID, p.PeerID, p.PeerID, p.UserID)
	}

	if p.Cursor != "" {
		if dir == DirectionBefore {
			query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		} else {
			query += ` AND (created_at > ? OR (created_at = ? AND id > ?))`
		}
		ts := formatTime(cursorTS)
		args = append(args, ts, ts, cursorID)
	}

	if dir == DirectionBefore {
		query += ` ORDER BY created_at DESC, id DESC`
	} else {
		query += ` ORDER BY created_at ASC, id ASC`
	}
	query += ` LIMIT ?`
	args = append(args, limit+1)

	msgs, err := s.listMessages(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	result := &HistoryResult{Messages: msgs, HasMore: hasMore}
	if hasMore && len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		result.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	return result, nil
}

// Search performs a keyword search scoped to the caller's participation set.
// When FTS is enabled and requested, matches come from the FTS5 index ranked
// by relevance; otherwise a LIKE scan over the content column is used.
func (s *SQLiteStore) Search(ctx context.Context, p SearchParams) (*SearchResult, error) {
	limit := clampLimit(p.Limit)

	scope := `(
		(m.group_id = '' AND (m.sender_id = ? OR m.recipient_id = ?))
		OR m.group_id IN (SELECT group_id FROM group_members WHERE user_id = ? AND status = 'joined')
	)`
	scopeArgs := []any{p.UserID, p.UserID, p.UserID}
	if p.GroupID != "" {
		scope = `m.group_id = ?`
		scopeArgs = []any{p.GroupID}
	}

	var query, countQuery string
	var args, countArgs []any

	if p.UseFTS && s.ftsEnable {
		base := ` FROM messages m JOIN messages_fts f ON f.id = m.id
			WHERE messages_fts MATCH ? AND ` + scope
		query = `SELECT ` + prefixColumns("m") + base +
			` ORDER BY rank, m.created_at DESC LIMIT ? OFFSET ?`
		countQuery = `SELECT COUNT(*)` + base
		args = append([]any{p.Keyword}, scopeArgs...)
		countArgs = args
		args = append(args, limit, p.Offset)
	} else {
		like := "%" + escapeLike(p.Keyword) + "%"
		base := ` FROM messages m
			WHERE m.content LIKE ? ESCAPE '\'
			AND m.type IN ('text', 'code', 'file', 'document') AND ` + scope
		query = `SELECT ` + prefixColumns("m") + base +
			` ORDER BY m.created_at DESC LIMIT ? OFFSET ?`
		countQuery = `SELECT COUNT(*)` + base
		args = append([]any{like}, scopeArgs...)
		countArgs = args
		args = append(args, limit, p.Offset)
	}

	msgs, err := s.listMessages(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting search results: %w", err)
	}

	return &SearchResult{Messages: msgs, Total: total}, nil
}

// MessageStats aggregates a user's sent/received counts by type over a range.
func (s *SQLiteStore) MessageStats(ctx context.Context, p StatsParams) (*Stats, error) {
	from := formatTime(p.From)
	to := formatTime(p.To)

	stats := &Stats{ByType: make(map[MessageType]int64)}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages
		 WHERE sender_id = ? AND created_at >= ? AND created_at <= ?`,
		p.UserID, from, to).Scan(&stats.Sent)
	if err != nil {
		return nil, fmt.Errorf("counting sent messages: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages
		 WHERE created_at >= ? AND created_at <= ? AND sender_id != ?
		 AND (recipient_id = ?
		      OR group_id IN (SELECT group_id FROM group_members WHERE user_id = ? AND status = 'joined'))`,
		from, to, p.UserID, p.UserID, p.UserID).Scan(&stats.Received)
	if err != nil {
		return nil, fmt.Errorf("counting received messages: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT type, COUNT(*) FROM messages
		 WHERE sender_id = ? AND created_at >= ? AND created_at <= ?
		 GROUP BY type`,
		p.UserID, from, to)
	if err != nil {
		return nil, fmt.Errorf("counting messages by type: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		var n int64
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("scanning type count: %w", err)
		}
		stats.ByType[MessageType(t)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating type counts: %w", err)
	}

	return stats, nil
}

// listMessages runs a query selecting messageColumns and scans all rows
func (s *SQLiteStore) listMessages(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return msgs, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	msg := &Message{}
	var (
		clientSeq            sql.NullInt64
		msgType, status      string
		content, createdAt   string
		recalledAt, editedAt sql.NullString
		extra                sql.NullString
	)
	if err := row.Scan(
		&msg.ID,
		&clientSeq,
		&msg.Seq,
		&msgType,
		&content,
		&msg.SenderID,
		&msg.RecipientID,
		&msg.GroupID,
		&msg.ReplyToID,
		&msg.ForwardFromID,
		&status,
		&msg.RetryCount,
		&msg.NeedReadReceipt,
		&recalledAt,
		&editedAt,
		&createdAt,
		&extra,
	); err != nil {
		return nil, err
	}

	if clientSeq.Valid {
		v := clientSeq.Int64
		msg.ClientSeq = &v
	}
	msg.Type = MessageType(msgType)
	msg.Status = MessageStatus(status)
	msg.Content = []byte(content)

	var err error
	if msg.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if msg.RecalledAt, err = scanNullTime(recalledAt); err != nil {
		return nil, fmt.Errorf("parsing recalled_at: %w", err)
	}
	if msg.EditedAt, err = scanNullTime(editedAt); err != nil {
		return nil, fmt.Errorf("parsing edited_at: %w", err)
	}
	if extra.Valid && extra.String != "" {
		if err := json.Unmarshal([]byte(extra.String), &msg.Extra); err != nil {
			return nil, fmt.Errorf("parsing extra: %w", err)
		}
	}
	return msg, nil
}

// prefixColumns qualifies messageColumns with a table alias
func prefixColumns(alias string) string {
	cols := strings.Split(messageColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 100 {
		return 100
	}
	return limit
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// encodeCursor creates an opaque cursor string from a timestamp and message ID.
func encodeCursor(ts time.Time, id string) string {
	raw := fmt.Sprintf("%s|%s", ts.UTC().Format(timeLayout), id)
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// decodeCursor parses an opaque cursor string into a timestamp and message ID.
// Returns an error if the cursor is invalid.
func decodeCursor(cursor string) (time.Time, string, error) {
	decoded, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid cursor encoding: %w", err)
	}
	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("invalid cursor format: expected timestamp|message_id")
	}
	ts, err := parseTime(parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid cursor timestamp: %w", err)
	}
	return ts, parts[1], nil
}
