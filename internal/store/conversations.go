// ABOUTME: Conversation row persistence: guarded upserts, unread counters, pin/mute/draft
// ABOUTME: Conversations are a derived cache; upserts never move last_message_at backwards

package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

const conversationColumns = `id, owner_user_id, peer_id, kind, last_message_id,
	last_message_snippet, last_message_at, unread_count, is_pinned, is_muted,
	draft, created_at, updated_at`

// UpsertConversation creates or refreshes one (owner, peer, kind) row.
// The last-message snapshot is only applied when it is newer than the stored
// one, so stale fan-out updates are discarded.
func (s *SQLiteStore) UpsertConversation(ctx context.Context, c *Conversation) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := formatTime(c.UpdatedAt)
	lastAt := formatTime(c.LastMessageAt)

	query := `
		INSERT INTO conversations (` + conversationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_user_id, peer_id, kind) DO UPDATE SET
			last_message_id = excluded.last_message_id,
			last_message_snippet = excluded.last_message_snippet,
			last_message_at = excluded.last_message_at,
			unread_count = conversations.unread_count + excluded.unread_count,
			updated_at = excluded.updated_at
		WHERE excluded.last_message_at >= conversations.last_message_at
	`
	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.OwnerUserID, c.PeerID, string(c.Kind),
		c.LastMessageID, c.LastMessageSnippet, lastAt,
		c.UnreadCount, c.IsPinned, c.IsMuted, c.Draft,
		now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting conversation: %w", err)
	}
	return nil
}

// UpsertConversations applies a batch of upserts in one transaction.
// Used by the group fan-out batched path.
func (s *SQLiteStore) UpsertConversations(ctx context.Context, batch []*Conversation) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning batch upsert: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO conversations (` + conversationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_user_id, peer_id, kind) DO UPDATE SET
			last_message_id = excluded.last_message_id,
			last_message_snippet = excluded.last_message_snippet,
			last_message_at = excluded.last_message_at,
			unread_count = conversations.unread_count + excluded.unread_count,
			updated_at = excluded.updated_at
		WHERE excluded.last_message_at >= conversations.last_message_at
	`
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("preparing batch upsert: %w", err)
	}
	defer stmt.Close()

	for _, c := range batch {
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		now := formatTime(c.UpdatedAt)
		if _, err := stmt.ExecContext(ctx,
			c.ID, c.OwnerUserID, c.PeerID, string(c.Kind),
			c.LastMessageID, c.LastMessageSnippet, formatTime(c.LastMessageAt),
			c.UnreadCount, c.IsPinned, c.IsMuted, c.Draft,
			now, now,
		); err != nil {
			return fmt.Errorf("upserting conversation for %s: %w", c.OwnerUserID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch upsert: %w", err)
	}
	return nil
}

// GetConversation fetches one (owner, peer, kind) row
func (s *SQLiteStore) GetConversation(ctx context.Context, owner, peer string, kind ConversationKind) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE owner_user_id = ? AND peer_id = ? AND kind = ?`,
		owner, peer, string(kind))
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns a user's conversations, pinned first, most recent
// activity next.
func (s *SQLiteStore) ListConversations(ctx context.Context, owner string, limit int) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE owner_user_id = ?
		 ORDER BY is_pinned DESC, last_message_at DESC
		 LIMIT ?`,
		owner, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return convs, nil
}

// AddUnread adjusts a conversation's unread counter by delta, clamped at zero.
func (s *SQLiteStore) AddUnread(ctx context.Context, owner, peer string, kind ConversationKind, delta int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations
		 SET unread_count = MAX(0, unread_count + ?)
		 WHERE owner_user_id = ? AND peer_id = ? AND kind = ?`,
		delta, owner, peer, string(kind))
	if err != nil {
		return fmt.Errorf("adjusting unread count: %w", err)
	}
	return nil
}

// ResetUnread zeroes a conversation's unread counter
func (s *SQLiteStore) ResetUnread(ctx context.Context, owner, peer string, kind ConversationKind) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET unread_count = 0
		 WHERE owner_user_id = ? AND peer_id = ? AND kind = ?`,
		owner, peer, string(kind))
	if err != nil {
		return fmt.Errorf("resetting unread count: %w", err)
	}
	return nil
}

// SetPinned toggles the pinned flag
func (s *SQLiteStore) SetPinned(ctx context.Context, owner, peer string, kind ConversationKind, pinned bool) error {
	return s.setConversationFlag(ctx, "is_pinned", pinned, owner, peer, kind)
}

// SetMuted toggles the muted flag
func (s *SQLiteStore) SetMuted(ctx context.Context, owner, peer string, kind ConversationKind, muted bool) error {
	return s.setConversationFlag(ctx, "is_muted", muted, owner, peer, kind)
}

func (s *SQLiteStore) setConversationFlag(ctx context.Context, column string, value bool, owner, peer string, kind ConversationKind) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET `+column+` = ?
		 WHERE owner_user_id = ? AND peer_id = ? AND kind = ?`,
		value, owner, peer, string(kind))
	if err != nil {
		return fmt.Errorf("setting %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetDraft stores the owner's draft text for a conversation
func (s *SQLiteStore) SetDraft(ctx context.Context, owner, peer string, kind ConversationKind, draft string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET draft = ?
		 WHERE owner_user_id = ? AND peer_id = ? AND kind = ?`,
		draft, owner, peer, string(kind))
	if err != nil {
		return fmt.Errorf("setting draft: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSnippetIfLast rewrites the snippet of every conversation whose last
// message is the given id. Used after a recall so previews stop showing the
// retracted text. Returns the number of rows touched.
func (s *SQLiteStore) UpdateSnippetIfLast(ctx context.Context, messageID, snippet string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_message_snippet = ?
		 WHERE last_message_id = ?`,
		snippet, messageID)
	if err != nil {
		return 0, fmt.Errorf("updating snippet: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading rows affected: %w", err)
	}
	return n, nil
}

// RepairConversationHeads recomputes last_message_id/last_message_at for
// conversations whose stored head no longer matches the newest surviving
// message. Run periodically; fan-out races and crashes can leave heads stale.
// Returns the number of rows corrected.
func (s *SQLiteStore) RepairConversationHeads(ctx context.Context) (int64, error) {
	query := `
		WITH heads AS (
			SELECT c.rowid AS crowid, m.id AS mid, m.created_at AS mat,
			       ROW_NUMBER() OVER (
			           PARTITION BY c.rowid
			           ORDER BY m.created_at DESC, m.id DESC) AS rn
			FROM conversations c
			JOIN messages m ON (
				(c.kind = 'group' AND m.group_id = c.peer_id)
				OR (c.kind != 'group' AND m.group_id = '' AND (
					(m.sender_id = c.owner_user_id AND m.recipient_id = c.peer_id) OR
					(m.sender_id = c.peer_id AND m.recipient_id = c.owner_user_id)))
			)
			WHERE m.status NOT IN ('sending', 'failed')
		)
		UPDATE conversations SET
			last_message_id = (SELECT mid FROM heads
				WHERE crowid = conversations.rowid AND rn = 1),
			last_message_at = (SELECT mat FROM heads
				WHERE crowid = conversations.rowid AND rn = 1)
		WHERE EXISTS (SELECT 1 FROM heads
			WHERE crowid = conversations.rowid AND rn = 1
			AND mid != conversations.last_message_id)
	`
	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("repairing conversation heads: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading rows affected: %w", err)
	}
	return n, nil
}

func scanConversation(row rowScanner) (*Conversation, error) {
	c := &Conversation{}
	var kind, lastAt, createdAt, updatedAt string
	if err := row.Scan(
		&c.ID,
		&c.OwnerUserID,
		&c.PeerID,
		&kind,
		&c.LastMessageID,
		&c.LastMessageSnippet,
		&lastAt,
		&c.UnreadCount,
		&c.IsPinned,
		&c.IsMuted,
		&c.Draft,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	c.Kind = ConversationKind(kind)

	var err error
	if lastAt != "" {
		if c.LastMessageAt, err = parseTime(lastAt); err != nil {
			return nil, fmt.Errorf("parsing last_message_at: %w", err)
		}
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return c, nil
}
