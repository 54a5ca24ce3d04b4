// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides message/conversation/social persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is the column format for timestamps. Fixed-width nanoseconds keep
// lexicographic string comparison consistent with chronological order, so
// created_at ordering in SQL matches seq ordering inside one conversation.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db        *sql.DB
	logger    *slog.Logger
	ftsEnable bool
}

// Option configures a SQLiteStore
type Option func(*SQLiteStore)

// WithFullText enables the FTS5 index over message text content.
func WithFullText() Option {
	return func(s *SQLiteStore) { s.ftsEnable = true }
}

// FullTextEnabled reports whether the FTS5 index is active.
func (s *SQLiteStore) FullTextEnabled() bool { return s.ftsEnable }

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// Pragmas ride on the DSN so every pooled connection gets them: WAL for
	// concurrent readers, busy_timeout so parallel writers queue instead of
	// failing with SQLITE_BUSY.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "fts", s.ftsEnable)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			client_seq INTEGER,
			seq INTEGER NOT NULL DEFAULT 0,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			recipient_id TEXT NOT NULL DEFAULT '',
			group_id TEXT NOT NULL DEFAULT '',
			reply_to_id TEXT NOT NULL DEFAULT '',
			forward_from_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			need_read_receipt INTEGER NOT NULL DEFAULT 0,
			recalled_at TEXT,
			edited_at TEXT,
			created_at TEXT NOT NULL,
			extra TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_messages_sender_recipient
			ON messages(sender_id, recipient_id, created_at);

		CREATE INDEX IF NOT EXISTS idx_messages_recipient_sender
			ON messages(recipient_id, sender_id, created_at);

		CREATE INDEX IF NOT EXISTS idx_messages_group_created
			ON messages(group_id, created_at);

		CREATE INDEX IF NOT EXISTS idx_messages_status
			ON messages(status);

		CREATE INDEX IF NOT EXISTS idx_messages_sender_clientseq
			ON messages(sender_id, client_seq);

		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			owner_user_id TEXT NOT NULL,
			peer_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			last_message_id TEXT NOT NULL DEFAULT '',
			last_message_snippet TEXT NOT NULL DEFAULT '',
			last_message_at TEXT NOT NULL DEFAULT '',
			unread_count INTEGER NOT NULL DEFAULT 0,
			is_pinned INTEGER NOT NULL DEFAULT 0,
			is_muted INTEGER NOT NULL DEFAULT 0,
			draft TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_owner_peer
			ON conversations(owner_user_id, peer_id, kind);

		CREATE INDEX IF NOT EXISTS idx_conversations_owner_updated
			ON conversations(owner_user_id, is_pinned, last_message_at);

		CREATE TABLE IF NOT EXISTS groups (
			id TEXT PRIMARY KEY,
			owner_uid TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			notice TEXT NOT NULL DEFAULT '',
			member_count INTEGER NOT NULL DEFAULT 0,
			max_members INTEGER NOT NULL DEFAULT 500,
			all_muted INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS group_members (
			group_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'member',
			status TEXT NOT NULL DEFAULT 'joined',
			joined_at TEXT NOT NULL,
			mute_until TEXT,
			PRIMARY KEY (group_id, user_id)
		);

		CREATE INDEX IF NOT EXISTS idx_group_members_status
			ON group_members(group_id, status);

		CREATE TABLE IF NOT EXISTS friendships (
			user_id TEXT NOT NULL,
			target_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (user_id, target_id)
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}

	if s.ftsEnable {
		fts := `
			CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
				id UNINDEXED,
				text,
				tokenize = 'unicode61'
			);
		`
		if _, err := s.db.Exec(fts); err != nil {
			return fmt.Errorf("creating fts table: %w", err)
		}
	}

	return nil
}

// WithTx runs fn inside a database transaction. Message inserts issued through
// the transactional view become visible only when fn returns nil.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx MessageTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	view := &sqliteTx{store: s, tx: tx}
	if err := fn(view); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// sqliteTx is the transaction-scoped message writer
type sqliteTx struct {
	store *SQLiteStore
	tx    *sql.Tx
}

func (t *sqliteTx) InsertMessage(ctx context.Context, msg *Message) error {
	return t.store.insertMessage(ctx, t.tx, msg)
}

// execer is satisfied by both *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Close closes the underlying database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isUniqueViolation reports whether the error is a SQLite unique constraint failure
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// formatTime renders a timestamp for storage, normalizing to UTC
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime parses a stored timestamp
func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// nullTime renders an optional timestamp
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// scanNullTime converts an optional stored timestamp back into *time.Time
func scanNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
