// Package store implements the event store and the dedup table on SQLite.
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

	"relaybot/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.EventStore and domain.DedupStore.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection: SQLite serializes writers anyway, and one shared
	// connection makes the dedup INSERT OR IGNORE check-and-mark atomic.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id                  INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_key    TEXT NOT NULL,
		direction           TEXT NOT NULL,
		content_kind        TEXT NOT NULL,
		body                TEXT,
		external_message_id TEXT NOT NULL DEFAULT '',
		status              TEXT NOT NULL,
		created_at          DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_key, id);
	CREATE UNIQUE INDEX IF NOT EXISTS ux_messages_external_id
		ON messages(external_message_id) WHERE external_message_id != '';

	CREATE TABLE IF NOT EXISTS processed_events (
		external_event_id TEXT PRIMARY KEY,
		seen_at           DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_processed_seen ON processed_events(seen_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) AppendInbound(ctx context.Context, msg domain.ConversationMessage) error {
	msg.Direction = domain.DirectionInbound
	return s.appendMessage(ctx, msg)
}

func (s *SQLiteStore) AppendOutbound(ctx context.Context, msg domain.ConversationMessage) error {
	msg.Direction = domain.DirectionOutbound
	return s.appendMessage(ctx, msg)
}

func (s *SQLiteStore) appendMessage(ctx context.Context, msg domain.ConversationMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.ContentKind == "" {
		msg.ContentKind = domain.ContentText
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_key, direction, content_kind, body, external_message_id, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ConversationKey, msg.Direction, msg.ContentKind, msg.Body, msg.ExternalMessageID, msg.Status, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append %s message: %w", msg.Direction, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, externalMessageID string, status domain.DeliveryStatus) (bool, error) {
	if externalMessageID == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ? WHERE external_message_id = ?`,
		status, externalMessageID,
	)
	if err != nil {
		return false, fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) RecentMessages(ctx context.Context, conversationKey string, count int) ([]domain.ConversationMessage, error) {
	if count <= 0 {
		count = 50
	}

	// Last N by insertion order, then reversed to chronological.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_key, direction, content_kind, body, external_message_id, status, created_at
		 FROM messages WHERE conversation_key = ?
		 ORDER BY id DESC LIMIT ?`, conversationKey, count,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (s *SQLiteStore) SearchText(ctx context.Context, conversationKey, query string, limit int) ([]domain.ConversationMessage, error) {
	if limit <= 0 {
		limit = 10
	}

	// The query is user text; % and _ in it must match literally.
	pattern := "%" + likeEscaper.Replace(query) + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_key, direction, content_kind, body, external_message_id, status, created_at
		 FROM messages
		 WHERE conversation_key = ? AND content_kind = ? AND body LIKE ? ESCAPE '\'
		 ORDER BY id DESC LIMIT ?`,
		conversationKey, domain.ContentText, pattern, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]domain.ConversationMessage, error) {
	var msgs []domain.ConversationMessage
	for rows.Next() {
		var m domain.ConversationMessage
		var body sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationKey, &m.Direction, &m.ContentKind,
			&body, &m.ExternalMessageID, &m.Status, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Body = body.String
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkEventProcessed records the identifier with INSERT OR IGNORE, so the
// first caller (and only the first) observes a fresh insert.
func (s *SQLiteStore) MarkEventProcessed(ctx context.Context, externalEventID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_events (external_event_id, seen_at) VALUES (?, ?)`,
		externalEventID, time.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("mark event processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) ForgetEvent(ctx context.Context, externalEventID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_events WHERE external_event_id = ?`, externalEventID,
	)
	if err != nil {
		return fmt.Errorf("forget event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PruneProcessedEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_events WHERE seen_at < ?`, olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("prune processed events: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
