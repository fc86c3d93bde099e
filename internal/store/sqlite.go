// Package store provides the durable local persistence layer for the relay.
// The SQLite-backed store is the source of truth on process restart: pending
// and in-flight messages survive crashes and are rehydrated into the queue.
//
// Storage errors are reported to callers but are non-fatal by contract; the
// queue keeps operating memory-only when the store is unavailable, accepting
// that a crash during that window loses unpersisted messages.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"realmrelay/internal/types"
)

// Compile-time assertion that SQLiteStore implements types.MessageStore.
var _ types.MessageStore = (*SQLiteStore)(nil)

// SQLiteStore persists messages and sync cursors in a local SQLite file.
// Timestamps are stored as Unix nanoseconds so ordering comparisons are exact
// and independent of driver time parsing.
type SQLiteStore struct {
	db     *sql.DB
	logger types.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	kind       TEXT NOT NULL,
	payload    BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	status     TEXT NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session_status
	ON messages(session_id, status, created_at);

CREATE TABLE IF NOT EXISTS sync_cursors (
	session_id    TEXT PRIMARY KEY,
	last_acked_id TEXT NOT NULL,
	last_acked_at INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);`

// NewSQLiteStore opens (or creates) the store at path and ensures the schema
// exists. WAL mode keeps enqueue latency low while the sync engine reads.
func NewSQLiteStore(path string, logger types.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	// A local single-writer store; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Put inserts or overwrites a message by ID. Calling twice with the same ID
// and content is a no-op beyond the first write.
func (s *SQLiteStore) Put(ctx context.Context, msg *types.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, kind, payload, created_at, status, attempts, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			updated_at = excluded.updated_at`,
		msg.ID,
		msg.SessionID,
		string(msg.Kind),
		[]byte(msg.Payload),
		msg.CreatedAt.UnixNano(),
		string(msg.Status),
		msg.Attempts,
		time.Now().UnixNano(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeStorageUnavailable, "failed to persist message", err)
	}
	return nil
}

// GetAllPending returns all messages for a session with status pending or
// in_flight, ordered by CreatedAt ascending. In-flight messages are included
// because a crash between "mark in-flight" and the delivery outcome must not
// lose work; the sync engine re-resolves them via cursor reconciliation.
func (s *SQLiteStore) GetAllPending(ctx context.Context, sessionID string) ([]*types.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, kind, payload, created_at, status, attempts
		 FROM messages
		 WHERE session_id = ? AND status IN (?, ?)
		 ORDER BY created_at ASC, id ASC`,
		sessionID, string(types.StatusPending), string(types.StatusInFlight),
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeStorageUnavailable, "failed to load pending messages", err)
	}
	defer rows.Close()

	var out []*types.Message
	for rows.Next() {
		var (
			m         types.Message
			kind      string
			status    string
			createdNs int64
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &kind, (*[]byte)(&m.Payload), &createdNs, &status, &m.Attempts); err != nil {
			return nil, types.NewAppError(types.ErrCodeStorageUnavailable, "failed to scan message row", err)
		}
		m.Kind = types.MessageKind(kind)
		m.Status = types.MessageStatus(status)
		m.CreatedAt = time.Unix(0, createdNs).UTC()
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeStorageUnavailable, "failed to iterate message rows", err)
	}
	return out, nil
}

// MarkStatus updates a message's status. An unknown ID is logged and
// swallowed: the message may already have been purged by a cleanup pass.
func (s *SQLiteStore) MarkStatus(ctx context.Context, id string, status types.MessageStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UnixNano(), id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeStorageUnavailable, "failed to update message status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 && s.logger != nil {
		s.logger.Warn("mark status on unknown message", "message_id", id, "status", string(status))
	}
	return nil
}

// IncrementAttempt bumps the persisted attempt counter for a message.
func (s *SQLiteStore) IncrementAttempt(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET attempts = attempts + 1, updated_at = ? WHERE id = ?`,
		time.Now().UnixNano(), id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeStorageUnavailable, "failed to increment attempts", err)
	}
	return nil
}

// PurgeOlderThan deletes acknowledged messages older than cutoff to bound
// storage growth. Failed messages are retained for manual intervention.
func (s *SQLiteStore) PurgeOlderThan(ctx context.Context, sessionID string, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages
		 WHERE session_id = ? AND status = ? AND created_at < ?`,
		sessionID, string(types.StatusAcknowledged), cutoff.UnixNano(),
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeStorageUnavailable, "failed to purge messages", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SaveCursor persists the per-session sync cursor (last-write-wins).
func (s *SQLiteStore) SaveCursor(ctx context.Context, cursor *types.SyncCursor) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_cursors (session_id, last_acked_id, last_acked_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			last_acked_id = excluded.last_acked_id,
			last_acked_at = excluded.last_acked_at,
			updated_at = excluded.updated_at`,
		cursor.SessionID,
		cursor.LastAckedID,
		cursor.LastAckedAt.UnixNano(),
		time.Now().UnixNano(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeStorageUnavailable, "failed to save cursor", err)
	}
	return nil
}

// LoadCursor returns the persisted cursor for a session, or a zero cursor if
// none has been saved yet.
func (s *SQLiteStore) LoadCursor(ctx context.Context, sessionID string) (*types.SyncCursor, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT last_acked_id, last_acked_at, updated_at
		 FROM sync_cursors WHERE session_id = ?`,
		sessionID,
	)

	var (
		cursor         types.SyncCursor
		ackedNs, updNs int64
	)
	cursor.SessionID = sessionID
	err := row.Scan(&cursor.LastAckedID, &ackedNs, &updNs)
	if err == sql.ErrNoRows {
		return &types.SyncCursor{SessionID: sessionID}, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeStorageUnavailable, "failed to load cursor", err)
	}
	cursor.LastAckedAt = time.Unix(0, ackedNs).UTC()
	cursor.UpdatedAt = time.Unix(0, updNs).UTC()
	return &cursor, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
