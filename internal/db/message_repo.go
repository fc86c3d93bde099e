package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"realmrelay/internal/types"
)

// MessageRepository provides data access for the messages table. The message
// ID is generated by the relay and is the deduplication key: Insert is
// idempotent, and a replayed message (relay retry after a lost response)
// never produces a second row.
type MessageRepository struct {
	db DBTX
}

// NewMessageRepository creates a MessageRepository backed by the given
// database connection (pool or transaction).
func NewMessageRepository(db DBTX) *MessageRepository {
	return &MessageRepository{db: db}
}

// Insert stores a message if its ID has not been seen before. Returns true
// when a new row was created and false for a duplicate.
func (r *MessageRepository) Insert(ctx context.Context, msg *types.Message) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO messages (id, session_id, kind, payload, created_at, received_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 ON CONFLICT (id) DO NOTHING`,
		msg.ID,
		msg.SessionID,
		string(msg.Kind),
		msg.Payload,
		msg.CreatedAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to insert message", err)
	}
	return tag.RowsAffected() == 1, nil
}

// LastAcknowledged returns the sync cursor for a session: the most recently
// created message the gateway has stored. A session with no messages yields
// not_found_session, which the relay client treats as a zero cursor.
func (r *MessageRepository) LastAcknowledged(ctx context.Context, sessionID string) (*types.SyncCursor, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, created_at, received_at
		 FROM messages
		 WHERE session_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		sessionID,
	)

	cursor := &types.SyncCursor{SessionID: sessionID}
	if err := row.Scan(&cursor.LastAckedID, &cursor.LastAckedAt, &cursor.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSession, "no messages for session", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load sync cursor", err)
	}
	return cursor, nil
}

// MarkDispatched records that a message was handed to its agent queue.
func (r *MessageRepository) MarkDispatched(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE messages SET dispatched_at = NOW() WHERE id = $1`,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark message dispatched", err)
	}
	return nil
}

// ListUndispatched returns stored messages that were never handed to an agent
// queue, oldest first. Used by the redispatch maintenance task.
func (r *MessageRepository) ListUndispatched(ctx context.Context, limit int) ([]*types.Message, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, session_id, kind, payload, created_at
		 FROM messages
		 WHERE dispatched_at IS NULL
		 ORDER BY received_at ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list undispatched messages", err)
	}
	defer rows.Close()

	var out []*types.Message
	for rows.Next() {
		var m types.Message
		var kind string
		if err := rows.Scan(&m.ID, &m.SessionID, &kind, (*[]byte)(&m.Payload), &m.CreatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan message row", err)
		}
		m.Kind = types.MessageKind(kind)
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate message rows", err)
	}
	return out, nil
}

// PurgeOlderThan deletes dispatched messages received before the cutoff and
// returns the number of rows removed.
func (r *MessageRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM messages
		 WHERE received_at < $1 AND dispatched_at IS NOT NULL`,
		cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to purge messages", err)
	}
	return tag.RowsAffected(), nil
}
