package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"realmrelay/internal/types"
)

// SessionRepository provides data access for the sessions table.
type SessionRepository struct {
	db DBTX
}

// NewSessionRepository creates a SessionRepository backed by the given
// database connection (pool or transaction).
func NewSessionRepository(db DBTX) *SessionRepository {
	return &SessionRepository{db: db}
}

// Ensure upserts the session row, bumping its last-seen timestamp, and
// reports whether the session has been closed. A batch for a closed session
// is rejected at the handler level with conflict_session_closed.
func (r *SessionRepository) Ensure(ctx context.Context, sessionID string) (closed bool, err error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO sessions (id, created_at, last_seen_at)
		 VALUES ($1, NOW(), NOW())
		 ON CONFLICT (id) DO UPDATE SET last_seen_at = NOW()
		 RETURNING closed_at IS NOT NULL`,
		sessionID,
	)
	if err := row.Scan(&closed); err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to ensure session", err)
	}
	return closed, nil
}

// Get returns the session or not_found_session.
func (r *SessionRepository) Get(ctx context.Context, sessionID string) (*types.Session, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, COALESCE(campaign_id, ''), created_at, closed_at
		 FROM sessions
		 WHERE id = $1`,
		sessionID,
	)

	var s types.Session
	if err := row.Scan(&s.ID, &s.CampaignID, &s.CreatedAt, &s.ClosedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSession, "session not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load session", err)
	}
	return &s, nil
}

// CloseStale marks sessions idle since before the cutoff as closed and
// returns the number of sessions affected.
func (r *SessionRepository) CloseStale(ctx context.Context, idleBefore time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE sessions
		 SET closed_at = NOW()
		 WHERE closed_at IS NULL AND last_seen_at < $1`,
		idleBefore,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to close stale sessions", err)
	}
	return tag.RowsAffected(), nil
}
