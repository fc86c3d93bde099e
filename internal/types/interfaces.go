package types

import (
	"context"
	"time"
)

// Logger is the minimal structured logging interface used by components that
// need injectable logging. *slog.Logger satisfies Info/Warn/Error directly;
// a thin adapter is needed for With (it returns *slog.Logger, not Logger).
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	With(args ...any) Logger
}

// MessageStore is the durable local persistence boundary owned by the Queue.
// Implementations must treat Put as idempotent by message ID and must order
// GetAllPending results by CreatedAt ascending.
//
// Storage failures are non-fatal to callers: the Queue continues operating
// memory-only and surfaces the error as a warning event.
type MessageStore interface {
	// Put inserts or overwrites a Message by ID.
	Put(ctx context.Context, msg *Message) error

	// GetAllPending returns all messages for a session with status in
	// {pending, in_flight}, ordered by CreatedAt ascending.
	GetAllPending(ctx context.Context, sessionID string) ([]*Message, error)

	// MarkStatus updates a message's status. An unknown ID is not an error;
	// the message may already have been purged by a cleanup pass.
	MarkStatus(ctx context.Context, id string, status MessageStatus) error

	// IncrementAttempt bumps the persisted attempt counter for a message.
	IncrementAttempt(ctx context.Context, id string) error

	// PurgeOlderThan deletes acknowledged messages older than cutoff and
	// returns the number of rows removed.
	PurgeOlderThan(ctx context.Context, sessionID string, cutoff time.Time) (int, error)

	// SaveCursor persists the per-session sync cursor.
	SaveCursor(ctx context.Context, cursor *SyncCursor) error

	// LoadCursor returns the persisted cursor for a session, or a zero
	// cursor if none has been saved yet.
	LoadCursor(ctx context.Context, sessionID string) (*SyncCursor, error)

	// Close releases the underlying storage handle.
	Close() error
}

// RemoteEndpoint is the sync engine's view of the gateway. Implementations
// perform a single attempt per call; retry and backoff policy belong to the
// sync engine.
type RemoteEndpoint interface {
	// PushBatch delivers a batch of messages in order and returns the
	// per-message outcome. A transport-level error means the whole batch
	// outcome is unknown and should be retried.
	PushBatch(ctx context.Context, sessionID string, batch []*Message) ([]BatchResult, error)

	// LastAcknowledged fetches the gateway's sync cursor for a session.
	LastAcknowledged(ctx context.Context, sessionID string) (*SyncCursor, error)
}
