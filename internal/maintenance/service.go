// Package maintenance implements the gateway's scheduled tasks: retention
// purge of dispatched messages, closing of idle sessions, and redispatch of
// messages that were stored but never handed to an agent queue. All tasks
// accept a `now` parameter for deterministic testing and manual backfill, and
// use fixed batch limits to stay within Lambda timeouts.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"realmrelay/internal/types"
)

// Task names accepted by the maintenance entry point.
const (
	TaskPurgeMessages      = "purge_messages"
	TaskCloseStaleSessions = "close_stale_sessions"
	TaskRedispatchPending  = "redispatch_pending"
)

// RedispatchBatchLimit caps the rows processed per redispatch invocation.
const RedispatchBatchLimit = 100

// MessageDB defines the message-table operations the tasks need.
type MessageDB interface {
	// PurgeOlderThan deletes dispatched messages received before cutoff.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// ListUndispatched returns stored messages never handed to a queue,
	// oldest first.
	ListUndispatched(ctx context.Context, limit int) ([]*types.Message, error)

	// MarkDispatched records a successful queue handoff.
	MarkDispatched(ctx context.Context, id string) error
}

// SessionDB defines the session-table operations the tasks need.
type SessionDB interface {
	// CloseStale closes sessions idle since before the cutoff.
	CloseStale(ctx context.Context, idleBefore time.Time) (int64, error)
}

// Dispatcher hands messages to their agent queues.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *types.Message) error
}

// TaskMetrics records per-task row counts. May be nil.
type TaskMetrics interface {
	RecordMaintenance(ctx context.Context, task string, count int64)
}

// Service runs the maintenance tasks.
type Service struct {
	messages   MessageDB
	sessions   SessionDB
	dispatcher Dispatcher
	metrics    TaskMetrics
	logger     *slog.Logger
}

// NewService creates a maintenance Service. metrics may be nil.
func NewService(messages MessageDB, sessions SessionDB, dispatcher Dispatcher, metrics TaskMetrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		messages:   messages,
		sessions:   sessions,
		dispatcher: dispatcher,
		metrics:    metrics,
		logger:     logger,
	}
}

// PurgeMessages deletes dispatched messages received more than `retention`
// ago. Undispatched rows are never purged; the redispatch task owns them.
// Returns the number of rows removed.
func (s *Service) PurgeMessages(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	cutoff := now.Add(-retention)

	count, err := s.messages.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging messages: %w", err)
	}

	if count > 0 {
		s.logger.InfoContext(ctx, "purged dispatched messages",
			"count", count,
			"cutoff", cutoff.Format(time.RFC3339),
		)
	}
	s.record(ctx, TaskPurgeMessages, count)
	return count, nil
}

// CloseStaleSessions closes sessions idle longer than `idleAfter`. A closed
// session rejects further batches with conflict_session_closed. Returns the
// number of sessions closed.
func (s *Service) CloseStaleSessions(ctx context.Context, now time.Time, idleAfter time.Duration) (int64, error) {
	cutoff := now.Add(-idleAfter)

	count, err := s.sessions.CloseStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("closing stale sessions: %w", err)
	}

	if count > 0 {
		s.logger.InfoContext(ctx, "closed stale sessions",
			"count", count,
			"idle_before", cutoff.Format(time.RFC3339),
		)
	}
	s.record(ctx, TaskCloseStaleSessions, count)
	return count, nil
}

// RedispatchPending re-sends stored messages whose original dispatch failed.
// A message that fails again stays undispatched and is retried on the next
// run. Returns the number of messages successfully dispatched.
func (s *Service) RedispatchPending(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = RedispatchBatchLimit
	}

	msgs, err := s.messages.ListUndispatched(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("listing undispatched messages: %w", err)
	}

	if len(msgs) == 0 {
		s.logger.InfoContext(ctx, "no undispatched messages")
		return 0, nil
	}

	dispatched := 0
	for _, msg := range msgs {
		if err := s.dispatcher.Dispatch(ctx, msg); err != nil {
			s.logger.ErrorContext(ctx, "redispatch failed",
				"message_id", msg.ID,
				"kind", string(msg.Kind),
				"error", err,
			)
			continue
		}
		if err := s.messages.MarkDispatched(ctx, msg.ID); err != nil {
			// The message was delivered but stays marked undispatched;
			// the next run re-sends it and the agent workers dedup by ID.
			s.logger.ErrorContext(ctx, "failed to mark message dispatched",
				"message_id", msg.ID,
				"error", err,
			)
			continue
		}
		dispatched++
	}

	s.logger.InfoContext(ctx, "redispatch complete",
		"dispatched", dispatched,
		"total_found", len(msgs),
	)
	s.record(ctx, TaskRedispatchPending, int64(dispatched))
	return dispatched, nil
}

func (s *Service) record(ctx context.Context, task string, count int64) {
	if s.metrics != nil {
		s.metrics.RecordMaintenance(ctx, task, count)
	}
}
