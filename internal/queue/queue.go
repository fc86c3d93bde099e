// Package queue maintains the per-session delivery order and is the single
// point of enqueue/dequeue for the relay. The in-memory order holds exactly
// the messages with status pending or in_flight; terminal messages are
// removed on transition and never re-enter.
//
// The queue writes through to the MessageStore but treats storage failures
// as non-fatal: it keeps operating memory-only and reports the degradation
// through the warning hub. A crash during such a window loses unpersisted
// messages, which the design accepts.
package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"realmrelay/internal/events"
	"realmrelay/internal/types"
)

// Queue owns the ordered pending/in-flight messages for one session.
//
// All mutation is funneled through the owning session's goroutines (the
// caller's Send path and the sync engine's drain loop); the mutex makes the
// handful of cross-goroutine touch points safe without imposing a lock on
// the wire round-trips.
type Queue struct {
	sessionID string
	store     types.MessageStore
	logger    types.Logger
	warnings  *events.Hub[types.WarningEvent]

	mu    sync.Mutex
	order []*types.Message

	now   func() time.Time
	newID func() string
}

// New creates a Queue for the session and rehydrates the in-memory order
// from the store, so no pending work is lost across restarts. Messages that
// were in-flight when the previous process died are demoted to pending; if
// they were in fact delivered, cursor reconciliation acknowledges them before
// the next drain re-sends anything.
func New(ctx context.Context, sessionID string, store types.MessageStore, logger types.Logger, warnings *events.Hub[types.WarningEvent]) (*Queue, error) {
	q := &Queue{
		sessionID: sessionID,
		store:     store,
		logger:    logger,
		warnings:  warnings,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}

	pending, err := store.GetAllPending(ctx, sessionID)
	if err != nil {
		// Degraded start: empty order, memory-only until the store recovers.
		q.warn("rehydrate", err)
		return q, nil
	}

	for _, m := range pending {
		if m.Status == types.StatusInFlight {
			m.Status = types.StatusPending
			if err := store.MarkStatus(ctx, m.ID, types.StatusPending); err != nil {
				q.warn("rehydrate_demote", err)
			}
		}
		q.order = append(q.order, m)
	}

	return q, nil
}

// Enqueue constructs a new pending message, appends it to the order, and
// writes it to the store before returning the generated ID. It never blocks
// on connectivity; delivery is the sync engine's concern.
func (q *Queue) Enqueue(ctx context.Context, payload json.RawMessage, kind types.MessageKind) (string, error) {
	msg := &types.Message{
		ID:        q.newID(),
		SessionID: q.sessionID,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: q.now().UTC(),
		Status:    types.StatusPending,
	}

	q.mu.Lock()
	q.order = append(q.order, msg)
	q.mu.Unlock()

	if err := q.store.Put(ctx, msg); err != nil {
		// Memory-only from here for this message; enqueue still succeeds.
		q.warn("enqueue_persist", err)
	}

	return msg.ID, nil
}

// NextBatch returns up to maxSize pending messages in CreatedAt order
// without removing them. At-least-once semantics: the caller must explicitly
// transition them via MarkInFlight / Acknowledge / Requeue / Fail.
func (q *Queue) NextBatch(maxSize int) []*types.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	var batch []*types.Message
	for _, m := range q.order {
		if len(batch) >= maxSize {
			break
		}
		if m.Status == types.StatusPending {
			batch = append(batch, m)
		}
	}
	return batch
}

// MarkInFlight transitions a pending message to in_flight ahead of a
// delivery attempt and counts the attempt.
func (q *Queue) MarkInFlight(ctx context.Context, id string) {
	q.mu.Lock()
	if m := q.find(id); m != nil {
		m.Status = types.StatusInFlight
		m.Attempts++
	}
	q.mu.Unlock()

	if err := q.store.MarkStatus(ctx, id, types.StatusInFlight); err != nil {
		q.warn("mark_in_flight", err)
	}
	if err := q.store.IncrementAttempt(ctx, id); err != nil {
		q.warn("increment_attempt", err)
	}
}

// Acknowledge transitions a message to acknowledged and removes it from the
// active order. Acknowledging an ID that is no longer in the order (already
// acknowledged, or never seen) is a no-op, which makes the operation
// idempotent across cursor reconciliation and batch results.
func (q *Queue) Acknowledge(ctx context.Context, id string) bool {
	q.mu.Lock()
	m := q.find(id)
	if m != nil {
		m.Status = types.StatusAcknowledged
		q.remove(id)
	}
	q.mu.Unlock()

	if m == nil {
		return false
	}

	if err := q.store.MarkStatus(ctx, id, types.StatusAcknowledged); err != nil {
		q.warn("acknowledge", err)
	}
	return true
}

// Requeue transitions an in-flight message back to pending after a failed
// attempt. The attempt counter was already bumped by MarkInFlight.
func (q *Queue) Requeue(ctx context.Context, id string) {
	q.mu.Lock()
	if m := q.find(id); m != nil {
		m.Status = types.StatusPending
	}
	q.mu.Unlock()

	if err := q.store.MarkStatus(ctx, id, types.StatusPending); err != nil {
		q.warn("requeue", err)
	}
}

// Fail dead-letters a message: terminal, removed from the active order,
// retained in the store for manual intervention.
func (q *Queue) Fail(ctx context.Context, id string) {
	q.mu.Lock()
	if m := q.find(id); m != nil {
		m.Status = types.StatusFailed
		q.remove(id)
	}
	q.mu.Unlock()

	if err := q.store.MarkStatus(ctx, id, types.StatusFailed); err != nil {
		q.warn("fail", err)
	}
}

// AcknowledgePrefix acknowledges every message up to and including the one
// with the given ID, in order. Used by cursor reconciliation: the gateway
// receives messages strictly in order, so its last-acknowledged ID implies
// everything before it was delivered. Returns the acknowledged IDs.
//
// If the ID is not present (already acknowledged locally, or purged), the
// fallback acknowledges messages created strictly before olderThan.
func (q *Queue) AcknowledgePrefix(ctx context.Context, id string, olderThan time.Time) []string {
	q.mu.Lock()
	cut := -1
	for i, m := range q.order {
		if m.ID == id {
			cut = i + 1
			break
		}
	}
	if cut == -1 {
		for i, m := range q.order {
			if !m.CreatedAt.Before(olderThan) {
				break
			}
			cut = i + 1
		}
	}

	var acked []*types.Message
	if cut > 0 {
		acked = append(acked, q.order[:cut]...)
		q.order = append([]*types.Message(nil), q.order[cut:]...)
	}
	q.mu.Unlock()

	ids := make([]string, 0, len(acked))
	for _, m := range acked {
		m.Status = types.StatusAcknowledged
		if err := q.store.MarkStatus(ctx, m.ID, types.StatusAcknowledged); err != nil {
			q.warn("acknowledge_prefix", err)
		}
		ids = append(ids, m.ID)
	}
	return ids
}

// Len returns the number of messages in the active order.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Attempts returns the attempt count for a message still in the order, or
// zero if it is not present.
func (q *Queue) Attempts(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if m := q.find(id); m != nil {
		return m.Attempts
	}
	return 0
}

// Purge removes acknowledged messages older than cutoff from the store.
func (q *Queue) Purge(ctx context.Context, cutoff time.Time) int {
	n, err := q.store.PurgeOlderThan(ctx, q.sessionID, cutoff)
	if err != nil {
		q.warn("purge", err)
		return 0
	}
	return n
}

// find returns the in-order message with the given ID. Caller holds q.mu.
func (q *Queue) find(id string) *types.Message {
	for _, m := range q.order {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// remove deletes the message with the given ID from the order, preserving
// the relative order of the rest. Caller holds q.mu.
func (q *Queue) remove(id string) bool {
	for i, m := range q.order {
		if m.ID == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return true
		}
	}
	return false
}

// warn logs a storage degradation and publishes it to the warning hub.
func (q *Queue) warn(op string, err error) {
	if q.logger != nil {
		q.logger.Warn("queue storage degraded",
			"session_id", q.sessionID,
			"op", op,
			"error", err.Error(),
		)
	}
	if q.warnings != nil {
		q.warnings.Publish(types.WarningEvent{
			SessionID: q.sessionID,
			Op:        op,
			Err:       err,
		})
	}
}
