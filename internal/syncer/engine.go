// Package syncer drains the session queue to the gateway whenever the
// connection monitor reports the link is up. It owns the retry budget,
// exponential backoff, dead-lettering, and the reconnect-time cursor
// reconciliation that prevents duplicate processing of messages the gateway
// already acknowledged.
package syncer

import (
	"context"
	"sync"
	"time"

	"realmrelay/internal/events"
	"realmrelay/internal/queue"
	"realmrelay/internal/types"
)

// ConnectivitySource is the engine's view of the connection monitor.
type ConnectivitySource interface {
	IsOnline() bool
	Subscribe(handler func(types.ConnectionState)) func()
}

// Config tunes one engine instance.
type Config struct {
	BatchSize      int
	SyncInterval   time.Duration
	RequestTimeout time.Duration
	Policy         RetryPolicy

	// StrictOrdering preserves head-of-line blocking: while the head of
	// the queue is cooling down between attempts nothing is sent. When
	// false, the engine advances past cooling messages so a retrying
	// head does not stall messages enqueued after the failure.
	StrictOrdering bool
}

// Engine runs one drain loop per session. All queue mutation happens on the
// engine goroutine; Send-side enqueues only append.
type Engine struct {
	sessionID string
	queue     *queue.Queue
	remote    types.RemoteEndpoint
	conn      ConnectivitySource
	store     types.MessageStore
	cfg       Config
	logger    types.Logger

	acks  *events.Hub[types.AckEvent]
	fails *events.Hub[types.FailEvent]

	// cooldown holds the earliest next-attempt time per message after a
	// transport failure. Engine-goroutine only.
	cooldown map[string]time.Time

	// needReconcile is set on every online transition: delivery may have
	// succeeded remotely while the local acknowledgment was lost.
	needReconcile bool

	kick   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	unsub  func()
	closed sync.Once

	now   func() time.Time
	sleep func(d time.Duration, cancel <-chan struct{}) bool
}

// New creates an Engine. acks and fails are the terminal-state event hubs
// owned by the messaging service.
func New(
	sessionID string,
	q *queue.Queue,
	remote types.RemoteEndpoint,
	conn ConnectivitySource,
	store types.MessageStore,
	cfg Config,
	acks *events.Hub[types.AckEvent],
	fails *events.Hub[types.FailEvent],
	logger types.Logger,
) *Engine {
	return &Engine{
		sessionID:     sessionID,
		queue:         q,
		remote:        remote,
		conn:          conn,
		store:         store,
		cfg:           cfg,
		logger:        logger,
		acks:          acks,
		fails:         fails,
		cooldown:      make(map[string]time.Time),
		needReconcile: true,
		kick:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		now:           time.Now,
		sleep:         sleepWithCancel,
	}
}

// Start subscribes to connectivity transitions and launches the drain loop.
func (e *Engine) Start(ctx context.Context) {
	e.unsub = e.conn.Subscribe(func(s types.ConnectionState) {
		if s.Online {
			e.Kick()
		}
	})

	go e.run(ctx)

	if e.conn.IsOnline() {
		e.Kick()
	}
}

// Kick requests an immediate drain cycle. Coalesces if one is already queued.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Stop cancels pending backoff and timers and waits for the loop to exit.
// A delivery request already dispatched is not cancelled; it completes and
// its outcome is persisted, but events fire into hubs the caller has already
// closed, so no handler observes them after close.
func (e *Engine) Stop() {
	e.closed.Do(func() {
		if e.unsub != nil {
			e.unsub()
		}
		close(e.stop)
	})
	<-e.done
}

// run is the engine goroutine: drain on kick or on the periodic tick while
// online.
func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		case <-e.kick:
			e.needReconcile = true
			e.drain(ctx)
		case <-ticker.C:
			if e.conn.IsOnline() {
				e.drain(ctx)
			}
		}
	}
}

// drain runs delivery cycles until the queue has nothing sendable, the
// connection drops, or the engine is stopped.
func (e *Engine) drain(ctx context.Context) {
	for e.conn.IsOnline() && !e.stopped() {
		if e.needReconcile {
			if !e.reconcile(ctx) {
				return
			}
			e.needReconcile = false
		}

		batch := e.sendable()
		if len(batch) == 0 {
			return
		}

		if !e.deliver(ctx, batch) {
			return
		}
	}
}

// sendable selects the next batch honoring per-message cooldowns and the
// ordering policy.
func (e *Engine) sendable() []*types.Message {
	now := e.now()
	candidates := e.queue.NextBatch(e.cfg.BatchSize)

	var batch []*types.Message
	for _, m := range candidates {
		if until, cooling := e.cooldown[m.ID]; cooling && now.Before(until) {
			if e.cfg.StrictOrdering {
				// Head-of-line blocking: nothing passes a cooling head.
				break
			}
			continue
		}
		batch = append(batch, m)
	}
	return batch
}

// reconcile fetches the gateway's cursor and locally acknowledges everything
// the gateway already has. This covers the crash window between a remote
// success and the local acknowledgment write. Returns false on failure, in
// which case the drain cycle aborts and retries on the next trigger.
func (e *Engine) reconcile(ctx context.Context) bool {
	reqCtx, cancel := e.requestContext(ctx)
	cursor, err := e.remote.LastAcknowledged(reqCtx, e.sessionID)
	cancel()
	if err != nil {
		e.logger.Warn("cursor reconciliation failed",
			"session_id", e.sessionID,
			"error", err.Error(),
		)
		return false
	}

	if cursor.Zero() {
		return true
	}

	acked := e.queue.AcknowledgePrefix(ctx, cursor.LastAckedID, cursor.LastAckedAt)
	for _, id := range acked {
		delete(e.cooldown, id)
		e.acks.Publish(types.AckEvent{
			SessionID: e.sessionID,
			MessageID: id,
			AckedAt:   cursor.LastAckedAt,
		})
	}
	if len(acked) > 0 {
		e.logger.Info("reconciled acknowledgments from gateway cursor",
			"session_id", e.sessionID,
			"count", len(acked),
			"last_acked_id", cursor.LastAckedID,
		)
	}

	if err := e.store.SaveCursor(ctx, cursor); err != nil {
		e.logger.Warn("failed to persist reconciled cursor",
			"session_id", e.sessionID,
			"error", err.Error(),
		)
	}
	return true
}

// deliver pushes one batch and applies the per-message outcomes. Returns
// false when the drain cycle should stop (transport failure or stop signal).
func (e *Engine) deliver(ctx context.Context, batch []*types.Message) bool {
	for _, m := range batch {
		e.queue.MarkInFlight(ctx, m.ID)
	}

	reqCtx, cancel := e.requestContext(ctx)
	results, err := e.remote.PushBatch(reqCtx, e.sessionID, batch)
	cancel()

	if err != nil {
		e.handleTransportFailure(ctx, batch, err)
		return false
	}

	return e.handleResults(ctx, batch, results)
}

// handleTransportFailure requeues the batch, dead-letters members that
// exhausted their budget, and schedules the backoff cooldown. The outcome of
// the failed request is unknown, so the next cycle re-reconciles the cursor
// before re-sending anything.
func (e *Engine) handleTransportFailure(ctx context.Context, batch []*types.Message, err error) {
	e.needReconcile = true

	headAttempts := 0
	for i, m := range batch {
		attempts := e.queue.Attempts(m.ID)
		if i == 0 {
			headAttempts = attempts
		}

		if attempts >= e.cfg.Policy.MaxAttempts {
			e.queue.Fail(ctx, m.ID)
			delete(e.cooldown, m.ID)
			e.fails.Publish(types.FailEvent{
				SessionID: e.sessionID,
				MessageID: m.ID,
				Code:      types.ErrCodeDeliveryExhausted,
				Reason:    "retry budget exhausted",
				Attempts:  attempts,
			})
			continue
		}

		e.queue.Requeue(ctx, m.ID)
		e.cooldown[m.ID] = e.now().Add(NextRetryDelay(e.cfg.Policy, attempts))
	}

	delay := NextRetryDelay(e.cfg.Policy, headAttempts)
	e.logger.Warn("batch delivery failed",
		"session_id", e.sessionID,
		"batch_size", len(batch),
		"backoff", delay.String(),
		"error", err.Error(),
	)

	// Block the loop for the head's cooldown so a still-unreachable
	// gateway is not hammered. Stop cancels the wait immediately.
	e.sleep(delay, e.stop)
}

// handleResults applies per-message verdicts in order and advances the
// session cursor past the accepted prefix. Returns false when the gateway
// omitted a verdict for some message, so the drain cycle ends instead of
// immediately resending it.
func (e *Engine) handleResults(ctx context.Context, batch []*types.Message, results []types.BatchResult) bool {
	byID := make(map[string]types.BatchResult, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}

	complete := true
	var cursor *types.SyncCursor
	for _, m := range batch {
		r, ok := byID[m.ID]
		if !ok {
			complete = false
			attempts := e.queue.Attempts(m.ID)
			if attempts >= e.cfg.Policy.MaxAttempts {
				e.queue.Fail(ctx, m.ID)
				delete(e.cooldown, m.ID)
				e.fails.Publish(types.FailEvent{
					SessionID: e.sessionID,
					MessageID: m.ID,
					Code:      types.ErrCodeDeliveryExhausted,
					Reason:    "retry budget exhausted",
					Attempts:  attempts,
				})
				continue
			}
			e.queue.Requeue(ctx, m.ID)
			e.cooldown[m.ID] = e.now().Add(NextRetryDelay(e.cfg.Policy, attempts))
			continue
		}

		if r.Accepted {
			e.queue.Acknowledge(ctx, m.ID)
			delete(e.cooldown, m.ID)
			cursor = &types.SyncCursor{
				SessionID:   e.sessionID,
				LastAckedID: m.ID,
				LastAckedAt: m.CreatedAt,
			}
			e.acks.Publish(types.AckEvent{
				SessionID: e.sessionID,
				MessageID: m.ID,
				AckedAt:   e.now(),
			})
			continue
		}

		// Endpoint-reported permanent error: dead-letter, no retry.
		attempts := e.queue.Attempts(m.ID)
		e.queue.Fail(ctx, m.ID)
		delete(e.cooldown, m.ID)
		e.fails.Publish(types.FailEvent{
			SessionID: e.sessionID,
			MessageID: m.ID,
			Code:      types.ErrCodeDeliveryRejected,
			Reason:    r.Reason,
			Attempts:  attempts,
		})
	}

	if cursor != nil {
		if err := e.store.SaveCursor(ctx, cursor); err != nil {
			e.logger.Warn("failed to persist cursor",
				"session_id", e.sessionID,
				"error", err.Error(),
			)
		}
	}
	return complete
}

// requestContext derives the delivery request context. It is detached from
// the loop context so Stop never cancels a request already dispatched; the
// timeout alone bounds it.
func (e *Engine) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.cfg.RequestTimeout)
}

func (e *Engine) stopped() bool {
	select {
	case <-e.stop:
		return true
	default:
		return false
	}
}

// sleepWithCancel waits for d or until cancel closes. Returns true if the
// full duration elapsed.
func sleepWithCancel(d time.Duration, cancel <-chan struct{}) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-cancel:
		return false
	}
}
