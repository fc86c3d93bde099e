// Package messaging is the public façade of the relay: a single Service per
// game session that accepts messages, persists them locally, and delivers
// them to the gateway whenever connectivity allows. Callers never see the
// queue, store, or sync engine directly.
package messaging

import (
	"context"
	"sync"
	"time"

	"realmrelay/internal/events"
	"realmrelay/internal/queue"
	"realmrelay/internal/syncer"
	"realmrelay/internal/types"
)

const defaultPurgeInterval = time.Hour

// Monitor is the service's view of the connection monitor. The service owns
// its lifecycle: Start on New, Stop on Close.
type Monitor interface {
	Start(ctx context.Context)
	Stop()
	IsOnline() bool
	Subscribe(handler func(types.ConnectionState)) func()
}

// Options configures one Service instance. Zero values fall back to the
// defaults in syncer.DefaultRetryPolicy and the relay config defaults.
type Options struct {
	SessionID      string
	MaxBatchSize   int
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	PurgeAfter     time.Duration
	PurgeInterval  time.Duration
	SyncInterval   time.Duration
	RequestTimeout time.Duration
	StrictOrdering bool
}

// Service coordinates the queue, sync engine, and connection monitor for one
// session. All methods are safe for concurrent use.
type Service struct {
	sessionID string
	opts      Options
	store     types.MessageStore
	queue     *queue.Queue
	monitor   Monitor
	engine    *syncer.Engine
	logger    types.Logger

	acks     *events.Hub[types.AckEvent]
	fails    *events.Hub[types.FailEvent]
	warnings *events.Hub[types.WarningEvent]

	purgeStop chan struct{}
	purgeDone chan struct{}

	mu     sync.Mutex
	closed bool

	closeOnce sync.Once
}

// New creates and starts a Service. The store is rehydrated so work queued
// before a crash survives into this instance; the monitor begins probing and
// the sync engine begins draining immediately.
//
// The caller retains ownership of the store handle and closes it after Close.
func New(
	ctx context.Context,
	opts Options,
	st types.MessageStore,
	remote types.RemoteEndpoint,
	monitor Monitor,
	logger types.Logger,
) (*Service, error) {
	if opts.PurgeInterval <= 0 {
		opts.PurgeInterval = defaultPurgeInterval
	}

	policy := syncer.DefaultRetryPolicy()
	if opts.MaxAttempts > 0 {
		policy.MaxAttempts = opts.MaxAttempts
	}
	if opts.BackoffBase > 0 {
		policy.BaseDelay = opts.BackoffBase
	}
	if opts.BackoffCap > 0 {
		policy.MaxDelay = opts.BackoffCap
	}

	s := &Service{
		sessionID: opts.SessionID,
		opts:      opts,
		store:     st,
		monitor:   monitor,
		logger:    logger,
		acks:      events.NewHub[types.AckEvent](),
		fails:     events.NewHub[types.FailEvent](),
		warnings:  events.NewHub[types.WarningEvent](),
		purgeStop: make(chan struct{}),
		purgeDone: make(chan struct{}),
	}

	q, err := queue.New(ctx, opts.SessionID, st, logger, s.warnings)
	if err != nil {
		return nil, err
	}
	s.queue = q

	s.engine = syncer.New(
		opts.SessionID,
		q,
		remote,
		monitor,
		st,
		syncer.Config{
			BatchSize:      opts.MaxBatchSize,
			SyncInterval:   opts.SyncInterval,
			RequestTimeout: opts.RequestTimeout,
			Policy:         policy,
			StrictOrdering: opts.StrictOrdering,
		},
		s.acks,
		s.fails,
		logger,
	)

	monitor.Start(ctx)
	s.engine.Start(ctx)
	go s.purgeLoop(ctx)

	logger.Info("messaging service started",
		"session_id", opts.SessionID,
		"pending", q.Len(),
		"online", monitor.IsOnline(),
	)
	return s, nil
}

// Send validates and enqueues a message, returning its generated ID. It never
// blocks on connectivity: offline, the message is persisted and delivered on
// the next reconnect. Contract violations are rejected synchronously.
func (s *Service) Send(ctx context.Context, kind types.MessageKind, payload []byte) (string, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", types.NewAppError(types.ErrCodeSessionClosed, "messaging service is closed", nil)
	}

	if len(payload) == 0 {
		return "", types.NewAppError(types.ErrCodeValidationEmptyPayload, "message payload must not be empty", nil)
	}
	if !types.ValidKind(kind) {
		return "", types.NewAppErrorWithDetails(types.ErrCodeValidationUnknownKind,
			"unknown message kind", nil,
			map[string]any{"kind": string(kind)},
		)
	}

	id, err := s.queue.Enqueue(ctx, payload, kind)
	if err != nil {
		return "", err
	}

	if s.monitor.IsOnline() {
		s.engine.Kick()
	}
	return id, nil
}

// OnMessageAcknowledged registers a handler for delivery confirmations and
// returns its unsubscribe function.
func (s *Service) OnMessageAcknowledged(handler func(types.AckEvent)) func() {
	return s.acks.Subscribe(handler)
}

// OnMessageFailed registers a handler for dead-lettered messages (rejected by
// the gateway or out of retry budget) and returns its unsubscribe function.
func (s *Service) OnMessageFailed(handler func(types.FailEvent)) func() {
	return s.fails.Subscribe(handler)
}

// OnWarning registers a handler for non-fatal degradations, such as local
// storage write failures, and returns its unsubscribe function.
func (s *Service) OnWarning(handler func(types.WarningEvent)) func() {
	return s.warnings.Subscribe(handler)
}

// IsOnline returns the monitor's current debounced state.
func (s *Service) IsOnline() bool {
	return s.monitor.IsOnline()
}

// Pending returns the number of messages awaiting delivery.
func (s *Service) Pending() int {
	return s.queue.Len()
}

// Close shuts the service down. Event hubs close first, so a delivery that is
// already on the wire may still complete and persist its outcome but no
// handler observes it. Durable state is left intact: pending messages survive
// and rehydrate into the next Service for this session.
//
// Close is idempotent and does not close the store handle.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.acks.Close()
		s.fails.Close()
		s.warnings.Close()

		close(s.purgeStop)
		<-s.purgeDone

		s.engine.Stop()
		s.monitor.Stop()

		s.logger.Info("messaging service closed",
			"session_id", s.sessionID,
			"pending", s.queue.Len(),
		)
	})
}

// purgeLoop removes acknowledged messages older than the retention window on
// a fixed cadence.
func (s *Service) purgeLoop(ctx context.Context) {
	defer close(s.purgeDone)

	if s.opts.PurgeAfter <= 0 {
		return
	}

	ticker := time.NewTicker(s.opts.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.purgeStop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.opts.PurgeAfter)
			if n := s.queue.Purge(ctx, cutoff); n > 0 {
				s.logger.Info("purged acknowledged messages",
					"session_id", s.sessionID,
					"count", n,
				)
			}
		}
	}
}
