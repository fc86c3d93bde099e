package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realmrelay/internal/events"
	"realmrelay/internal/queue"
	"realmrelay/internal/store"
	"realmrelay/internal/types"
)

// nopLogger implements types.Logger as a no-op for tests.
type nopLogger struct{}

func (nopLogger) Info(string, ...any)      {}
func (nopLogger) Error(string, ...any)     {}
func (nopLogger) Warn(string, ...any)      {}
func (nopLogger) With(...any) types.Logger { return nopLogger{} }

// fakeRemote records pushed batches and answers with a scripted handler.
type fakeRemote struct {
	mu      sync.Mutex
	pushes  [][]string
	respond func(batch []*types.Message) ([]types.BatchResult, error)
	cursor  func() (*types.SyncCursor, error)
}

func (f *fakeRemote) PushBatch(_ context.Context, _ string, batch []*types.Message) ([]types.BatchResult, error) {
	ids := make([]string, 0, len(batch))
	for _, m := range batch {
		ids = append(ids, m.ID)
	}
	f.mu.Lock()
	f.pushes = append(f.pushes, ids)
	f.mu.Unlock()
	return f.respond(batch)
}

func (f *fakeRemote) LastAcknowledged(_ context.Context, sessionID string) (*types.SyncCursor, error) {
	if f.cursor != nil {
		return f.cursor()
	}
	return &types.SyncCursor{SessionID: sessionID}, nil
}

func (f *fakeRemote) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

func acceptAll(batch []*types.Message) ([]types.BatchResult, error) {
	results := make([]types.BatchResult, 0, len(batch))
	for _, m := range batch {
		results = append(results, types.BatchResult{ID: m.ID, Accepted: true})
	}
	return results, nil
}

func rejectAll(reason string) func([]*types.Message) ([]types.BatchResult, error) {
	return func(batch []*types.Message) ([]types.BatchResult, error) {
		results := make([]types.BatchResult, 0, len(batch))
		for _, m := range batch {
			results = append(results, types.BatchResult{ID: m.ID, Accepted: false, Reason: reason})
		}
		return results, nil
	}
}

func failTransport([]*types.Message) ([]types.BatchResult, error) {
	return nil, errors.New("connection refused")
}

// fakeConn is a hand-driven ConnectivitySource.
type fakeConn struct {
	online  bool
	handler func(types.ConnectionState)
}

func (c *fakeConn) IsOnline() bool { return c.online }

func (c *fakeConn) Subscribe(h func(types.ConnectionState)) func() {
	c.handler = h
	return func() { c.handler = nil }
}

type harness struct {
	t      *testing.T
	engine *Engine
	queue  *queue.Queue
	store  *store.MemoryStore
	remote *fakeRemote
	conn   *fakeConn

	now time.Time

	mu      sync.Mutex
	ackIDs  []string
	failEvs []types.FailEvent
}

func defaultTestConfig() Config {
	return Config{
		BatchSize:      16,
		SyncInterval:   time.Second,
		RequestTimeout: time.Second,
		Policy: RetryPolicy{
			MaxAttempts:   5,
			BaseDelay:     time.Second,
			MaxDelay:      30 * time.Second,
			BackoffFactor: 5.0,
		},
		StrictOrdering: true,
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	st := store.NewMemoryStore()
	warnings := events.NewHub[types.WarningEvent]()
	q, err := queue.New(context.Background(), "sess_1", st, nil, warnings)
	require.NoError(t, err)

	h := &harness{
		t:      t,
		queue:  q,
		store:  st,
		remote: &fakeRemote{respond: acceptAll},
		conn:   &fakeConn{online: true},
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	acks := events.NewHub[types.AckEvent]()
	fails := events.NewHub[types.FailEvent]()
	acks.Subscribe(func(e types.AckEvent) {
		h.mu.Lock()
		h.ackIDs = append(h.ackIDs, e.MessageID)
		h.mu.Unlock()
	})
	fails.Subscribe(func(e types.FailEvent) {
		h.mu.Lock()
		h.failEvs = append(h.failEvs, e)
		h.mu.Unlock()
	})

	h.engine = New("sess_1", q, h.remote, h.conn, st, cfg, acks, fails, nopLogger{})
	h.engine.now = func() time.Time { return h.now }
	h.engine.sleep = func(time.Duration, <-chan struct{}) bool { return true }
	return h
}

func (h *harness) enqueue(text string) string {
	h.t.Helper()
	payload, _ := json.Marshal(map[string]string{"text": text})
	id, err := h.queue.Enqueue(context.Background(), payload, types.KindNarrative)
	require.NoError(h.t, err)
	return id
}

func (h *harness) drain() {
	h.engine.drain(context.Background())
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

func TestDrainDeliversInOrder(t *testing.T) {
	h := newHarness(t, defaultTestConfig())

	id1 := h.enqueue("roll initiative")
	id2 := h.enqueue("the goblin attacks")
	id3 := h.enqueue("take 4 damage")

	h.drain()

	require.Equal(t, 1, h.remote.pushCount())
	assert.Equal(t, []string{id1, id2, id3}, h.remote.pushes[0])
	assert.Equal(t, []string{id1, id2, id3}, h.ackIDs)
	assert.Equal(t, 0, h.queue.Len())

	cursor, err := h.store.LoadCursor(context.Background(), "sess_1")
	require.NoError(t, err)
	assert.Equal(t, id3, cursor.LastAckedID)
}

func TestOfflineHoldsDelivery(t *testing.T) {
	h := newHarness(t, defaultTestConfig())
	h.conn.online = false

	h.enqueue("one")
	h.enqueue("two")

	h.drain()
	assert.Equal(t, 0, h.remote.pushCount())
	assert.Equal(t, 2, h.queue.Len())

	h.conn.online = true
	h.drain()
	assert.Equal(t, 1, h.remote.pushCount())
	assert.Equal(t, 0, h.queue.Len())
}

func TestStrictOrderingUnderTransportFailure(t *testing.T) {
	h := newHarness(t, defaultTestConfig())

	id1 := h.enqueue("first")
	id2 := h.enqueue("second")

	h.remote.respond = failTransport
	h.drain()
	require.Equal(t, 1, h.remote.pushCount())

	// The head is cooling down; strict ordering sends nothing past it.
	h.remote.respond = acceptAll
	h.drain()
	assert.Equal(t, 1, h.remote.pushCount())
	assert.Equal(t, 2, h.queue.Len())

	// After the cooldown the whole prefix goes out again, still in order.
	h.advance(time.Minute)
	h.drain()
	require.Equal(t, 2, h.remote.pushCount())
	assert.Equal(t, []string{id1, id2}, h.remote.pushes[1])
	assert.Equal(t, []string{id1, id2}, h.ackIDs)
}

func TestNonStrictOrderingAdvancesPastCoolingHead(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.StrictOrdering = false
	h := newHarness(t, cfg)

	id1 := h.enqueue("stuck head")

	h.remote.respond = failTransport
	h.drain()
	require.Equal(t, 1, h.remote.pushCount())

	id2 := h.enqueue("fresh message")
	h.remote.respond = acceptAll
	h.drain()

	// The cooling head is skipped; the fresh message is delivered alone.
	require.Equal(t, 2, h.remote.pushCount())
	assert.Equal(t, []string{id2}, h.remote.pushes[1])

	h.advance(time.Minute)
	h.drain()
	require.Equal(t, 3, h.remote.pushCount())
	assert.Equal(t, []string{id1}, h.remote.pushes[2])
	assert.Equal(t, 0, h.queue.Len())
}

func TestRejectedMessageIsDeadLettered(t *testing.T) {
	h := newHarness(t, defaultTestConfig())

	id := h.enqueue("bad payload")
	h.remote.respond = rejectAll("validation_unknown_kind")
	h.drain()

	assert.Equal(t, 0, h.queue.Len())
	require.Len(t, h.failEvs, 1)
	assert.Equal(t, id, h.failEvs[0].MessageID)
	assert.Equal(t, types.ErrCodeDeliveryRejected, h.failEvs[0].Code)
	assert.Equal(t, "validation_unknown_kind", h.failEvs[0].Reason)
	assert.Equal(t, 1, h.failEvs[0].Attempts)

	// No retry: another drain pushes nothing.
	h.advance(time.Minute)
	h.drain()
	assert.Equal(t, 1, h.remote.pushCount())
}

func TestRetriesAreBoundedByMaxAttempts(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.Policy.MaxAttempts = 3
	h := newHarness(t, cfg)

	id := h.enqueue("doomed")
	h.remote.respond = failTransport

	for i := 0; i < 6; i++ {
		h.drain()
		h.advance(time.Minute)
	}

	// Exactly MaxAttempts deliveries were attempted, then the message was
	// dead-lettered and never sent again.
	assert.Equal(t, 3, h.remote.pushCount())
	assert.Equal(t, 0, h.queue.Len())

	require.Len(t, h.failEvs, 1)
	assert.Equal(t, id, h.failEvs[0].MessageID)
	assert.Equal(t, types.ErrCodeDeliveryExhausted, h.failEvs[0].Code)
	assert.Equal(t, 3, h.failEvs[0].Attempts)
}

func TestReconnectReconciliationSkipsDelivered(t *testing.T) {
	h := newHarness(t, defaultTestConfig())

	id1 := h.enqueue("already delivered")
	id2 := h.enqueue("also delivered")
	id3 := h.enqueue("still pending")

	// The gateway acknowledged through id2 before the relay crashed.
	h.remote.cursor = func() (*types.SyncCursor, error) {
		return &types.SyncCursor{
			SessionID:   "sess_1",
			LastAckedID: id2,
			LastAckedAt: h.now,
		}, nil
	}

	h.drain()

	// Only the tail crosses the wire; the reconciled prefix is acked
	// locally without re-delivery.
	require.Equal(t, 1, h.remote.pushCount())
	assert.Equal(t, []string{id3}, h.remote.pushes[0])
	assert.Equal(t, []string{id1, id2, id3}, h.ackIDs)
	assert.Equal(t, 0, h.queue.Len())
}

func TestReconcileFailureAbortsCycle(t *testing.T) {
	h := newHarness(t, defaultTestConfig())
	h.enqueue("waiting")

	h.remote.cursor = func() (*types.SyncCursor, error) {
		return nil, errors.New("gateway unreachable")
	}
	h.drain()
	assert.Equal(t, 0, h.remote.pushCount())
	assert.Equal(t, 1, h.queue.Len())

	h.remote.cursor = nil
	h.drain()
	assert.Equal(t, 1, h.remote.pushCount())
	assert.Equal(t, 0, h.queue.Len())
}

func TestMissingVerdictEndsCycleAndRetries(t *testing.T) {
	h := newHarness(t, defaultTestConfig())
	id := h.enqueue("unruled")

	h.remote.respond = func([]*types.Message) ([]types.BatchResult, error) {
		return nil, nil
	}
	h.drain()

	// No verdict means no terminal transition; the cycle ends instead of
	// resending in a tight loop.
	assert.Equal(t, 1, h.remote.pushCount())
	assert.Equal(t, 1, h.queue.Len())

	h.remote.respond = acceptAll
	h.advance(time.Minute)
	h.drain()
	assert.Equal(t, 2, h.remote.pushCount())
	assert.Equal(t, []string{id}, h.ackIDs)
}

func TestStartStopLifecycle(t *testing.T) {
	h := newHarness(t, defaultTestConfig())

	delivered := make(chan struct{}, 1)
	h.remote.respond = func(batch []*types.Message) ([]types.BatchResult, error) {
		select {
		case delivered <- struct{}{}:
		default:
		}
		return acceptAll(batch)
	}

	h.enqueue("hello")
	h.engine.Start(context.Background())

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the engine to drain after Start")
	}

	h.engine.Stop()
	assert.Nil(t, h.conn.handler, "Stop must unsubscribe from the monitor")

	// Stop is idempotent.
	h.engine.Stop()
}

func TestOnlineTransitionKicksDrain(t *testing.T) {
	h := newHarness(t, defaultTestConfig())
	h.conn.online = false

	delivered := make(chan struct{}, 1)
	h.remote.respond = func(batch []*types.Message) ([]types.BatchResult, error) {
		select {
		case delivered <- struct{}{}:
		default:
		}
		return acceptAll(batch)
	}

	h.enqueue("queued while offline")
	h.engine.Start(context.Background())
	defer h.engine.Stop()

	select {
	case <-delivered:
		t.Fatal("nothing should be delivered while offline")
	case <-time.After(50 * time.Millisecond):
	}

	h.conn.online = true
	require.NotNil(t, h.conn.handler)
	h.conn.handler(types.ConnectionState{Online: true, Since: time.Now()})

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("expected delivery after the online transition")
	}
}
