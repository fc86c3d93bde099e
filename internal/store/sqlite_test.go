package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realmrelay/internal/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.db")
	s, err := NewSQLiteStore(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testMessage(id, sessionID string, createdAt time.Time) *types.Message {
	return &types.Message{
		ID:        id,
		SessionID: sessionID,
		Kind:      types.KindNarrative,
		Payload:   json.RawMessage(`{"text":"look around"}`),
		CreatedAt: createdAt,
		Status:    types.StatusPending,
	}
}

func TestPutAndGetAllPendingOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Insert out of order; retrieval must be CreatedAt ascending.
	require.NoError(t, s.Put(ctx, testMessage("msg_c", "sess_1", base.Add(2*time.Second))))
	require.NoError(t, s.Put(ctx, testMessage("msg_a", "sess_1", base)))
	require.NoError(t, s.Put(ctx, testMessage("msg_b", "sess_1", base.Add(time.Second))))
	require.NoError(t, s.Put(ctx, testMessage("msg_other", "sess_2", base)))

	got, err := s.GetAllPending(ctx, "sess_1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "msg_a", got[0].ID)
	assert.Equal(t, "msg_b", got[1].ID)
	assert.Equal(t, "msg_c", got[2].ID)

	assert.Equal(t, types.KindNarrative, got[0].Kind)
	assert.Equal(t, types.StatusPending, got[0].Status)
	assert.True(t, got[0].CreatedAt.Equal(base))
	assert.JSONEq(t, `{"text":"look around"}`, string(got[0].Payload))
}

func TestPutIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	msg := testMessage("msg_1", "sess_1", time.Now().UTC())

	require.NoError(t, s.Put(ctx, msg))
	require.NoError(t, s.Put(ctx, msg))

	got, err := s.GetAllPending(ctx, "sess_1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestMarkStatusExcludesTerminalFromPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, s.Put(ctx, testMessage("msg_1", "sess_1", base)))
	require.NoError(t, s.Put(ctx, testMessage("msg_2", "sess_1", base.Add(time.Second))))

	require.NoError(t, s.MarkStatus(ctx, "msg_1", types.StatusAcknowledged))

	got, err := s.GetAllPending(ctx, "sess_1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "msg_2", got[0].ID)

	// In-flight messages remain visible: they are unresolved work.
	require.NoError(t, s.MarkStatus(ctx, "msg_2", types.StatusInFlight))
	got, err = s.GetAllPending(ctx, "sess_1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestMarkStatusUnknownIDIsNotAnError(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.MarkStatus(context.Background(), "msg_ghost", types.StatusAcknowledged))
}

func TestIncrementAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, testMessage("msg_1", "sess_1", time.Now().UTC())))
	require.NoError(t, s.IncrementAttempt(ctx, "msg_1"))
	require.NoError(t, s.IncrementAttempt(ctx, "msg_1"))

	got, err := s.GetAllPending(ctx, "sess_1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Attempts)
}

func TestPurgeOlderThanOnlyAcknowledged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	old := testMessage("msg_old", "sess_1", base)
	require.NoError(t, s.Put(ctx, old))
	require.NoError(t, s.MarkStatus(ctx, "msg_old", types.StatusAcknowledged))

	failed := testMessage("msg_failed", "sess_1", base)
	require.NoError(t, s.Put(ctx, failed))
	require.NoError(t, s.MarkStatus(ctx, "msg_failed", types.StatusFailed))

	pending := testMessage("msg_pending", "sess_1", base)
	require.NoError(t, s.Put(ctx, pending))

	n, err := s.PurgeOlderThan(ctx, "sess_1", base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Pending work must survive the purge.
	got, err := s.GetAllPending(ctx, "sess_1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, "msg_pending", got[0].ID)
}

func TestCursorRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Unsaved cursor loads as zero.
	c, err := s.LoadCursor(ctx, "sess_1")
	require.NoError(t, err)
	assert.True(t, c.Zero())

	ackedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveCursor(ctx, &types.SyncCursor{
		SessionID:   "sess_1",
		LastAckedID: "msg_5",
		LastAckedAt: ackedAt,
	}))

	c, err = s.LoadCursor(ctx, "sess_1")
	require.NoError(t, err)
	assert.Equal(t, "msg_5", c.LastAckedID)
	assert.True(t, c.LastAckedAt.Equal(ackedAt))

	// Last write wins.
	require.NoError(t, s.SaveCursor(ctx, &types.SyncCursor{
		SessionID:   "sess_1",
		LastAckedID: "msg_9",
		LastAckedAt: ackedAt.Add(time.Minute),
	}))
	c, err = s.LoadCursor(ctx, "sess_1")
	require.NoError(t, err)
	assert.Equal(t, "msg_9", c.LastAckedID)
}

func TestRestartRecovery(t *testing.T) {
	// P1: pending messages survive a simulated restart in original order.
	path := filepath.Join(t.TempDir(), "relay.db")
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s1, err := NewSQLiteStore(path, nil)
	require.NoError(t, err)
	require.NoError(t, s1.Put(ctx, testMessage("msg_1", "sess_1", base)))
	require.NoError(t, s1.Put(ctx, testMessage("msg_2", "sess_1", base.Add(time.Second))))
	require.NoError(t, s1.Put(ctx, testMessage("msg_3", "sess_1", base.Add(2*time.Second))))
	require.NoError(t, s1.MarkStatus(ctx, "msg_2", types.StatusAcknowledged))
	require.NoError(t, s1.Close())

	s2, err := NewSQLiteStore(path, nil)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.GetAllPending(ctx, "sess_1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "msg_1", got[0].ID)
	assert.Equal(t, "msg_3", got[1].ID)
}
