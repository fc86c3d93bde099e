package maintenance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realmrelay/internal/types"
)

type fakeMessageDB struct {
	purged       int64
	purgeErr     error
	purgeCutoff  time.Time
	undispatched []*types.Message
	listErr      error
	marked       []string
	markErr      error
}

func (f *fakeMessageDB) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	f.purgeCutoff = cutoff
	return f.purged, f.purgeErr
}

func (f *fakeMessageDB) ListUndispatched(_ context.Context, limit int) ([]*types.Message, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if len(f.undispatched) > limit {
		return f.undispatched[:limit], nil
	}
	return f.undispatched, nil
}

func (f *fakeMessageDB) MarkDispatched(_ context.Context, id string) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.marked = append(f.marked, id)
	return nil
}

type fakeSessionDB struct {
	closed int64
	cutoff time.Time
	err    error
}

func (f *fakeSessionDB) CloseStale(_ context.Context, idleBefore time.Time) (int64, error) {
	f.cutoff = idleBefore
	return f.closed, f.err
}

type fakeTaskDispatcher struct {
	ids     []string
	failIDs map[string]bool
}

func (f *fakeTaskDispatcher) Dispatch(_ context.Context, msg *types.Message) error {
	if f.failIDs[msg.ID] {
		return errors.New("queue unavailable")
	}
	f.ids = append(f.ids, msg.ID)
	return nil
}

type recordedMetric struct {
	task  string
	count int64
}

type fakeTaskMetrics struct {
	records []recordedMetric
}

func (f *fakeTaskMetrics) RecordMaintenance(_ context.Context, task string, count int64) {
	f.records = append(f.records, recordedMetric{task: task, count: count})
}

func testService() (*Service, *fakeMessageDB, *fakeSessionDB, *fakeTaskDispatcher, *fakeTaskMetrics) {
	messages := &fakeMessageDB{}
	sessions := &fakeSessionDB{}
	dispatcher := &fakeTaskDispatcher{}
	metrics := &fakeTaskMetrics{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(messages, sessions, dispatcher, metrics, logger), messages, sessions, dispatcher, metrics
}

func taskMsg(id string) *types.Message {
	return &types.Message{
		ID:        id,
		SessionID: "sess_1",
		Kind:      types.KindNarrative,
		Payload:   []byte(`{"text":"hello"}`),
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestPurgeMessages(t *testing.T) {
	svc, messages, _, _, metrics := testService()
	messages.purged = 42

	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	count, err := svc.PurgeMessages(context.Background(), now, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(42), count)
	assert.Equal(t, now.Add(-7*24*time.Hour), messages.purgeCutoff)
	require.Len(t, metrics.records, 1)
	assert.Equal(t, recordedMetric{task: TaskPurgeMessages, count: 42}, metrics.records[0])
}

func TestPurgeMessagesDBError(t *testing.T) {
	svc, messages, _, _, metrics := testService()
	messages.purgeErr = errors.New("connection reset")

	_, err := svc.PurgeMessages(context.Background(), time.Now(), time.Hour)
	require.Error(t, err)
	assert.Empty(t, metrics.records)
}

func TestCloseStaleSessions(t *testing.T) {
	svc, _, sessions, _, metrics := testService()
	sessions.closed = 3

	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	count, err := svc.CloseStaleSessions(context.Background(), now, 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	assert.Equal(t, now.Add(-48*time.Hour), sessions.cutoff)
	require.Len(t, metrics.records, 1)
	assert.Equal(t, TaskCloseStaleSessions, metrics.records[0].task)
}

func TestRedispatchPending(t *testing.T) {
	svc, messages, _, dispatcher, metrics := testService()
	messages.undispatched = []*types.Message{taskMsg("msg_1"), taskMsg("msg_2")}

	count, err := svc.RedispatchPending(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, []string{"msg_1", "msg_2"}, dispatcher.ids)
	assert.Equal(t, []string{"msg_1", "msg_2"}, messages.marked)
	require.Len(t, metrics.records, 1)
	assert.Equal(t, recordedMetric{task: TaskRedispatchPending, count: 2}, metrics.records[0])
}

func TestRedispatchContinuesPastFailures(t *testing.T) {
	svc, messages, _, dispatcher, _ := testService()
	messages.undispatched = []*types.Message{taskMsg("msg_1"), taskMsg("msg_2"), taskMsg("msg_3")}
	dispatcher.failIDs = map[string]bool{"msg_2": true}

	count, err := svc.RedispatchPending(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	// msg_2 stays undispatched for the next run.
	assert.Equal(t, []string{"msg_1", "msg_3"}, messages.marked)
}

func TestRedispatchMarkFailureNotCounted(t *testing.T) {
	svc, messages, _, _, _ := testService()
	messages.undispatched = []*types.Message{taskMsg("msg_1")}
	messages.markErr = errors.New("write timeout")

	count, err := svc.RedispatchPending(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestRedispatchHonorsLimit(t *testing.T) {
	svc, messages, _, dispatcher, _ := testService()
	messages.undispatched = []*types.Message{taskMsg("msg_1"), taskMsg("msg_2"), taskMsg("msg_3")}

	count, err := svc.RedispatchPending(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, []string{"msg_1", "msg_2"}, dispatcher.ids)
}

func TestRedispatchNothingPending(t *testing.T) {
	svc, _, _, dispatcher, metrics := testService()

	count, err := svc.RedispatchPending(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, dispatcher.ids)
	assert.Empty(t, metrics.records)
}

func TestNilMetricsIsSafe(t *testing.T) {
	messages := &fakeMessageDB{purged: 1}
	svc := NewService(messages, &fakeSessionDB{}, &fakeTaskDispatcher{}, nil, nil)

	_, err := svc.PurgeMessages(context.Background(), time.Now(), time.Hour)
	require.NoError(t, err)
}
