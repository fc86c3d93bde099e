package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realmrelay/internal/types"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...any)      {}
func (nopLogger) Error(string, ...any)     {}
func (nopLogger) Warn(string, ...any)      {}
func (nopLogger) With(...any) types.Logger { return nopLogger{} }

type fakeSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (f *fakeSQS) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.inputs = append(f.inputs, params)
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.SendMessageOutput{}, nil
}

func testQueues() QueueURLs {
	return QueueURLs{
		Narrative:  "https://sqs.test/narrative",
		RulesCheck: "https://sqs.test/rules",
		Control:    "https://sqs.test/control",
	}
}

func msgOfKind(kind types.MessageKind) *types.Message {
	return &types.Message{
		ID:        "msg_1",
		SessionID: "sess_1",
		Kind:      kind,
		Payload:   json.RawMessage(`{"text":"fireball"}`),
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestDispatchRoutesByKind(t *testing.T) {
	tests := []struct {
		kind    types.MessageKind
		wantURL string
	}{
		{types.KindNarrative, "https://sqs.test/narrative"},
		{types.KindRulesCheck, "https://sqs.test/rules"},
		{types.KindControl, "https://sqs.test/control"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			client := &fakeSQS{}
			d := NewDispatcher(client, testQueues(), nopLogger{})

			require.NoError(t, d.Dispatch(context.Background(), msgOfKind(tt.kind)))
			require.Len(t, client.inputs, 1)
			assert.Equal(t, tt.wantURL, *client.inputs[0].QueueUrl)
			assert.Equal(t, "sess_1", *client.inputs[0].MessageAttributes["session_id"].StringValue)
		})
	}
}

func TestDispatchSerializesMessage(t *testing.T) {
	client := &fakeSQS{}
	d := NewDispatcher(client, testQueues(), nopLogger{})

	require.NoError(t, d.Dispatch(context.Background(), msgOfKind(types.KindNarrative)))

	var decoded types.Message
	require.NoError(t, json.Unmarshal([]byte(*client.inputs[0].MessageBody), &decoded))
	assert.Equal(t, "msg_1", decoded.ID)
	assert.Equal(t, types.KindNarrative, decoded.Kind)
	assert.JSONEq(t, `{"text":"fireball"}`, string(decoded.Payload))
}

func TestDispatchUnknownKind(t *testing.T) {
	client := &fakeSQS{}
	d := NewDispatcher(client, testQueues(), nopLogger{})

	err := d.Dispatch(context.Background(), msgOfKind(types.MessageKind("whisper")))
	require.Error(t, err)
	assert.Empty(t, client.inputs)
}

func TestDispatchSendFailure(t *testing.T) {
	client := &fakeSQS{err: errors.New("throttled")}
	d := NewDispatcher(client, testQueues(), nopLogger{})

	err := d.Dispatch(context.Background(), msgOfKind(types.KindControl))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "msg_1")
}
