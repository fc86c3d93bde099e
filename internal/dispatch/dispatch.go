// Package dispatch fans accepted messages out to the per-kind SQS queues
// consumed by the AI agent workers: narrative traffic to the narrator crew,
// rules checks to the rules crew, control messages to the session
// coordinator.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"realmrelay/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// QueueURLs maps each message kind to its agent queue.
type QueueURLs struct {
	Narrative  string
	RulesCheck string
	Control    string
}

// Dispatcher routes stored messages to their agent queues. Dispatch failures
// never fail ingest: the message is already durable, and the redispatch
// maintenance task retries undispatched rows.
type Dispatcher struct {
	client SQSSender
	queues QueueURLs
	logger types.Logger
}

// NewDispatcher creates a Dispatcher with the given SQS client and per-kind
// queue URLs.
func NewDispatcher(client SQSSender, queues QueueURLs, logger types.Logger) *Dispatcher {
	return &Dispatcher{
		client: client,
		queues: queues,
		logger: logger,
	}
}

// Dispatch serializes the message and sends it to the queue for its kind.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *types.Message) error {
	queueURL, err := d.queueURLFor(msg.Kind)
	if err != nil {
		return err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("dispatch: failed to marshal message %s: %w", msg.ID, err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"session_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.SessionID),
			},
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(msg.Kind)),
			},
		},
	}

	if _, err := d.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("dispatch: failed to send message %s to %s: %w", msg.ID, queueURL, err)
	}

	d.logger.Info("message dispatched",
		"message_id", msg.ID,
		"session_id", msg.SessionID,
		"kind", string(msg.Kind),
		"queue_url", queueURL,
	)
	return nil
}

// queueURLFor selects the agent queue for a kind.
func (d *Dispatcher) queueURLFor(kind types.MessageKind) (string, error) {
	switch kind {
	case types.KindNarrative:
		return d.queues.Narrative, nil
	case types.KindRulesCheck:
		return d.queues.RulesCheck, nil
	case types.KindControl:
		return d.queues.Control, nil
	default:
		return "", fmt.Errorf("dispatch: no queue for kind %q", kind)
	}
}
