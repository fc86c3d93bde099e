// Package metrics publishes gateway telemetry to CloudWatch.
package metrics

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"realmrelay/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for
// testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Publisher emits ingest and maintenance metrics. Publishing is best-effort:
// a CloudWatch failure is logged and never propagated, since metrics must not
// affect message durability.
type Publisher struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

// NewPublisher creates a Publisher targeting the realmrelay namespace.
func NewPublisher(client CloudWatchClient, logger types.Logger) *Publisher {
	return &Publisher{
		client:    client,
		namespace: types.MetricNamespace,
		logger:    logger,
	}
}

// RecordAccepted counts a newly stored message.
func (p *Publisher) RecordAccepted(ctx context.Context, kind types.MessageKind) {
	p.putCount(ctx, types.MetricMessageAccepted, cwtypes.Dimension{
		Name:  aws.String(types.DimKind),
		Value: aws.String(string(kind)),
	})
}

// RecordRejected counts a rejected message with its rejection reason.
func (p *Publisher) RecordRejected(ctx context.Context, reason string) {
	p.putCount(ctx, types.MetricMessageRejected, cwtypes.Dimension{
		Name:  aws.String(types.DimReason),
		Value: aws.String(reason),
	})
}

// RecordDuplicate counts a replayed message that deduplication absorbed.
func (p *Publisher) RecordDuplicate(ctx context.Context, kind types.MessageKind) {
	p.putCount(ctx, types.MetricMessageDuplicate, cwtypes.Dimension{
		Name:  aws.String(types.DimKind),
		Value: aws.String(string(kind)),
	})
}

// RecordDispatchFailure counts a failed SQS handoff.
func (p *Publisher) RecordDispatchFailure(ctx context.Context, kind types.MessageKind) {
	p.putCount(ctx, types.MetricDispatchFailure, cwtypes.Dimension{
		Name:  aws.String(types.DimKind),
		Value: aws.String(string(kind)),
	})
}

// RecordIngest emits the batch size and end-to-end ingest latency for one
// batch request.
func (p *Publisher) RecordIngest(ctx context.Context, batchSize int, duration time.Duration) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(p.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(types.MetricBatchSize),
				Value:      aws.Float64(float64(batchSize)),
				Unit:       cwtypes.StandardUnitCount,
			},
			{
				MetricName: aws.String(types.MetricIngestLatency),
				Value:      aws.Float64(float64(duration.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
			},
		},
	}
	p.put(ctx, input, types.MetricIngestLatency)
}

// RecordMaintenance emits the number of rows a maintenance task affected.
func (p *Publisher) RecordMaintenance(ctx context.Context, task string, count int64) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(p.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(types.MetricMaintenancePurged),
				Value:      aws.Float64(float64(count)),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{
					{
						Name:  aws.String(types.DimTask),
						Value: aws.String(task),
					},
				},
			},
		},
	}
	p.put(ctx, input, types.MetricMaintenancePurged)
}

func (p *Publisher) putCount(ctx context.Context, name string, dims ...cwtypes.Dimension) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(p.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(name),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: dims,
			},
		},
	}
	p.put(ctx, input, name)
}

func (p *Publisher) put(ctx context.Context, input *cloudwatch.PutMetricDataInput, name string) {
	if _, err := p.client.PutMetricData(ctx, input); err != nil {
		p.logger.Error("failed to publish metric",
			"metric", name,
			"error", err.Error(),
		)
	}
}
