// Package main is the entry point for the maintenance Lambda.
//
// It acts as a task multiplexer: EventBridge rules send JSON payloads naming
// a task, and the handler routes execution to the maintenance service. The
// three tasks (message purge, stale-session close, redispatch of undelivered
// messages) share one Lambda to reduce cold starts and infrastructure sprawl.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"realmrelay/internal/config"
	"realmrelay/internal/db"
	"realmrelay/internal/dispatch"
	"realmrelay/internal/maintenance"
	"realmrelay/internal/metrics"
	"realmrelay/internal/types"
)

// Payload is the EventBridge invocation body.
type Payload struct {
	Task string `json:"task"`

	// ReferenceTime overrides "now" for manual backfill invocations.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}

// TaskService is the subset of the maintenance service the handler calls.
type TaskService interface {
	PurgeMessages(ctx context.Context, now time.Time, retention time.Duration) (int64, error)
	CloseStaleSessions(ctx context.Context, now time.Time, idleAfter time.Duration) (int64, error)
	RedispatchPending(ctx context.Context, limit int) (int, error)
}

// Handler holds the dependencies for the maintenance Lambda handler function.
type Handler struct {
	Service           TaskService
	Retention         time.Duration
	StaleSessionAfter time.Duration
	Logger            *slog.Logger
}

// Handle routes an EventBridge payload to the matching maintenance task and
// returns a human-readable summary for the invocation log.
func (h *Handler) Handle(ctx context.Context, payload Payload) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := time.Now().UTC()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}

	logger.InfoContext(ctx, "maintenance handler invoked",
		"task", payload.Task,
		"reference_time", now.Format(time.RFC3339),
	)

	var (
		count int64
		err   error
	)
	switch payload.Task {
	case maintenance.TaskPurgeMessages:
		count, err = h.Service.PurgeMessages(ctx, now, h.Retention)

	case maintenance.TaskCloseStaleSessions:
		count, err = h.Service.CloseStaleSessions(ctx, now, h.StaleSessionAfter)

	case maintenance.TaskRedispatchPending:
		var n int
		n, err = h.Service.RedispatchPending(ctx, maintenance.RedispatchBatchLimit)
		count = int64(n)

	case "":
		return "", fmt.Errorf("empty task in maintenance payload")

	default:
		return "", fmt.Errorf("unknown task %q", payload.Task)
	}

	if err != nil {
		logger.ErrorContext(ctx, "task execution failed",
			"task", payload.Task,
			"error", err,
		)
		return "", fmt.Errorf("task %s failed: %w", payload.Task, err)
	}

	result := fmt.Sprintf("task %s complete: %d items processed", payload.Task, count)
	logger.InfoContext(ctx, result, "task", payload.Task, "items", count)
	return result, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	logger.Info("maintenance Lambda initializing (cold start)")

	cfg, err := config.LoadConfig(config.ScopeMaintenance)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	typed := &slogAdapter{logger: logger}

	pool, err := pgxpool.New(ctx, cfg.Database.URL.Unmask())
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	endpoint := cfg.AWS.EndpointURL
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	dispatcher := dispatch.NewDispatcher(sqsClient, dispatch.QueueURLs{
		Narrative:  cfg.AWS.NarrativeQueue,
		RulesCheck: cfg.AWS.RulesQueue,
		Control:    cfg.AWS.ControlQueue,
	}, typed)

	svc := maintenance.NewService(
		db.NewMessageRepository(pool),
		db.NewSessionRepository(pool),
		dispatcher,
		metrics.NewPublisher(cwClient, typed),
		logger,
	)

	handler := &Handler{
		Service:           svc,
		Retention:         cfg.Gateway.Retention,
		StaleSessionAfter: cfg.Gateway.StaleSessionAfter,
		Logger:            logger,
	}

	logger.Info("maintenance Lambda initialized")
	lambda.Start(handler.Handle)
}

// slogAdapter wraps *slog.Logger to implement the types.Logger interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}

var _ types.Logger = (*slogAdapter)(nil)
