// Package gateway provides the HTTP ingest surface the relays talk to. It
// enforces cross-cutting concerns (recovery, request IDs, logging, auth,
// body decompression) before requests reach the batch and cursor handlers.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"realmrelay/internal/config"
	"realmrelay/internal/types"
)

// MessageRepo is the handler-side view of message persistence.
type MessageRepo interface {
	Insert(ctx context.Context, msg *types.Message) (bool, error)
	LastAcknowledged(ctx context.Context, sessionID string) (*types.SyncCursor, error)
	MarkDispatched(ctx context.Context, id string) error
}

// SessionRepo is the handler-side view of session persistence.
type SessionRepo interface {
	Ensure(ctx context.Context, sessionID string) (closed bool, err error)
}

// MessageDispatcher hands accepted messages to their agent queues.
type MessageDispatcher interface {
	Dispatch(ctx context.Context, msg *types.Message) error
}

// IngestMetrics records batch ingest telemetry. A nil collector disables
// recording.
type IngestMetrics interface {
	RecordAccepted(ctx context.Context, kind types.MessageKind)
	RecordRejected(ctx context.Context, reason string)
	RecordDuplicate(ctx context.Context, kind types.MessageKind)
	RecordDispatchFailure(ctx context.Context, kind types.MessageKind)
	RecordIngest(ctx context.Context, batchSize int, duration time.Duration)
}

// Server encapsulates the gateway's dependencies, allowing injection during
// testing and distinct configuration for different environments.
type Server struct {
	Config     *config.Config
	Messages   MessageRepo
	Sessions   SessionRepo
	Dispatcher MessageDispatcher
	Metrics    IngestMetrics
	Logger     *slog.Logger

	router *chi.Mux
}

// NewServer validates critical dependencies and prepares the router. The
// caller mounts routes after construction.
func NewServer(
	cfg *config.Config,
	messages MessageRepo,
	sessions SessionRepo,
	dispatcher MessageDispatcher,
	logger *slog.Logger,
) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if messages == nil || sessions == nil {
		return nil, fmt.Errorf("repositories must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:     cfg,
		Messages:   messages,
		Sessions:   sessions,
		Dispatcher: dispatcher,
		Logger:     logger,
		router:     chi.NewRouter(),
	}, nil
}

// Handler returns the http.Handler for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration and tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}
