// Package main is the entry point for the relay daemon.
//
// The relay is a per-player sidecar: the game client talks to it over a
// loopback HTTP API, and the relay guarantees durable, ordered, exactly-once
// delivery to the gateway regardless of connectivity. One process serves one
// game session.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
// Pending messages survive shutdown and rehydrate on the next start.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"realmrelay/internal/config"
	"realmrelay/internal/connmon"
	"realmrelay/internal/gateway"
	"realmrelay/internal/messaging"
	"realmrelay/internal/store"
	"realmrelay/internal/transport"
	"realmrelay/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig(config.ScopeRelay)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	typed := &slogAdapter{logger: logger}

	logger.Info("realmrelay daemon starting",
		"environment", cfg.Environment,
		"session_id", cfg.Relay.SessionID,
		"listen_addr", cfg.Relay.ListenAddr,
		"gateway_url", cfg.Relay.GatewayURL,
	)

	st, err := store.NewSQLiteStore(cfg.Relay.StorePath, typed)
	if err != nil {
		return fmt.Errorf("opening message store: %w", err)
	}
	defer st.Close()

	client := transport.New(cfg.Relay.GatewayURL, cfg.Relay.Token, cfg.Relay.RequestTimeout, typed)
	monitor := connmon.New(client.Probe, cfg.Relay.ProbeInterval, cfg.Relay.DebounceWindow, typed)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := messaging.New(ctx, messaging.Options{
		SessionID:      cfg.Relay.SessionID,
		MaxBatchSize:   cfg.Relay.MaxBatchSize,
		MaxAttempts:    cfg.Relay.MaxAttempts,
		BackoffBase:    cfg.Relay.BackoffBase,
		BackoffCap:     cfg.Relay.BackoffCap,
		PurgeAfter:     cfg.Relay.PurgeAfter,
		SyncInterval:   cfg.Relay.SyncInterval,
		RequestTimeout: cfg.Relay.RequestTimeout,
		StrictOrdering: cfg.Relay.StrictOrdering,
	}, st, client, monitor, typed)
	if err != nil {
		return fmt.Errorf("starting messaging service: %w", err)
	}

	// Delivery outcomes are logged so a player can diagnose stuck messages
	// from the daemon log alone.
	svc.OnMessageAcknowledged(func(ev types.AckEvent) {
		logger.Info("message acknowledged", "message_id", ev.MessageID)
	})
	svc.OnMessageFailed(func(ev types.FailEvent) {
		logger.Error("message failed permanently",
			"message_id", ev.MessageID,
			"code", string(ev.Code),
			"reason", ev.Reason,
			"attempts", ev.Attempts,
		)
	})
	svc.OnWarning(func(ev types.WarningEvent) {
		logger.Warn("relay degraded", "op", ev.Op, "error", ev.Err)
	})

	httpServer := &http.Server{
		Addr:              cfg.Relay.ListenAddr,
		Handler:           newAdminRouter(svc, cfg.Relay.SessionID),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("admin API listening", "addr", cfg.Relay.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutdown signal received, draining")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("admin server shutdown error", "error", err)
		}

		svc.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("relay stopped cleanly", "pending", svc.Pending())
	return nil
}

// sendRequest is the body of POST /v1/messages on the loopback API.
type sendRequest struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// newAdminRouter builds the loopback API the game client uses. It reuses the
// gateway package's response envelope so both surfaces speak the same shape.
func newAdminRouter(svc *messaging.Service, sessionID string) http.Handler {
	r := chi.NewRouter()
	r.Use(gateway.RequestIDMiddleware)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		gateway.JSON(w, req, http.StatusOK, gateway.APIResponse{Data: map[string]string{"status": "ok"}})
	})

	r.Get("/v1/status", func(w http.ResponseWriter, req *http.Request) {
		gateway.JSON(w, req, http.StatusOK, gateway.APIResponse{Data: map[string]any{
			"session_id": sessionID,
			"online":     svc.IsOnline(),
			"pending":    svc.Pending(),
		}})
	})

	r.Post("/v1/messages", func(w http.ResponseWriter, req *http.Request) {
		var body sendRequest
		if err := gateway.DecodeJSON(w, req, &body); err != nil {
			gateway.Error(w, req, err)
			return
		}

		id, err := svc.Send(req.Context(), types.MessageKind(body.Kind), body.Payload)
		if err != nil {
			gateway.Error(w, req, err)
			return
		}
		gateway.JSON(w, req, http.StatusAccepted, gateway.APIResponse{Data: map[string]string{"id": id}})
	})

	return r
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// slogAdapter wraps *slog.Logger to implement the types.Logger interface.
// slog.Logger satisfies Info, Error, and Warn directly but With returns
// *slog.Logger, not types.Logger, so an adapter is necessary.
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
