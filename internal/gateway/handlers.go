package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"realmrelay/internal/types"
)

// wireMessage is one element of a batch upload.
type wireMessage struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// batchRequest is the body of POST /v1/sessions/{sessionID}/messages.
type batchRequest struct {
	Messages []wireMessage `json:"messages"`
}

// batchResponse carries the per-message verdicts.
type batchResponse struct {
	Results []types.BatchResult `json:"results"`
}

// HandleIngestBatch validates and stores a message batch, reporting a
// per-message verdict. Duplicates of already-stored IDs are reported accepted
// without a second record, which is what makes relay retries safe. Dispatch
// to the agent queues is best-effort: the message is durable before dispatch,
// and the redispatch maintenance task covers failures.
func (s *Server) HandleIngestBatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	sessionID := chi.URLParam(r, "sessionID")

	var req batchRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, r, err)
		return
	}

	if len(req.Messages) == 0 {
		Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"batch must contain at least one message", nil))
		return
	}
	if max := s.Config.Gateway.MaxBatchSize; len(req.Messages) > max {
		Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationBatchSize,
			"batch exceeds maximum size", nil,
			map[string]any{"max": max, "got": len(req.Messages)},
		))
		return
	}

	closed, err := s.Sessions.Ensure(ctx, sessionID)
	if err != nil {
		Error(w, r, err)
		return
	}
	if closed {
		Error(w, r, types.NewAppError(types.ErrCodeConflictSessionClosed,
			"session has been closed", nil))
		return
	}

	results := make([]types.BatchResult, 0, len(req.Messages))
	for _, wire := range req.Messages {
		result := s.ingestOne(r, sessionID, wire)
		results = append(results, result)
	}

	if s.Metrics != nil {
		s.Metrics.RecordIngest(ctx, len(req.Messages), time.Since(start))
	}

	JSON(w, r, http.StatusOK, APIResponse{Data: batchResponse{Results: results}})
}

// ingestOne validates, stores, and dispatches a single batch member. A
// validation failure is a per-message rejection, not a request failure: the
// rest of the batch still lands.
func (s *Server) ingestOne(r *http.Request, sessionID string, wire wireMessage) types.BatchResult {
	ctx := r.Context()

	if reason := validateWireMessage(wire); reason != "" {
		if s.Metrics != nil {
			s.Metrics.RecordRejected(ctx, reason)
		}
		return types.BatchResult{ID: wire.ID, Accepted: false, Reason: reason}
	}

	msg := &types.Message{
		ID:        wire.ID,
		SessionID: sessionID,
		Kind:      types.MessageKind(wire.Kind),
		Payload:   wire.Payload,
		CreatedAt: wire.CreatedAt,
	}

	created, err := s.Messages.Insert(ctx, msg)
	if err != nil {
		s.Logger.Error("message insert failed",
			"message_id", wire.ID,
			"session_id", sessionID,
			"error", err.Error(),
		)
		return types.BatchResult{ID: wire.ID, Accepted: false, Reason: string(types.ErrCodeInternalDB)}
	}

	if !created {
		if s.Metrics != nil {
			s.Metrics.RecordDuplicate(ctx, msg.Kind)
		}
		return types.BatchResult{ID: wire.ID, Accepted: true}
	}

	if s.Metrics != nil {
		s.Metrics.RecordAccepted(ctx, msg.Kind)
	}

	if s.Dispatcher != nil {
		if err := s.Dispatcher.Dispatch(ctx, msg); err != nil {
			s.Logger.Warn("dispatch failed, message retained for redispatch",
				"message_id", msg.ID,
				"kind", string(msg.Kind),
				"error", err.Error(),
			)
			if s.Metrics != nil {
				s.Metrics.RecordDispatchFailure(ctx, msg.Kind)
			}
		} else if err := s.Messages.MarkDispatched(ctx, msg.ID); err != nil {
			s.Logger.Warn("failed to mark message dispatched",
				"message_id", msg.ID,
				"error", err.Error(),
			)
		}
	}

	return types.BatchResult{ID: wire.ID, Accepted: true}
}

// validateWireMessage returns the rejection reason for an invalid batch
// member, or the empty string when it is acceptable.
func validateWireMessage(wire wireMessage) string {
	if wire.ID == "" {
		return string(types.ErrCodeValidationMissingField)
	}
	if len(wire.Payload) == 0 || string(wire.Payload) == "null" {
		return string(types.ErrCodeValidationEmptyPayload)
	}
	if !types.ValidKind(types.MessageKind(wire.Kind)) {
		return string(types.ErrCodeValidationUnknownKind)
	}
	if wire.CreatedAt.IsZero() {
		return string(types.ErrCodeValidationBadTimestamp)
	}
	return ""
}

// HandleLastAcknowledged returns the session's sync cursor: the most recent
// message the gateway has stored. Relays call this on reconnect to avoid
// re-sending what already landed.
func (s *Server) HandleLastAcknowledged(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	cursor, err := s.Messages.LastAcknowledged(r.Context(), sessionID)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: cursor})
}

// HandleHealth is the liveness endpoint. The relay connection monitor probes
// it, so it must stay dependency-free and fast.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	JSON(w, r, http.StatusOK, APIResponse{Data: map[string]string{"status": "ok"}})
}
