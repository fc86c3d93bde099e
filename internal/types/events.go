package types

import "time"

// AckEvent is emitted when a message reaches the acknowledged terminal state.
type AckEvent struct {
	SessionID string
	MessageID string
	AckedAt   time.Time
}

// FailEvent is emitted when a message reaches the failed terminal state,
// either because the gateway rejected it permanently or because its retry
// budget was exhausted. Failed messages are retained in the store so the UI
// can surface them for manual intervention; they are never silently dropped.
type FailEvent struct {
	SessionID string
	MessageID string
	Code      ErrorCode
	Reason    string
	Attempts  int
}

// WarningEvent is emitted for non-fatal degradations, primarily local
// storage failures while the queue keeps running memory-only.
type WarningEvent struct {
	SessionID string
	Op        string
	Err       error
}
