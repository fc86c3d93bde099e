// Package types defines the shared domain model for the realmrelay message
// delivery layer: messages, sessions, sync cursors, the error taxonomy, and
// the narrow interfaces that decouple the relay components from each other.
package types

import (
	"encoding/json"
	"time"
)

// MessageKind is a closed enum distinguishing the three message categories
// exchanged between the game client and the AI agent backends. Code that
// interprets a payload must switch exhaustively on this tag.
type MessageKind string

const (
	// KindNarrative carries narrator prose and player narrative actions.
	KindNarrative MessageKind = "narrative"

	// KindRulesCheck carries rules queries (attack rolls, saves, checks)
	// destined for the rules-checker agent.
	KindRulesCheck MessageKind = "rules_check"

	// KindControl carries system-control messages (session lifecycle,
	// agent coordination) that are not shown to players.
	KindControl MessageKind = "control"
)

// ValidKind reports whether k is one of the recognized message kinds.
func ValidKind(k MessageKind) bool {
	switch k {
	case KindNarrative, KindRulesCheck, KindControl:
		return true
	}
	return false
}

// MessageStatus is the local delivery lifecycle state of a Message.
//
// State machine: pending -> in_flight -> {acknowledged | pending (retry) |
// failed (after max attempts or permanent rejection)}. The terminal states
// are acknowledged and failed.
type MessageStatus string

const (
	StatusPending      MessageStatus = "pending"
	StatusInFlight     MessageStatus = "in_flight"
	StatusAcknowledged MessageStatus = "acknowledged"
	StatusFailed       MessageStatus = "failed"
)

// Terminal reports whether s is a terminal state. Terminal messages never
// re-enter the active delivery order.
func (s MessageStatus) Terminal() bool {
	return s == StatusAcknowledged || s == StatusFailed
}

// Message is the atomic unit of communication between the game client and
// the gateway. The ID is generated client-side and is immutable; it is the
// deduplication key across retries, so the gateway must never store two
// records for the same ID.
type Message struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Kind      MessageKind     `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`

	// Local bookkeeping. Not part of the wire batch; the gateway derives
	// its own view of these.
	Status   MessageStatus `json:"-"`
	Attempts int           `json:"-"`
}

// Session is the ownership boundary for a sequence of Messages. It maps to
// one game session in the surrounding application.
type Session struct {
	ID         string     `json:"id"`
	CampaignID string     `json:"campaign_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
}

// SyncCursor records, per session, the last message known to be acknowledged
// by the gateway. It is used to resume synchronization after a reconnect
// without re-sending messages the gateway already has.
type SyncCursor struct {
	SessionID   string    `json:"session_id"`
	LastAckedID string    `json:"last_acked_id"`
	LastAckedAt time.Time `json:"last_acked_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Zero reports whether the cursor carries no acknowledgment yet.
func (c *SyncCursor) Zero() bool {
	return c == nil || c.LastAckedID == ""
}

// BatchResult is the per-message outcome reported by the gateway for a batch
// push. A rejected result is permanent: the message is malformed or otherwise
// unacceptable and must not be retried.
type BatchResult struct {
	ID       string `json:"id"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// ConnectionState is a snapshot of network reachability as observed by the
// connection monitor. It is recomputed from the live probe on every process
// start and is never persisted.
type ConnectionState struct {
	Online bool
	Since  time.Time
}
