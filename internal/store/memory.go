package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"realmrelay/internal/types"
)

// Compile-time assertion that MemoryStore implements types.MessageStore.
var _ types.MessageStore = (*MemoryStore)(nil)

// MemoryStore is a non-durable MessageStore. It backs tests and acts as the
// explicit stand-in when a caller opts out of disk persistence; nothing
// survives a restart.
type MemoryStore struct {
	mu       sync.Mutex
	messages map[string]*types.Message
	cursors  map[string]*types.SyncCursor
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]*types.Message),
		cursors:  make(map[string]*types.SyncCursor),
	}
}

// Put inserts or overwrites a message by ID.
func (s *MemoryStore) Put(_ context.Context, msg *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *msg
	s.messages[msg.ID] = &cp
	return nil
}

// GetAllPending returns pending and in-flight messages for a session in
// CreatedAt order.
func (s *MemoryStore) GetAllPending(_ context.Context, sessionID string) ([]*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*types.Message
	for _, m := range s.messages {
		if m.SessionID == sessionID && (m.Status == types.StatusPending || m.Status == types.StatusInFlight) {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// MarkStatus updates a message's status; unknown IDs are ignored.
func (s *MemoryStore) MarkStatus(_ context.Context, id string, status types.MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[id]; ok {
		m.Status = status
	}
	return nil
}

// IncrementAttempt bumps the attempt counter; unknown IDs are ignored.
func (s *MemoryStore) IncrementAttempt(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[id]; ok {
		m.Attempts++
	}
	return nil
}

// PurgeOlderThan deletes acknowledged messages older than cutoff.
func (s *MemoryStore) PurgeOlderThan(_ context.Context, sessionID string, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for id, m := range s.messages {
		if m.SessionID == sessionID && m.Status == types.StatusAcknowledged && m.CreatedAt.Before(cutoff) {
			delete(s.messages, id)
			n++
		}
	}
	return n, nil
}

// SaveCursor persists the cursor (last-write-wins).
func (s *MemoryStore) SaveCursor(_ context.Context, cursor *types.SyncCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cursor
	s.cursors[cursor.SessionID] = &cp
	return nil
}

// LoadCursor returns the saved cursor or a zero cursor.
func (s *MemoryStore) LoadCursor(_ context.Context, sessionID string) (*types.SyncCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.cursors[sessionID]; ok {
		cp := *c
		return &cp, nil
	}
	return &types.SyncCursor{SessionID: sessionID}, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
