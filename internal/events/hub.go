// Package events provides a small observer-list abstraction with scoped
// unsubscription. Every Subscribe call returns an unsubscribe function, so a
// closing session can guarantee no handler leaks past its lifetime.
package events

import "sync"

// Hub fans out values of type T to registered handlers. Handlers are invoked
// synchronously, in registration order, on the publishing goroutine.
//
// A closed hub drops all subsequent publications. This is what enforces the
// close contract of the messaging service: an in-flight network request may
// still complete and update persisted state after Close, but its result is
// never delivered to a handler.
type Hub[T any] struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]func(T)
	closed   bool
}

// NewHub creates an empty hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{handlers: make(map[int]func(T))}
}

// Subscribe registers a handler and returns its unsubscribe function.
// Unsubscribing twice is harmless. Subscribing to a closed hub returns a
// no-op unsubscribe and the handler is never invoked.
func (h *Hub[T]) Subscribe(handler func(T)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return func() {}
	}

	id := h.nextID
	h.nextID++
	h.handlers[id] = handler

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.handlers, id)
	}
}

// Publish delivers v to every registered handler. Publishing to a closed hub
// is a no-op.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	// Snapshot in registration order so handlers can unsubscribe (or
	// subscribe others) from within a callback without deadlocking.
	ids := make([]int, 0, len(h.handlers))
	for id := range h.handlers {
		ids = append(ids, id)
	}
	sortInts(ids)
	snapshot := make([]func(T), 0, len(ids))
	for _, id := range ids {
		snapshot = append(snapshot, h.handlers[id])
	}
	h.mu.Unlock()

	for _, fn := range snapshot {
		fn(v)
	}
}

// Close detaches all handlers and drops future publications.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.handlers = make(map[int]func(T))
}

// Len returns the number of registered handlers.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handlers)
}

// sortInts is a tiny insertion sort; subscriber counts are single digits.
func sortInts(xs []int) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j] < xs[j-1]; j-- {
			xs[j], xs[j-1] = xs[j-1], xs[j]
		}
	}
}
