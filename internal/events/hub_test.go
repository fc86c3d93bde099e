package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHubPublishOrder(t *testing.T) {
	h := NewHub[int]()

	var got []string
	h.Subscribe(func(v int) { got = append(got, "first") })
	h.Subscribe(func(v int) { got = append(got, "second") })

	h.Publish(1)

	assert.Equal(t, []string{"first", "second"}, got)
}

func TestHubUnsubscribe(t *testing.T) {
	h := NewHub[string]()

	var calls int
	unsub := h.Subscribe(func(string) { calls++ })

	h.Publish("a")
	unsub()
	h.Publish("b")

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, h.Len())

	// Double unsubscribe is harmless.
	unsub()
}

func TestHubCloseDropsHandlersAndPublications(t *testing.T) {
	h := NewHub[int]()

	var calls int
	h.Subscribe(func(int) { calls++ })

	h.Close()
	h.Publish(1)
	assert.Equal(t, 0, calls)

	// Subscribing after close never fires.
	unsub := h.Subscribe(func(int) { calls++ })
	h.Publish(2)
	assert.Equal(t, 0, calls)
	unsub()
}

func TestHubUnsubscribeFromWithinHandler(t *testing.T) {
	h := NewHub[int]()

	var calls int
	var unsub func()
	unsub = h.Subscribe(func(int) {
		calls++
		unsub()
	})

	h.Publish(1)
	h.Publish(2)

	assert.Equal(t, 1, calls)
}
