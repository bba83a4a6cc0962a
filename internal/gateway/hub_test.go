package gateway

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// Pushes keep arriving while clients disconnect; every send must land
// in a live buffer or drop, never hit a closed channel.
func TestPushRacesDisconnectSafely(t *testing.T) {
	h := NewHub(nil)
	clients := make([]*wsClient, 8)
	for i := range clients {
		clients[i] = &wsClient{hub: h, userID: "user-1", send: make(chan []byte, 1)}
		h.register(clients[i])
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				h.Push("user-1", "tick", j)
			}
		}()
	}
	for _, c := range clients {
		wg.Add(1)
		go func(c *wsClient) {
			defer wg.Done()
			c.close()
		}(c)
	}
	wg.Wait()

	assert.False(t, h.Connected("user-1"))
}

// A slow consumer with a full buffer is disconnected by Push, and the
// repeated close that follows stays idempotent.
func TestPushDisconnectsSlowConsumer(t *testing.T) {
	h := NewHub(nil)
	c := &wsClient{hub: h, userID: "user-1", send: make(chan []byte, 1)}
	h.register(c)

	h.Push("user-1", "tick", 1) // fills the buffer
	assert.True(t, h.Connected("user-1"))
	h.Push("user-1", "tick", 2) // overflows; the client is dropped
	assert.False(t, h.Connected("user-1"))

	// Further pushes and closes are no-ops.
	h.Push("user-1", "tick", 3)
	c.close()
}
