package notify

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dj-oyu/exam-proctor/monitor-server/internal/logger"
)

type subscriber struct {
	user string // "" receives every user
	ch   chan *SerializedEvent
}

// Hub manages fanout of alert events to live stream clients (SSE and
// WebSocket). Slow clients miss events rather than block the sender.
type Hub struct {
	mu      sync.Mutex
	clients map[int]*subscriber
	nextID  int
	buffer  int
	dropped atomic.Uint64
}

// NewHub creates a hub with the given per-client buffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{clients: make(map[int]*subscriber), buffer: buffer}
}

// Subscribe adds a client and returns a channel for receiving events. A
// non-empty user limits the stream to that student.
func (h *Hub) Subscribe(user string) (int, <-chan *SerializedEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan *SerializedEvent, h.buffer)
	h.clients[id] = &subscriber{user: user, ch: ch}

	logger.Debug("Hub", "Client #%d subscribed (total clients: %d)", id, len(h.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub, ok := h.clients[id]; ok {
		close(sub.ch)
		delete(h.clients, id)
		logger.Debug("Hub", "Client #%d unsubscribed (remaining clients: %d)", id, len(h.clients))
	}
}

// Count returns the number of subscribed clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns how many deliveries were skipped for slow clients.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Name implements Notifier.
func (h *Hub) Name() string { return "hub" }

// Notify implements Notifier.
func (h *Hub) Notify(_ context.Context, e Event) error {
	h.mu.Lock()
	n := len(h.clients)
	h.mu.Unlock()
	if n == 0 {
		return nil
	}

	event, err := Serialize(e)
	if err != nil {
		return err
	}
	h.Broadcast(event)
	return nil
}

// Broadcast sends a pre-serialized event to every matching client.
func (h *Hub) Broadcast(event *SerializedEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.clients {
		if sub.user != "" && sub.user != event.User {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.clients {
		close(sub.ch)
		delete(h.clients, id)
	}
}
