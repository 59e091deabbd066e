// Package ws carries the command/event contract over WebSocket connections.
package ws

import (
	"log/slog"
	"sync"

	"github.com/ashureev/cody/internal/events"
	"github.com/ashureev/cody/internal/metrics"
)

// DefaultQueueSize bounds each observer's outbound queue.
const DefaultQueueSize = 256

type client struct {
	send      chan []byte
	closeSlow func()
}

// Hub fans events out to every connected observer. A client whose queue is
// full is dropped instead of stalling the sender.
type Hub struct {
	queueSize int
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub creates a hub. queueSize <= 0 uses DefaultQueueSize.
func NewHub(queueSize int, m *metrics.Metrics, logger *slog.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		queueSize: queueSize,
		metrics:   m,
		logger:    logger,
		clients:   make(map[*client]struct{}),
	}
}

func (h *Hub) add(closeSlow func()) *client {
	c := &client{send: make(chan []byte, h.queueSize), closeSlow: closeSlow}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.ObserverConnected()
	h.logger.Info("Observer connected", "connections", n)
	return c
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.metrics.ObserverDisconnected()
		h.logger.Info("Observer disconnected", "connections", n)
	}
}

// Broadcast encodes e once and queues it for every client.
func (h *Hub) Broadcast(e events.Event) {
	data, err := events.Encode(e)
	if err != nil {
		h.logger.Error("Failed to encode event", "type", e.Type(), "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.clients) == 0 {
		h.logger.Debug("No observers for event", "type", e.Type())
		return
	}
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("Dropping slow observer", "type", e.Type())
			delete(h.clients, c)
			h.metrics.ObserverDisconnected()
			go c.closeSlow()
		}
	}
}

// Count returns the number of connected observers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
