// Package websocket provides the operator event stream: bus events
// fanned out to connected WebSocket clients with per-subject
// subscriptions.
package websocket

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/flockmesh/flock/internal/common/logger"
	"github.com/flockmesh/flock/internal/events/bus"
)

// StreamFrame is one frame sent to operator clients.
type StreamFrame struct {
	Subject string     `json:"subject"`
	Event   *bus.Event `json:"event"`
}

// Hub manages operator client connections and bridges the event bus
// onto them.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	frames     chan *StreamFrame

	bus    bus.EventBus
	sub    bus.Subscription
	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates an operator stream hub over the event bus.
func NewHub(eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		frames:     make(chan *StreamFrame, 256),
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run subscribes to all bus subjects and fans frames out until the
// context ends.
func (h *Hub) Run(ctx context.Context) error {
	sub, err := h.bus.Subscribe(">", func(ctx context.Context, event *bus.Event) error {
		select {
		case h.frames <- &StreamFrame{Subject: event.Type, Event: event}:
		default:
			// stream is best effort; a slow hub drops frames
		}
		return nil
	})
	if err != nil {
		return err
	}
	h.sub = sub

	h.logger.Info("Operator stream hub started")
	defer h.logger.Info("Operator stream hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.sub.Unsubscribe()
			h.closeAllClients()
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Operator client connected", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case frame := <-h.frames:
			h.fanOut(frame)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.logger.Debug("Operator client disconnected", zap.String("client_id", client.ID))
}

// fanOut delivers the frame to every client whose subscriptions match
// the subject.
func (h *Hub) fanOut(frame *StreamFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("Failed to marshal stream frame", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if !client.wants(frame.Subject) {
			continue
		}
		select {
		case client.send <- data:
		default:
			// client buffer full; the write pump will clean up
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// ClientCount returns the number of connected operator clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubjectMatches reports whether a subscription pattern covers the
// subject. Patterns are dot-separated with NATS-style wildcards:
// * matches one token, > matches the rest.
func SubjectMatches(pattern, subject string) bool {
	if pattern == ">" || pattern == subject {
		return true
	}
	pTokens := strings.Split(pattern, ".")
	sTokens := strings.Split(subject, ".")
	for i, p := range pTokens {
		if p == ">" {
			return true
		}
		if i >= len(sTokens) {
			return false
		}
		if p != "*" && p != sTokens[i] {
			return false
		}
	}
	return len(pTokens) == len(sTokens)
}
