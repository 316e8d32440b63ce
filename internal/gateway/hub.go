// Package gateway streams live issue updates to browsers over
// websockets. Each connection is bound to a single issue; events
// published on the issue's bus subject are fanned out to every
// connection watching it.
package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/sitedoc/sitedoc/internal/common/logger"
	"github.com/sitedoc/sitedoc/internal/events"
	"github.com/sitedoc/sitedoc/internal/events/bus"
)

// Hub tracks connected clients grouped by issue.
type Hub struct {
	clients    map[*Client]bool
	perIssue   map[string]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *logger.Logger
}

// NewHub creates a hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		perIssue:   make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run owns client registration until ctx is cancelled, then closes
// every connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// Bridge forwards every issue event on the bus into the hub. The
// returned subscription stays live until unsubscribed.
func (h *Hub) Bridge(eventBus bus.EventBus) (bus.Subscription, error) {
	return eventBus.Subscribe(events.IssueSubjectWildcard, func(ctx context.Context, event *bus.Event) error {
		issueID, _ := event.Data["issue_id"].(string)
		if issueID == "" {
			return nil
		}

		// Clients get the original flat shape: type plus the event's
		// own fields.
		out := make(map[string]interface{}, len(event.Data)+1)
		out["type"] = event.Type
		for k, v := range event.Data {
			out[k] = v
		}
		payload, err := json.Marshal(out)
		if err != nil {
			h.logger.Error("Failed to marshal issue event", zap.Error(err))
			return nil
		}
		h.Publish(issueID, payload)
		return nil
	})
}

// Publish delivers a payload to every client watching the issue. A
// client with a full buffer is skipped; its write pump will tear the
// connection down if it stays stuck.
func (h *Hub) Publish(issueID string, payload []byte) {
	h.mu.RLock()
	clients := h.perIssue[issueID]
	h.mu.RUnlock()

	for client := range clients {
		select {
		case client.send <- payload:
		default:
			h.logger.Warn("Client send buffer full, dropping event",
				zap.String("client_id", client.id),
				zap.String("issue_id", issueID))
		}
	}
}

// Register hands a new connection to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister detaches a connection from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// ClientCount returns the number of live connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client] = true
	if _, ok := h.perIssue[client.issueID]; !ok {
		h.perIssue[client.issueID] = make(map[*Client]bool)
	}
	h.perIssue[client.issueID][client] = true

	h.logger.Debug("Client connected",
		zap.String("client_id", client.id),
		zap.String("issue_id", client.issueID),
		zap.Int("watchers", len(h.perIssue[client.issueID])))
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	if watchers, ok := h.perIssue[client.issueID]; ok {
		delete(watchers, client)
		if len(watchers) == 0 {
			delete(h.perIssue, client.issueID)
		}
	}
	h.logger.Debug("Client disconnected",
		zap.String("client_id", client.id),
		zap.String("issue_id", client.issueID))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.perIssue = make(map[string]map[*Client]bool)
}
