// Package streaming pushes session notifications to WebSocket clients.
// Clients subscribe by session id; the hub is fed from the event bus.
package streaming

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentz/agentz/internal/common/logger"
	"github.com/agentz/agentz/internal/events/bus"
)

// subscribeAll is the wildcard session id for firehose clients.
const subscribeAll = "*"

// Client represents a WebSocket client connection.
type Client struct {
	ID         string
	conn       *websocket.Conn
	sessionIDs map[string]bool
	send       chan []byte
	hub        *Hub
	mu         sync.RWMutex
	logger     *logger.Logger
}

// NewClient creates a new WebSocket client.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:         id,
		conn:       conn,
		sessionIDs: make(map[string]bool),
		send:       make(chan []byte, 256),
		hub:        hub,
		logger:     log.WithFields(zap.String("client_id", id)),
	}
}

// Hub manages all WebSocket clients.
type Hub struct {
	clients map[*Client]bool

	// Clients by session id for message routing. The "*" key holds
	// firehose subscribers.
	sessionClients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *bus.Notification

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:        make(map[*Client]bool),
		sessionClients: make(map[string]map[*Client]bool),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan *bus.Notification, 256),
		logger:         log.WithFields(zap.String("component", "websocket_hub")),
	}
}

// BindBus forwards every session subject on the bus into the hub.
func (h *Hub) BindBus(b bus.Bus) error {
	subjects := []string{
		bus.SubjectSessionCreated,
		bus.SubjectSessionStatus,
		bus.SubjectSessionCompleted,
		bus.SubjectSessionFailed,
		bus.SubjectSessionCancelled,
		bus.SubjectSessionDeleted,
		bus.SubjectSessionChunk,
	}
	for _, subject := range subjects {
		if _, err := b.Subscribe(subject, func(ctx context.Context, n *bus.Notification) error {
			h.Broadcast(n)
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// Run starts the hub processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.sessionClients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.dropSubscriptionsLocked(client)
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", zap.String("client_id", client.ID))

		case n := <-h.broadcast:
			h.mu.RLock()
			targets := make(map[*Client]bool, len(h.sessionClients[n.SessionID])+len(h.sessionClients[subscribeAll]))
			for client := range h.sessionClients[n.SessionID] {
				targets[client] = true
			}
			for client := range h.sessionClients[subscribeAll] {
				targets[client] = true
			}
			h.mu.RUnlock()

			if len(targets) == 0 {
				continue
			}

			data, err := json.Marshal(n)
			if err != nil {
				h.logger.Error("failed to marshal notification", zap.Error(err))
				continue
			}

			for client := range targets {
				select {
				case client.send <- data:
				default:
					// Send buffer full, drop the client.
					h.mu.Lock()
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
						h.dropSubscriptionsLocked(client)
					}
					h.mu.Unlock()
				}
			}
		}
	}
}

func (h *Hub) dropSubscriptionsLocked(client *Client) {
	for sessionID := range client.sessionIDs {
		if clients, ok := h.sessionClients[sessionID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.sessionClients, sessionID)
			}
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

// Broadcast routes a notification to subscribers of its session.
func (h *Hub) Broadcast(n *bus.Notification) {
	select {
	case h.broadcast <- n:
	default:
		h.logger.Warn("broadcast buffer full, notification dropped",
			zap.String("subject", n.Subject))
	}
}

// SubscribeClient subscribes a client to a session.
func (h *Hub) SubscribeClient(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sessionClients[sessionID]; !ok {
		h.sessionClients[sessionID] = make(map[*Client]bool)
	}
	h.sessionClients[sessionID][client] = true
}

// UnsubscribeClient unsubscribes a client from a session.
func (h *Hub) UnsubscribeClient(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.sessionClients[sessionID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.sessionClients, sessionID)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriberCount returns the number of clients subscribed to a session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if clients, ok := h.sessionClients[sessionID]; ok {
		return len(clients)
	}
	return 0
}
