package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xtrntr/resale/internal/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Hub broadcasts every published event to connected WebSocket clients.
// A client that cannot be written to is dropped.
type Hub struct {
	log      *zap.Logger
	producer string

	mu      sync.RWMutex
	clients map[*wsClient]bool
}

func NewHub(log *zap.Logger, producer string) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{log: log, producer: producer, clients: make(map[*wsClient]bool)}
}

// ServeHTTP upgrades the connection and keeps it registered until the
// client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	client := &wsClient{conn: conn}
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.drop(client)
			return
		}
	}
}

func (h *Hub) drop(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.conn.Close()
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish never fails: browser delivery is best effort.
func (h *Hub) Publish(ctx context.Context, events []models.Event) error {
	for _, e := range events {
		data, err := json.Marshal(NewEnvelope(e, h.producer))
		if err != nil {
			h.log.Error("failed to marshal event", zap.String("event_id", e.ID), zap.Error(err))
			continue
		}
		h.Broadcast(data)
	}
	return nil
}

// Broadcast sends one text frame to every client
func (h *Hub) Broadcast(data []byte) {
	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.mu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, data)
		c.mu.Unlock()
		if err != nil {
			h.log.Debug("dropping websocket client", zap.Error(err))
			h.drop(c)
		}
	}
}
