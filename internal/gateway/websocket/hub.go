package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"codebox/internal/execution"
	"codebox/pkg/logger"
)

// ExecuteFunc runs one execute request for a client.
type ExecuteFunc func(ctx context.Context, req execution.Request) (*execution.Record, error)

// Hub tracks connected clients and fans out broadcasts.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	stop       chan struct{}
	stopOnce   sync.Once

	mu      sync.RWMutex
	execute ExecuteFunc
	// maxInFlight bounds concurrent executions per connection.
	maxInFlight int
}

// NewHub creates a hub. Call Run to start it.
func NewHub(execute ExecuteFunc, maxInFlight int) *Hub {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &Hub{
		clients:     make(map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan []byte, 16),
		stop:        make(chan struct{}),
		execute:     execute,
		maxInFlight: maxInFlight,
	}
}

// Run is the hub's main loop. It returns after Stop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				client.cancel()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			logger.Info().Str("client_id", client.id).Msg("WebSocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			delete(h.clients, client)
			h.mu.Unlock()
			logger.Info().Str("client_id", client.id).Msg("WebSocket client disconnected")

		case data := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				client.trySend(data)
			}
			h.mu.RUnlock()
		}
	}
}

// Stop ends Run and disconnects every client.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.stop:
		client.cancel()
	}
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stop:
	}
}

// BroadcastTyped sends {"type": messageType, "data": payload} to every
// client. Slow clients miss broadcasts rather than stall the hub.
func (h *Hub) BroadcastTyped(messageType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(WSMessage{Type: messageType, Data: raw})
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- data:
	case <-h.stop:
	default:
		logger.Warn().Str("type", messageType).Msg("WebSocket broadcast dropped, hub busy")
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) executor() ExecuteFunc {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.execute
}
