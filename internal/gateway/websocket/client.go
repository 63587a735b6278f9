package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"codebox/internal/execerr"
	"codebox/internal/execution"
	"codebox/internal/gateway/handlers"
	"codebox/pkg/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period.
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one websocket connection. Its context is cancelled when the
// connection goes away, which interrupts the executions it started.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	id       string
	ctx      context.Context
	cancel   context.CancelFunc
	inFlight chan struct{}
}

// NewClient creates a new client.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, 64),
		id:       uuid.NewString(),
		ctx:      ctx,
		cancel:   cancel,
		inFlight: make(chan struct{}, hub.maxInFlight),
	}
}

func (c *Client) readPump(maxMessageSize int64) {
	defer func() {
		c.cancel()
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Str("client_id", c.id).Msg("WebSocket read error")
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *Client) handleMessage(message []byte) {
	var msg WSMessage
	dec := json.NewDecoder(bytes.NewReader(message))
	dec.UseNumber()
	if err := dec.Decode(&msg); err != nil {
		c.sendError("", &ErrorBody{Code: handlers.ErrCodeInvalidRequest, Message: "failed to parse message"})
		return
	}

	switch msg.Type {
	case TypePing:
		c.sendMessage(WSMessage{Type: TypePong, ID: msg.ID})

	case TypeExecute:
		select {
		case c.inFlight <- struct{}{}:
		default:
			c.sendError(msg.ID, &ErrorBody{
				Code:    handlers.ErrCodeServiceUnavailable,
				Message: "too many executions in flight on this connection",
			})
			return
		}
		go func() {
			defer func() { <-c.inFlight }()
			c.runExecute(msg)
		}()

	default:
		c.sendError(msg.ID, &ErrorBody{Code: handlers.ErrCodeInvalidRequest, Message: "unknown message type " + msg.Type})
	}
}

func (c *Client) runExecute(msg WSMessage) {
	execute := c.hub.executor()
	if execute == nil {
		c.sendError(msg.ID, &ErrorBody{Code: handlers.ErrCodeServiceUnavailable, Message: "executor not configured"})
		return
	}

	rec, err := execute(c.ctx, execution.Request{Code: msg.Code, Inputs: msg.Inputs})
	if err != nil {
		c.sendError(msg.ID, errorBody(err))
		return
	}
	c.sendMessage(WSMessage{Type: TypeResult, ID: msg.ID, Record: rec})
}

func errorBody(err error) *ErrorBody {
	var (
		invalid  *execerr.ValidationError
		rejected *execerr.AdmissionError
	)
	switch {
	case errors.As(err, &invalid):
		return &ErrorBody{Code: handlers.ErrCodeInvalidRequest, Message: invalid.Error(), Field: invalid.Field}
	case errors.As(err, &rejected):
		return &ErrorBody{Code: handlers.ErrCodeServiceUnavailable, Message: rejected.Error()}
	}
	logger.Error().Err(err).Msg("WebSocket execute failed")
	return &ErrorBody{Code: handlers.ErrCodeInternalError, Message: "internal server error"}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Warn().Err(err).Str("client_id", c.id).Msg("WebSocket write error")
				c.cancel()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

// sendMessage queues msg, waiting while the connection is alive. Results are
// never dropped for a live client.
func (c *Client) sendMessage(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error().Err(err).Str("client_id", c.id).Msg("Failed to marshal WebSocket message")
		return
	}
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	}
}

// trySend queues data unless the buffer is full.
func (c *Client) trySend(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) sendError(id string, body *ErrorBody) {
	c.sendMessage(WSMessage{Type: TypeError, ID: id, Error: body})
}

// ServeWs upgrades the request and starts the client's pumps. Messages larger
// than maxMessageSize close the connection.
func ServeWs(hub *Hub, maxMessageSize int64, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := NewClient(hub, conn)
	hub.Register(client)

	go client.writePump()
	go client.readPump(maxMessageSize)
}
