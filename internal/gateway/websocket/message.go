// Package websocket serves snippet execution over a websocket: each
// connection may run several executions at once and receives one result
// message per execute request.
package websocket

import (
	"encoding/json"

	"codebox/internal/execution"
)

// WSMessage is the envelope for both directions.
type WSMessage struct {
	Type string `json:"type"`
	// ID correlates an execute request with its result or error.
	ID     string            `json:"id,omitempty"`
	Code   string            `json:"code,omitempty"`
	Inputs map[string]any    `json:"inputs,omitempty"`
	Record *execution.Record `json:"record,omitempty"`
	Error  *ErrorBody        `json:"error,omitempty"`
	Data   json.RawMessage   `json:"data,omitempty"`
}

// ErrorBody mirrors the HTTP error envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// Message types.
const (
	TypeExecute = "execute"
	TypeResult  = "result"
	TypeError   = "error"
	TypePing    = "ping"
	TypePong    = "pong"
	// TypeLimits is broadcast when the execution limits change.
	TypeLimits = "limits"
)
