package subprocess

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"codebox/internal/execerr"
	"codebox/internal/result"
	"codebox/internal/sandbox"
)

const (
	// ProtocolVersion is the current worker protocol version.
	ProtocolVersion = "1"

	// MaxMessageSize is the maximum allowed frame payload (16MB).
	MaxMessageSize = 16 * 1024 * 1024

	// HeaderSize is the size of the length header (4 bytes).
	HeaderSize = 4
)

// MessageType defines the type of a worker message.
type MessageType string

const (
	// MsgJob is sent by the parent with the job to run.
	MsgJob MessageType = "job"

	// MsgOutcome is the worker's only reply.
	MsgOutcome MessageType = "outcome"
)

// Message is one frame exchanged with a worker.
type Message struct {
	Version string          `json:"version"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage creates a message carrying payload.
func NewMessage(msgType MessageType, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return &Message{Version: ProtocolVersion, Type: msgType, Payload: data}, nil
}

// ParsePayload unmarshals the payload into target after checking the type.
func (m *Message) ParsePayload(want MessageType, target any) error {
	if m.Version != ProtocolVersion {
		return fmt.Errorf("protocol version %q, want %q", m.Version, ProtocolVersion)
	}
	if m.Type != want {
		return fmt.Errorf("unexpected message %q, want %q", m.Type, want)
	}
	return json.Unmarshal(m.Payload, target)
}

// Encoder writes length-prefixed frames.
type Encoder struct {
	w io.Writer
}

// NewEncoder creates a new Encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one message.
func (e *Encoder) Encode(msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("message too large: %d bytes (max %d)", len(payload), MaxMessageSize)
	}

	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[:HeaderSize], uint32(len(payload)))
	copy(frame[HeaderSize:], payload)
	_, err = e.w.Write(frame)
	return err
}

// Decoder reads length-prefixed frames.
type Decoder struct {
	r      io.Reader
	header [HeaderSize]byte
}

// NewDecoder creates a new Decoder.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Decode reads the next message.
func (d *Decoder) Decode() (*Message, error) {
	if _, err := io.ReadFull(d.r, d.header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(d.header[:])
	if length > MaxMessageSize {
		return nil, fmt.Errorf("message too large: %d bytes (max %d)", length, MaxMessageSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return nil, err
	}

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return &msg, nil
}

// wireOutcome is sandbox.Outcome as it crosses the process boundary. The
// fault cause travels as the name of its sentinel.
type wireOutcome struct {
	Stdout   string         `json:"stdout"`
	Stderr   string         `json:"stderr"`
	Fault    *execerr.Fault `json:"fault,omitempty"`
	Cause    string         `json:"cause,omitempty"`
	Result   result.Value   `json:"result"`
	Degraded bool           `json:"degraded,omitempty"`
}

var sentinels = map[string]error{
	"timeout":   execerr.ErrTimeout,
	"cancelled": execerr.ErrCancelled,
	"memory":    execerr.ErrMemoryLimit,
	"output":    execerr.ErrOutputLimit,
	"stack":     execerr.ErrStackLimit,
	"closed":    execerr.ErrClosed,
}

func toWire(out *sandbox.Outcome) wireOutcome {
	w := wireOutcome{
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		Fault:    out.Fault,
		Result:   out.Result,
		Degraded: out.Degraded,
	}
	if out.Fault != nil {
		for name, sentinel := range sentinels {
			if errors.Is(out.Fault.Cause, sentinel) {
				w.Cause = name
				break
			}
		}
	}
	return w
}

func (w wireOutcome) outcome() *sandbox.Outcome {
	if w.Fault != nil && w.Cause != "" {
		w.Fault.Cause = sentinels[w.Cause]
	}
	return &sandbox.Outcome{
		Stdout:   w.Stdout,
		Stderr:   w.Stderr,
		Fault:    w.Fault,
		Result:   w.Result,
		Degraded: w.Degraded,
	}
}
