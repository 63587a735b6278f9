// Package capture collects the text a snippet emits. Every run owns one
// Session; sinks are handed to the runtime explicitly, so nothing process-wide
// is redirected and concurrent runs cannot see each other's output.
package capture

import (
	"bytes"
	"errors"
	"sync"

	"codebox/internal/execerr"
)

// ErrClosed is returned for writes after the session was sealed.
var ErrClosed = errors.New("capture: session closed")

// Session owns the stdout and stderr buffers of one run. Both streams share a
// single byte budget.
type Session struct {
	mu       sync.Mutex
	stdout   bytes.Buffer
	stderr   bytes.Buffer
	limit    int64
	written  int64
	exceeded bool
	closed   bool
}

// NewSession creates a session capped at limit bytes across both streams.
// A limit <= 0 means unbounded.
func NewSession(limit int64) *Session {
	return &Session{limit: limit}
}

// Stdout returns the writer bound to the run's standard output.
func (s *Session) Stdout() *Sink {
	return &Sink{s: s, buf: &s.stdout}
}

// Stderr returns the writer bound to the run's standard error.
func (s *Session) Stderr() *Sink {
	return &Sink{s: s, buf: &s.stderr}
}

func (s *Session) write(buf *bytes.Buffer, p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	if s.limit <= 0 {
		s.written += int64(len(p))
		return buf.Write(p)
	}

	remaining := s.limit - s.written
	if remaining <= 0 {
		s.exceeded = true
		return 0, execerr.ErrOutputLimit
	}
	if int64(len(p)) > remaining {
		n, _ := buf.Write(p[:remaining])
		s.written += int64(n)
		s.exceeded = true
		return n, execerr.ErrOutputLimit
	}
	n, err := buf.Write(p)
	s.written += int64(n)
	return n, err
}

// Output returns everything captured on stdout so far.
func (s *Session) Output() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdout.String()
}

// Errors returns everything captured on stderr so far.
func (s *Session) Errors() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stderr.String()
}

// Exceeded reports whether any write hit the budget.
func (s *Session) Exceeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exceeded
}

// Written returns the number of bytes accepted across both streams.
func (s *Session) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Limit returns the configured budget.
func (s *Session) Limit() int64 {
	return s.limit
}

// Close seals the session. Later writes fail with ErrClosed and are dropped.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Sink is one stream of a Session.
type Sink struct {
	s   *Session
	buf *bytes.Buffer
}

// Write appends p, truncating at the session budget.
func (w *Sink) Write(p []byte) (int, error) {
	return w.s.write(w.buf, p)
}

// WriteString appends str, truncating at the session budget.
func (w *Sink) WriteString(str string) (int, error) {
	return w.s.write(w.buf, []byte(str))
}
