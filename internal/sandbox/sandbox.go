// Package sandbox defines the contract between the execution engine and the
// substrates that actually run snippets. Substrates are interchangeable: the
// engine only sees Backend.
package sandbox

import (
	"context"
	"time"

	"codebox/internal/execerr"
	"codebox/internal/result"
)

// Capability names a host facility a snippet may be granted.
type Capability string

const (
	CapFS   Capability = "fs"
	CapHTTP Capability = "http"
	CapKV   Capability = "kv"
	CapLog  Capability = "log"
)

// KnownCapabilities lists every capability the host can expose.
var KnownCapabilities = []Capability{CapFS, CapHTTP, CapKV, CapLog}

// Known reports whether c names a capability the host can expose.
func (c Capability) Known() bool {
	for _, k := range KnownCapabilities {
		if k == c {
			return true
		}
	}
	return false
}

// Limits bounds a single run.
type Limits struct {
	TimeLimit      time.Duration `json:"time_limit"`
	MemoryLimit    int64         `json:"memory_limit"`
	MaxOutputBytes int64         `json:"max_output_bytes"`
	MaxCallStack   int           `json:"max_call_stack"`
	KillGrace      time.Duration `json:"kill_grace"`
}

// DefaultLimits returns the limits used when nothing is configured.
func DefaultLimits() Limits {
	return Limits{
		TimeLimit:      5 * time.Second,
		MemoryLimit:    64 << 20, // 64MiB
		MaxOutputBytes: 1 << 20,  // 1MiB
		MaxCallStack:   1024,
		KillGrace:      500 * time.Millisecond,
	}
}

// Capabilities is the set of host facilities granted to a run. The zero value
// grants nothing.
type Capabilities struct {
	Allowed       []Capability `json:"allowed,omitempty"`
	AllowedPaths  []string     `json:"allowed_paths,omitempty"`
	HTTPAllowlist []string     `json:"http_allowlist,omitempty"`
	MaxWriteSize  int64        `json:"max_write_size,omitempty"`
	MaxKVKeys     int          `json:"max_kv_keys,omitempty"`
}

// Has reports whether c is granted.
func (c Capabilities) Has(capability Capability) bool {
	for _, a := range c.Allowed {
		if a == capability {
			return true
		}
	}
	return false
}

// Job is one validated snippet run.
type Job struct {
	ID           string         `json:"id"`
	Code         string         `json:"code"`
	Inputs       map[string]any `json:"inputs,omitempty"`
	Limits       Limits         `json:"limits"`
	Capabilities Capabilities   `json:"capabilities"`
}

// Outcome is what a substrate reports back. A nil Fault means the snippet
// completed normally.
type Outcome struct {
	Stdout   string
	Stderr   string
	Fault    *execerr.Fault
	Result   result.Value
	Degraded bool
}

// Backend runs jobs in isolation. Run must be safe for concurrent use and must
// never return without an Outcome.
type Backend interface {
	Name() string
	Run(ctx context.Context, job Job) *Outcome
	Close() error
}
