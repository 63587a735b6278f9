// Package execerr holds the error taxonomy shared by the executor, its
// substrates, and the transports. It is a leaf package so jsvm, hostapi and
// subprocess can all depend on it without import cycles.
package execerr

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Interrupt causes passed to goja are always one of these.
var (
	// ErrTimeout indicates the snippet exceeded its time limit.
	ErrTimeout = errors.New("execution timed out")

	// ErrCancelled indicates the caller went away before the snippet finished.
	ErrCancelled = errors.New("execution cancelled")

	// ErrMemoryLimit indicates the snippet exceeded its memory limit.
	ErrMemoryLimit = errors.New("memory limit exceeded")

	// ErrOutputLimit indicates the snippet wrote more than the capture budget.
	ErrOutputLimit = errors.New("output limit exceeded")

	// ErrStackLimit indicates the snippet exceeded the maximum call depth.
	ErrStackLimit = errors.New("maximum call stack size exceeded")

	// ErrBusy indicates admission rejected the request because the queue is full.
	ErrBusy = errors.New("executor busy")

	// ErrQueueTimeout indicates a queued request did not get a slot in time.
	ErrQueueTimeout = errors.New("timed out waiting for an execution slot")

	// ErrClosed indicates the executor has been shut down.
	ErrClosed = errors.New("executor closed")
)

// Kind classifies a Fault.
type Kind string

const (
	KindException        Kind = "exception"
	KindTimeout          Kind = "timeout"
	KindResourceExceeded Kind = "resource_exceeded"
	KindInternal         Kind = "internal"
)

// Fault is a failure of the snippet itself or of its run. It is never returned
// to callers as an error; it is folded into the execution record instead.
type Fault struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Trace   string `json:"trace,omitempty"`
	Cause   error  `json:"-"`
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Fault) Unwrap() error {
	return f.Cause
}

// Is implements errors.Is for Fault.
func (f *Fault) Is(target error) bool {
	_, ok := target.(*Fault)
	return ok
}

// Text renders the fault the way it appears in the record's error field.
func (f *Fault) Text() string {
	if f == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(f.Message)
	if f.Trace != "" {
		b.WriteByte('\n')
		b.WriteString(strings.TrimRight(f.Trace, "\n"))
	}
	b.WriteByte('\n')
	return b.String()
}

// ErrFault is a sentinel for errors.Is matching.
var ErrFault = &Fault{}

// NewException builds a fault for an error thrown by the snippet.
func NewException(message, trace string) *Fault {
	return &Fault{Kind: KindException, Message: message, Trace: trace}
}

// NewTimeout builds a timeout fault. cause is ErrTimeout or ErrCancelled.
func NewTimeout(cause error, limit fmt.Stringer) *Fault {
	msg := "Timeout: execution cancelled by caller"
	if errors.Is(cause, ErrTimeout) {
		msg = fmt.Sprintf("Timeout: execution exceeded time limit of %s", limit)
	}
	return &Fault{Kind: KindTimeout, Message: msg, Cause: cause}
}

// NewResourceExceeded builds a fault for a violated resource limit.
func NewResourceExceeded(cause error, detail string) *Fault {
	msg := "ResourceExceeded: " + cause.Error()
	if detail != "" {
		msg += " (" + detail + ")"
	}
	return &Fault{Kind: KindResourceExceeded, Message: msg, Cause: cause}
}

// NewInternal builds a fault for an infrastructure failure. The message is
// fixed so no host detail leaks into the record.
func NewInternal(cause error) *Fault {
	return &Fault{Kind: KindInternal, Message: "InternalError: execution failed unexpectedly", Cause: cause}
}

// ValidationError indicates a request was rejected before execution.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return "invalid request: " + e.Reason
}

// Is implements errors.Is for ValidationError.
func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok
}

// ErrValidation is a sentinel for errors.Is matching.
var ErrValidation = &ValidationError{}

// AdmissionError indicates a request was not admitted for execution.
type AdmissionError struct {
	Cause error
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("not admitted: %v", e.Cause)
}

func (e *AdmissionError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is for AdmissionError.
func (e *AdmissionError) Is(target error) bool {
	_, ok := target.(*AdmissionError)
	return ok
}

// ErrAdmission is a sentinel for errors.Is matching.
var ErrAdmission = &AdmissionError{}

// PathNotAllowedError indicates a file path is outside the allowed list.
type PathNotAllowedError struct {
	Path string
}

func (e *PathNotAllowedError) Error() string {
	return fmt.Sprintf("path not allowed: %s", e.Path)
}

// Is implements errors.Is for PathNotAllowedError.
func (e *PathNotAllowedError) Is(target error) bool {
	_, ok := target.(*PathNotAllowedError)
	return ok
}

// ErrPathNotAllowed is a sentinel for errors.Is matching.
var ErrPathNotAllowed = &PathNotAllowedError{}

// CapabilityDeniedError indicates a snippet touched a capability it was not granted.
type CapabilityDeniedError struct {
	Capability string
}

func (e *CapabilityDeniedError) Error() string {
	return fmt.Sprintf("capability not granted: %s", e.Capability)
}
