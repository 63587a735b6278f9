// Package execution turns requests into execution records: it validates,
// admits, runs a snippet on a sandbox backend, and assembles the record.
package execution

import (
	"encoding/json"
	"time"

	"codebox/internal/execerr"
	"codebox/internal/result"
	"codebox/internal/sandbox"
)

// Request is one call to execute a snippet.
type Request struct {
	Code   string         `json:"code"`
	Inputs map[string]any `json:"inputs,omitempty"`
}

// Record is the response for an executed request. Result is always present
// in JSON and is null when the snippet set no result.
type Record struct {
	ID             string       `json:"id"`
	Output         string       `json:"output"`
	Error          string       `json:"error"`
	Success        bool         `json:"success"`
	Result         result.Value `json:"result"`
	ErrorKind      execerr.Kind `json:"error_kind,omitempty"`
	ResultFallback bool         `json:"result_fallback,omitempty"`
	DurationMS     int64        `json:"duration_ms"`
}

// Build assembles a record from a run outcome. It never fails.
func Build(id string, outcome *sandbox.Outcome, duration time.Duration) *Record {
	if outcome == nil {
		outcome = &sandbox.Outcome{Fault: execerr.NewInternal(nil)}
	}
	rec := &Record{
		ID:         id,
		Output:     outcome.Stdout,
		Error:      outcome.Stderr,
		Success:    outcome.Fault == nil,
		DurationMS: duration.Milliseconds(),
	}
	if outcome.Fault != nil {
		rec.Error += outcome.Fault.Text()
		rec.ErrorKind = outcome.Fault.Kind
		return rec
	}
	rec.Result = outcome.Result
	rec.ResultFallback = outcome.Degraded
	return rec
}

// String renders the record as compact JSON.
func (r *Record) String() string {
	data, err := json.Marshal(r)
	if err != nil {
		return "{}"
	}
	return string(data)
}
