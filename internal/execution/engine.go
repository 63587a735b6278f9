package execution

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"codebox/internal/admission"
	"codebox/internal/execerr"
	"codebox/internal/sandbox"
)

// Settings is everything about a run that can change on config reload.
type Settings struct {
	Validator    Validator
	Limits       sandbox.Limits
	Capabilities sandbox.Capabilities
}

// Engine is the execution entry point shared by every transport.
type Engine struct {
	backend   sandbox.Backend
	admission *admission.Controller
	settings  atomic.Pointer[Settings]
	logger    zerolog.Logger

	total       atomic.Int64
	succeeded   atomic.Int64
	invalid     atomic.Int64
	notAdmitted atomic.Int64
	degraded    atomic.Int64
	exceptions  atomic.Int64
	timeouts    atomic.Int64
	exceeded    atomic.Int64
	internal    atomic.Int64
}

// NewEngine creates an engine running jobs on backend.
func NewEngine(backend sandbox.Backend, adm *admission.Controller, settings Settings, logger zerolog.Logger) *Engine {
	e := &Engine{
		backend:   backend,
		admission: adm,
		logger:    logger,
	}
	e.settings.Store(&settings)
	return e
}

// SetLimits replaces the settings used by runs that start afterwards. Runs in
// flight keep the snapshot they started with.
func (e *Engine) SetLimits(settings Settings) {
	e.settings.Store(&settings)
	e.logger.Info().
		Dur("time_limit", settings.Limits.TimeLimit).
		Int64("memory_limit", settings.Limits.MemoryLimit).
		Int64("max_output_bytes", settings.Limits.MaxOutputBytes).
		Interface("capabilities", settings.Capabilities.Allowed).
		Msg("execution limits updated")
}

// Settings returns the current settings.
func (e *Engine) Settings() Settings {
	return *e.settings.Load()
}

// Backend returns the substrate runs execute on.
func (e *Engine) Backend() sandbox.Backend {
	return e.backend
}

// Admission returns the admission controller.
func (e *Engine) Admission() *admission.Controller {
	return e.admission
}

// Execute validates, admits and runs req. Only validation and admission
// failures are returned as errors (*execerr.ValidationError and
// *execerr.AdmissionError); everything else is folded into the record.
func (e *Engine) Execute(ctx context.Context, req Request) (*Record, error) {
	settings := e.settings.Load()

	if err := settings.Validator.Validate(req); err != nil {
		e.invalid.Add(1)
		return nil, err
	}

	if e.admission != nil {
		release, err := e.admission.Acquire(ctx)
		if err != nil {
			e.notAdmitted.Add(1)
			e.logger.Warn().Err(err).Msg("execution not admitted")
			return nil, err
		}
		defer release()
	}

	job := sandbox.Job{
		ID:           uuid.NewString(),
		Code:         req.Code,
		Inputs:       req.Inputs,
		Limits:       settings.Limits,
		Capabilities: settings.Capabilities,
	}

	start := time.Now()
	outcome := e.backend.Run(ctx, job)
	duration := time.Since(start)
	rec := Build(job.ID, outcome, duration)

	e.record(rec)
	evt := e.logger.Info()
	if !rec.Success {
		evt = e.logger.Warn().Str("error_kind", string(rec.ErrorKind))
		if outcome != nil && outcome.Fault != nil && outcome.Fault.Kind == execerr.KindInternal {
			evt = e.logger.Error().AnErr("cause", outcome.Fault.Cause)
		}
	}
	evt.Str("exec_id", job.ID).
		Str("substrate", e.backend.Name()).
		Bool("success", rec.Success).
		Bool("result_fallback", rec.ResultFallback).
		Int("output_bytes", len(rec.Output)).
		Dur("duration", duration).
		Msg("execution finished")

	return rec, nil
}

func (e *Engine) record(rec *Record) {
	e.total.Add(1)
	if rec.ResultFallback {
		e.degraded.Add(1)
	}
	if rec.Success {
		e.succeeded.Add(1)
		return
	}
	switch rec.ErrorKind {
	case execerr.KindException:
		e.exceptions.Add(1)
	case execerr.KindTimeout:
		e.timeouts.Add(1)
	case execerr.KindResourceExceeded:
		e.exceeded.Add(1)
	default:
		e.internal.Add(1)
	}
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Total       int64            `json:"total"`
	Succeeded   int64            `json:"succeeded"`
	Failed      map[string]int64 `json:"failed"`
	Degraded    int64            `json:"degraded"`
	Invalid     int64            `json:"invalid"`
	NotAdmitted int64            `json:"not_admitted"`
	Substrate   string           `json:"substrate"`
}

// Stats returns current counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Total:     e.total.Load(),
		Succeeded: e.succeeded.Load(),
		Failed: map[string]int64{
			string(execerr.KindException):        e.exceptions.Load(),
			string(execerr.KindTimeout):          e.timeouts.Load(),
			string(execerr.KindResourceExceeded): e.exceeded.Load(),
			string(execerr.KindInternal):         e.internal.Load(),
		},
		Degraded:    e.degraded.Load(),
		Invalid:     e.invalid.Load(),
		NotAdmitted: e.notAdmitted.Load(),
		Substrate:   e.backend.Name(),
	}
}
