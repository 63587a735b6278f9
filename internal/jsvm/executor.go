// Package jsvm runs snippets in embedded goja runtimes on the host process.
package jsvm

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"codebox/internal/capture"
	"codebox/internal/execerr"
	"codebox/internal/jsvm/hostapi"
	"codebox/internal/result"
	"codebox/internal/sandbox"
	"codebox/internal/storage"
)

// Name identifies the in-process substrate.
const Name = "inprocess"

// Config holds configuration for the Executor.
type Config struct {
	Pool PoolConfig
	// MemoryEnforced is set when the caller enforces Limits.MemoryLimit
	// itself, as a subprocess worker does.
	MemoryEnforced bool
}

// DefaultConfig returns default executor configuration.
func DefaultConfig() Config {
	return Config{Pool: DefaultPoolConfig()}
}

// worker states
const (
	stateRunning int32 = iota
	stateDone
	stateAbandoned
)

// Executor is the in-process sandbox.Backend. Each run gets a pristine
// runtime on its own goroutine, watched by a timer.
type Executor struct {
	spares         *SparePool
	db             *storage.DB
	logger         zerolog.Logger
	memoryEnforced bool

	memoryWarning sync.Once
	running       atomic.Int64
	abandoned     atomic.Int64
	closed        atomic.Bool
}

var _ sandbox.Backend = (*Executor)(nil)

// NewExecutor creates an executor. db may be nil when the kv capability is
// never granted.
func NewExecutor(cfg Config, db *storage.DB, logger zerolog.Logger) *Executor {
	return &Executor{
		spares:         NewSparePool(cfg.Pool),
		db:             db,
		logger:         logger,
		memoryEnforced: cfg.MemoryEnforced,
	}
}

// Name implements sandbox.Backend.
func (e *Executor) Name() string { return Name }

// Spares exposes the spare pool for maintenance jobs.
func (e *Executor) Spares() *SparePool { return e.spares }

type runResult struct {
	fault    *execerr.Fault
	value    result.Value
	degraded bool
}

// Run implements sandbox.Backend.
//
// Cancelling ctx interrupts the snippet. When ctx carries one of the execerr
// limit sentinels as its cause (see context.WithCancelCause) that cause is
// reported, otherwise the run counts as cancelled.
func (e *Executor) Run(ctx context.Context, job sandbox.Job) *sandbox.Outcome {
	if e.closed.Load() {
		return &sandbox.Outcome{Fault: execerr.NewInternal(execerr.ErrClosed)}
	}
	limits := job.Limits
	if limits.MemoryLimit > 0 && !e.memoryEnforced {
		e.memoryWarning.Do(func() {
			e.logger.Warn().
				Str("memory_limit", humanize.IBytes(uint64(limits.MemoryLimit))).
				Msg("in-process substrate does not enforce memory limits; use the subprocess substrate")
		})
	}

	vm := e.spares.Take()
	session := capture.NewSession(limits.MaxOutputBytes)
	hostCtx, cancelHost := context.WithCancel(ctx)
	defer cancelHost()

	var state atomic.Int32
	done := make(chan runResult, 1)

	e.running.Add(1)
	go func() {
		res := e.execute(hostCtx, vm, job, session)
		e.running.Add(-1)
		if !state.CompareAndSwap(stateRunning, stateDone) {
			e.abandoned.Add(-1)
		}
		done <- res
	}()

	var timeout <-chan time.Time
	if limits.TimeLimit > 0 {
		timer := time.NewTimer(limits.TimeLimit)
		defer timer.Stop()
		timeout = timer.C
	}

	var cause error
	select {
	case res := <-done:
		return finish(session, res)
	case <-timeout:
		cause = execerr.ErrTimeout
	case <-ctx.Done():
		cause = cancelCause(ctx)
	}

	vm.Interrupt(cause)
	cancelHost()

	grace := time.NewTimer(limits.KillGrace)
	defer grace.Stop()
	select {
	case res := <-done:
		return finish(session, res)
	case <-grace.C:
	}

	if !state.CompareAndSwap(stateRunning, stateAbandoned) {
		// finished between the grace deadline and now
		return finish(session, <-done)
	}
	e.abandoned.Add(1)
	e.logger.Warn().
		Str("exec_id", job.ID).
		Dur("kill_grace", limits.KillGrace).
		Msg("worker did not stop after interrupt; abandoned")

	return finish(session, runResult{fault: interruptFault(cause, limits)})
}

func finish(session *capture.Session, res runResult) *sandbox.Outcome {
	session.Close()
	return &sandbox.Outcome{
		Stdout:   session.Output(),
		Stderr:   session.Errors(),
		Fault:    res.fault,
		Result:   res.value,
		Degraded: res.degraded,
	}
}

func cancelCause(ctx context.Context) error {
	cause := context.Cause(ctx)
	for _, sentinel := range []error{execerr.ErrMemoryLimit, execerr.ErrTimeout, execerr.ErrOutputLimit} {
		if errors.Is(cause, sentinel) {
			return sentinel
		}
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		return execerr.ErrTimeout
	}
	return execerr.ErrCancelled
}

// execute runs on the worker goroutine and owns vm for its whole life.
func (e *Executor) execute(ctx context.Context, vm *goja.Runtime, job sandbox.Job, session *capture.Session) (res runResult) {
	limits := job.Limits
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("panic: %v", r)
			}
			fault := Classify(err, limits)
			if fault.Kind == execerr.KindInternal {
				e.logger.Error().
					Str("exec_id", job.ID).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("snippet worker panicked")
			}
			res = runResult{fault: fault}
		}
	}()

	if limits.MaxCallStack > 0 {
		vm.SetMaxCallStackSize(limits.MaxCallStack)
	}
	if err := installOutput(vm, session); err != nil {
		return runResult{fault: execerr.NewInternal(err)}
	}
	if err := bindInputs(vm, job.Inputs); err != nil {
		return runResult{fault: Classify(err, limits)}
	}

	hctx := &hostapi.Context{
		Ctx:          ctx,
		DB:           e.db,
		Logger:       e.logger,
		ExecutionID:  job.ID,
		Capabilities: job.Capabilities,
	}
	if err := hostapi.Register(vm, hctx); err != nil {
		return runResult{fault: execerr.NewInternal(err)}
	}

	if _, err := vm.RunScript(snippetName, job.Code); err != nil {
		return runResult{fault: Classify(err, limits)}
	}
	v, err := vm.RunProgram(resultProbe)
	if err != nil {
		return runResult{fault: Classify(err, limits)}
	}
	value, degraded := result.Extract(v)

	if session.Exceeded() {
		return runResult{fault: interruptFault(execerr.ErrOutputLimit, limits)}
	}
	return runResult{value: value, degraded: degraded}
}

// Stats is a snapshot of executor counters.
type Stats struct {
	Running   int64     `json:"running"`
	Abandoned int64     `json:"abandoned"`
	Spares    PoolStats `json:"spares"`
}

// Stats returns current executor statistics.
func (e *Executor) Stats() Stats {
	return Stats{
		Running:   e.running.Load(),
		Abandoned: e.abandoned.Load(),
		Spares:    e.spares.Stats(),
	}
}

// Close implements sandbox.Backend. Runs already in flight finish normally.
func (e *Executor) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	return e.spares.Close()
}
