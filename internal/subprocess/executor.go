// Package subprocess runs each snippet in a fresh child process. The child
// is this same binary started in worker mode; it enforces the memory limit
// that the in-process substrate cannot.
package subprocess

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"codebox/internal/capture"
	"codebox/internal/execerr"
	"codebox/internal/sandbox"
)

// Name identifies the subprocess substrate.
const Name = "subprocess"

// maxDiagnostics caps how much worker stderr is kept for the log.
const maxDiagnostics = 64 * 1024

// Config holds configuration for the Executor.
type Config struct {
	// Command is the worker argv. Empty means re-exec this binary with the
	// "worker" subcommand.
	Command []string
	// Env is appended to the parent's environment.
	Env []string
}

// Executor is the subprocess sandbox.Backend.
type Executor struct {
	cfg    Config
	logger zerolog.Logger

	running atomic.Int64
	started atomic.Int64
	killed  atomic.Int64
	crashed atomic.Int64
	closed  atomic.Bool
}

var _ sandbox.Backend = (*Executor)(nil)

// NewExecutor creates an executor.
func NewExecutor(cfg Config, logger zerolog.Logger) *Executor {
	return &Executor{cfg: cfg, logger: logger}
}

// Name implements sandbox.Backend.
func (e *Executor) Name() string { return Name }

func (e *Executor) command() (*exec.Cmd, error) {
	argv := e.cfg.Command
	if len(argv) == 0 {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		argv = []string{self, "worker"}
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), e.cfg.Env...)
	configureProcess(cmd)
	return cmd, nil
}

// lenient swallows write errors so a worker that floods stderr never blocks
// on a full pipe once the diagnostics budget is spent.
type lenient struct{ w io.Writer }

func (l lenient) Write(p []byte) (int, error) {
	_, _ = l.w.Write(p)
	return len(p), nil
}

type reply struct {
	outcome *sandbox.Outcome
	err     error
}

// Run implements sandbox.Backend.
//
// The worker enforces the time limit itself. The parent only steps in when
// the worker has not answered by TimeLimit plus twice KillGrace, or when ctx
// ends: it interrupts the worker, waits KillGrace, then kills the whole
// process group.
func (e *Executor) Run(ctx context.Context, job sandbox.Job) *sandbox.Outcome {
	if e.closed.Load() {
		return &sandbox.Outcome{Fault: execerr.NewInternal(execerr.ErrClosed)}
	}
	e.running.Add(1)
	defer e.running.Add(-1)

	cmd, err := e.command()
	if err != nil {
		return &sandbox.Outcome{Fault: execerr.NewInternal(err)}
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &sandbox.Outcome{Fault: execerr.NewInternal(err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &sandbox.Outcome{Fault: execerr.NewInternal(err)}
	}
	diag := capture.NewSession(maxDiagnostics)
	cmd.Stderr = lenient{diag.Stderr()}

	if err := cmd.Start(); err != nil {
		return &sandbox.Outcome{Fault: execerr.NewInternal(fmt.Errorf("start worker: %w", err))}
	}
	e.started.Add(1)

	replies := make(chan reply, 1)
	go exchange(stdin, stdout, job, replies)

	var backstop <-chan time.Time
	if job.Limits.TimeLimit > 0 {
		timer := time.NewTimer(job.Limits.TimeLimit + 2*job.Limits.KillGrace)
		defer timer.Stop()
		backstop = timer.C
	}

	var out *sandbox.Outcome
	select {
	case r := <-replies:
		out = e.settle(r, diag, job)
	case <-backstop:
		out = e.kill(cmd, replies, execerr.ErrTimeout, job)
	case <-ctx.Done():
		if err := interruptProcess(cmd); err != nil {
			out = e.kill(cmd, replies, execerr.ErrCancelled, job)
			break
		}
		grace := time.NewTimer(job.Limits.KillGrace)
		select {
		case r := <-replies:
			out = e.settle(r, diag, job)
		case <-grace.C:
			out = e.kill(cmd, replies, execerr.ErrCancelled, job)
		}
		grace.Stop()
	}

	if err := cmd.Wait(); err != nil && out.Fault != nil && out.Fault.Kind == execerr.KindInternal {
		e.logger.Debug().Err(err).Str("exec_id", job.ID).Msg("worker exit")
	}
	diag.Close()
	return out
}

// exchange sends the job and waits for the single reply.
func exchange(stdin io.WriteCloser, stdout io.Reader, job sandbox.Job, replies chan<- reply) {
	msg, err := NewMessage(MsgJob, job)
	if err == nil {
		err = NewEncoder(stdin).Encode(msg)
	}
	_ = stdin.Close()
	if err != nil {
		replies <- reply{err: fmt.Errorf("send job: %w", err)}
		return
	}

	resp, err := NewDecoder(stdout).Decode()
	if err != nil {
		replies <- reply{err: fmt.Errorf("read outcome: %w", err)}
		return
	}
	var w wireOutcome
	if err := resp.ParsePayload(MsgOutcome, &w); err != nil {
		replies <- reply{err: err}
		return
	}
	replies <- reply{outcome: w.outcome()}
}

func (e *Executor) settle(r reply, diag *capture.Session, job sandbox.Job) *sandbox.Outcome {
	if r.err == nil {
		return r.outcome
	}
	e.crashed.Add(1)
	e.logger.Error().
		Err(r.err).
		Str("exec_id", job.ID).
		Str("worker_stderr", diag.Errors()).
		Msg("worker failed without an outcome")
	return &sandbox.Outcome{Fault: execerr.NewInternal(r.err)}
}

func (e *Executor) kill(cmd *exec.Cmd, replies <-chan reply, cause error, job sandbox.Job) *sandbox.Outcome {
	if err := killProcessGroup(cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		e.logger.Warn().Err(err).Str("exec_id", job.ID).Msg("kill worker")
	}
	e.killed.Add(1)
	<-replies
	e.logger.Warn().
		Str("exec_id", job.ID).
		Dur("kill_grace", job.Limits.KillGrace).
		Msg("worker killed")
	return &sandbox.Outcome{Fault: execerr.NewTimeout(cause, job.Limits.TimeLimit)}
}

// Stats is a snapshot of executor counters.
type Stats struct {
	Running int64 `json:"running"`
	Started int64 `json:"started"`
	Killed  int64 `json:"killed"`
	Crashed int64 `json:"crashed"`
}

// Stats returns current counters.
func (e *Executor) Stats() Stats {
	return Stats{
		Running: e.running.Load(),
		Started: e.started.Load(),
		Killed:  e.killed.Load(),
		Crashed: e.crashed.Load(),
	}
}

// Close implements sandbox.Backend. Workers already running finish normally.
func (e *Executor) Close() error {
	e.closed.Store(true)
	return nil
}
