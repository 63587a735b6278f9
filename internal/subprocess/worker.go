package subprocess

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"runtime/metrics"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"codebox/internal/execerr"
	"codebox/internal/jsvm"
	"codebox/internal/sandbox"
	"codebox/internal/storage"
)

const heapMetric = "/memory/classes/heap/objects:bytes"

// WorkerConfig configures Serve.
type WorkerConfig struct {
	Logger zerolog.Logger
	// OpenStore opens the kv store. It is only called for jobs granted kv.
	OpenStore func() (*storage.DB, error)
	// SampleInterval is how often the heap is checked against the memory
	// limit. Defaults to 5ms.
	SampleInterval time.Duration
}

// Serve is the worker side of the protocol: it reads one job from r, runs it
// in this process, and writes the outcome to w. The process is expected to
// exit afterwards.
func Serve(ctx context.Context, r io.Reader, w io.Writer, cfg WorkerConfig) error {
	msg, err := NewDecoder(r).Decode()
	if err != nil {
		return fmt.Errorf("read job: %w", err)
	}
	var job sandbox.Job
	if err := msg.ParsePayload(MsgJob, &job); err != nil {
		return fmt.Errorf("parse job: %w", err)
	}

	var db *storage.DB
	if job.Capabilities.Has(sandbox.CapKV) && cfg.OpenStore != nil {
		db, err = cfg.OpenStore()
		if err != nil {
			cfg.Logger.Warn().Err(err).Msg("kv store unavailable in worker")
			db = nil
		} else {
			defer db.Close()
		}
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if limit := job.Limits.MemoryLimit; limit > 0 {
		debug.SetMemoryLimit(limit * 3 / 4)
		interval := cfg.SampleInterval
		if interval <= 0 {
			interval = 5 * time.Millisecond
		}
		go watchMemory(runCtx, limit, interval, cancel)
	}

	exec := jsvm.NewExecutor(jsvm.Config{MemoryEnforced: true}, db, cfg.Logger)
	defer exec.Close()

	out := exec.Run(runCtx, job)
	reply, err := NewMessage(MsgOutcome, toWire(out))
	if err != nil {
		return err
	}
	return NewEncoder(w).Encode(reply)
}

// watchMemory cancels the run with execerr.ErrMemoryLimit once live heap
// objects exceed limit.
func watchMemory(ctx context.Context, limit int64, interval time.Duration, cancel context.CancelCauseFunc) {
	samples := []metrics.Sample{{Name: heapMetric}}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.Read(samples)
			if samples[0].Value.Kind() != metrics.KindUint64 {
				return
			}
			if int64(samples[0].Value.Uint64()) > limit {
				cancel(execerr.ErrMemoryLimit)
				return
			}
		}
	}
}

// SignalContext returns a context cancelled with execerr.ErrCancelled when
// the parent interrupts the worker.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel(execerr.ErrCancelled)
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		cancel(nil)
	}
}
