// Package admission bounds how many snippets run at once and how many
// requests may wait for a slot.
package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"codebox/internal/execerr"
)

// Config holds admission limits.
type Config struct {
	MaxConcurrent int
	MaxQueue      int
	QueueTimeout  time.Duration
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 4,
		MaxQueue:      16,
		QueueTimeout:  2 * time.Second,
	}
}

// Controller admits executions. Waiters are served in arrival order.
type Controller struct {
	sem          *semaphore.Weighted
	cfg          Config
	running      atomic.Int64
	queued       atomic.Int64
	admitted     atomic.Int64
	rejected     atomic.Int64
	queueTimeout atomic.Int64
}

// New creates a Controller. Non-positive MaxConcurrent is treated as 1.
func New(cfg Config) *Controller {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxQueue < 0 {
		cfg.MaxQueue = 0
	}
	return &Controller{
		sem: semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		cfg: cfg,
	}
}

// Acquire takes an execution slot. It succeeds immediately when a slot is
// free, waits in the queue when there is room, and otherwise fails with
// execerr.ErrBusy. A queued caller gives up after the queue timeout with
// execerr.ErrQueueTimeout, or with execerr.ErrCancelled when ctx ends first.
// Errors are *execerr.AdmissionError. The returned release must be called
// exactly once; extra calls are ignored.
func (c *Controller) Acquire(ctx context.Context) (release func(), err error) {
	if c.sem.TryAcquire(1) {
		return c.admit(), nil
	}

	if c.queued.Add(1) > int64(c.cfg.MaxQueue) {
		c.queued.Add(-1)
		c.rejected.Add(1)
		return nil, &execerr.AdmissionError{Cause: execerr.ErrBusy}
	}
	defer c.queued.Add(-1)

	waitCtx := ctx
	if c.cfg.QueueTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.cfg.QueueTimeout)
		defer cancel()
	}

	if err := c.sem.Acquire(waitCtx, 1); err != nil {
		c.rejected.Add(1)
		if ctx.Err() != nil {
			return nil, &execerr.AdmissionError{Cause: execerr.ErrCancelled}
		}
		c.queueTimeout.Add(1)
		return nil, &execerr.AdmissionError{Cause: execerr.ErrQueueTimeout}
	}
	return c.admit(), nil
}

func (c *Controller) admit() func() {
	c.running.Add(1)
	c.admitted.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			c.running.Add(-1)
			c.sem.Release(1)
		})
	}
}

// Stats is a snapshot of admission counters.
type Stats struct {
	Running       int64 `json:"running"`
	Queued        int64 `json:"queued"`
	Admitted      int64 `json:"admitted"`
	Rejected      int64 `json:"rejected"`
	QueueTimeouts int64 `json:"queue_timeouts"`
	MaxConcurrent int   `json:"max_concurrent"`
	MaxQueue      int   `json:"max_queue"`
}

// Stats returns current counters.
func (c *Controller) Stats() Stats {
	return Stats{
		Running:       c.running.Load(),
		Queued:        c.queued.Load(),
		Admitted:      c.admitted.Load(),
		Rejected:      c.rejected.Load(),
		QueueTimeouts: c.queueTimeout.Load(),
		MaxConcurrent: c.cfg.MaxConcurrent,
		MaxQueue:      c.cfg.MaxQueue,
	}
}
