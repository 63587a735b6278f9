// Package maintenance runs the service's periodic housekeeping jobs with
// robfig/cron.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is one housekeeping task.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

type entry struct {
	job      Job
	id       cron.EntryID
	runs     atomic.Int64
	failures atomic.Int64
	lastErr  atomic.Value // string
}

// Scheduler runs jobs on their schedules. A job never overlaps itself.
type Scheduler struct {
	cron    *cron.Cron
	logger  zerolog.Logger
	mu      sync.RWMutex
	entries map[string]*entry
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// parser accepts standard five-field expressions and descriptors such as
// "@every 10m" or "@hourly".
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewScheduler creates a stopped scheduler.
func NewScheduler(logger zerolog.Logger) *Scheduler {
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.SkipIfStillRunning(cl), cron.Recover(cl)),
		),
		logger:  logger,
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers a job. An empty schedule disables the job and is not an
// error.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("job needs a name and a run function")
	}
	if job.Schedule == "" {
		s.logger.Debug().Str("job", job.Name).Msg("maintenance job disabled")
		return nil
	}
	if _, err := parser.Parse(job.Schedule); err != nil {
		return fmt.Errorf("job %s: invalid schedule %q: %w", job.Name, job.Schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[job.Name]; exists {
		return fmt.Errorf("job %s already registered", job.Name)
	}

	e := &entry{job: job}
	id, err := s.cron.AddFunc(job.Schedule, func() { _ = s.execute(e) })
	if err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	e.id = id
	s.entries[job.Name] = e
	return nil
}

func (s *Scheduler) execute(e *entry) (err error) {
	start := time.Now()
	e.runs.Add(1)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", e.job.Name, r)
			e.failures.Add(1)
			e.lastErr.Store(err.Error())
			s.logger.Error().Str("job", e.job.Name).Interface("panic", r).Msg("maintenance job panicked")
		}
	}()

	err = e.job.Run(s.ctx)
	evt := s.logger.Debug()
	if err != nil {
		e.failures.Add(1)
		e.lastErr.Store(err.Error())
		evt = s.logger.Warn().Err(err)
	}
	evt.Str("job", e.job.Name).Dur("took", time.Since(start)).Msg("maintenance job finished")
	return err
}

// RunNow runs a registered job synchronously, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.RLock()
	e, ok := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("job %s not found", name)
	}
	return s.execute(e)
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
	s.logger.Info().Int("jobs", len(s.entries)).Msg("maintenance scheduler started")
}

// Stop stops scheduling and returns a context that is done once running jobs
// have finished.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel()
	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	s.running = false
	return s.cron.Stop()
}

// JobInfo describes a registered job.
type JobInfo struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	Next      time.Time `json:"next,omitempty"`
	Prev      time.Time `json:"prev,omitempty"`
	Runs      int64     `json:"runs"`
	Failures  int64     `json:"failures"`
	LastError string    `json:"last_error,omitempty"`
}

// Jobs lists registered jobs sorted by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobInfo, 0, len(s.entries))
	for name, e := range s.entries {
		ce := s.cron.Entry(e.id)
		lastErr, _ := e.lastErr.Load().(string)
		out = append(out, JobInfo{
			Name:      name,
			Schedule:  e.job.Schedule,
			Next:      ce.Next,
			Prev:      ce.Prev,
			Runs:      e.runs.Load(),
			Failures:  e.failures.Load(),
			LastError: lastErr,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
