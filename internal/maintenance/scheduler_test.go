package maintenance

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codebox/internal/config"
	"codebox/internal/storage"
)

func TestScheduler_AddValidatesSchedule(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	noop := func(context.Context) error { return nil }

	assert.Error(t, s.Add(Job{Name: "bad", Schedule: "not a schedule", Run: noop}))
	assert.Error(t, s.Add(Job{Name: "", Schedule: "@every 1m", Run: noop}))
	assert.Error(t, s.Add(Job{Name: "nil-run", Schedule: "@every 1m"}))

	require.NoError(t, s.Add(Job{Name: "ok", Schedule: "@every 1m", Run: noop}))
	assert.Error(t, s.Add(Job{Name: "ok", Schedule: "@every 2m", Run: noop}), "duplicate name")

	require.NoError(t, s.Add(Job{Name: "disabled", Schedule: "", Run: noop}))
	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "ok", jobs[0].Name)
}

func TestScheduler_RunNowRecordsFailures(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	boom := errors.New("boom")
	require.NoError(t, s.Add(Job{Name: "flaky", Schedule: "@every 1h", Run: func(context.Context) error { return boom }}))

	assert.ErrorIs(t, s.RunNow("flaky"), boom)
	assert.Error(t, s.RunNow("missing"))

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, int64(1), jobs[0].Runs)
	assert.Equal(t, int64(1), jobs[0].Failures)
	assert.Equal(t, "boom", jobs[0].LastError)
}

func TestScheduler_RunsOnSchedule(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	var runs atomic.Int32
	require.NoError(t, s.Add(Job{Name: "tick", Schedule: "@every 1s", Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}))

	s.Start()
	s.Start()
	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)

	select {
	case <-s.Stop().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.False(t, s.Jobs()[0].Prev.IsZero())
}

func TestScheduler_StopCancelsJobContext(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	var seen context.Context
	require.NoError(t, s.Add(Job{Name: "ctx", Schedule: "@every 1h", Run: func(ctx context.Context) error {
		seen = ctx
		return nil
	}}))
	require.NoError(t, s.RunNow("ctx"))
	require.NotNil(t, seen)
	assert.NoError(t, seen.Err())

	<-s.Stop().Done()
	assert.ErrorIs(t, seen.Err(), context.Canceled)
}

func TestScheduler_RecoversPanics(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	var runs atomic.Int32
	require.NoError(t, s.Add(Job{Name: "panics", Schedule: "@every 1s", Run: func(context.Context) error {
		runs.Add(1)
		panic("bad job")
	}}))

	s.Start()
	defer s.Stop()
	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, 5*time.Second, 50*time.Millisecond)
}

func TestScheduler_RunNowRecordsPanicAsFailure(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	require.NoError(t, s.Add(Job{Name: "panics", Schedule: "@every 1h", Run: func(context.Context) error {
		panic("bad job")
	}}))

	err := s.RunNow("panics")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad job")

	// a second run still happens
	require.Error(t, s.RunNow("panics"))
	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, int64(2), jobs[0].Runs)
	assert.Equal(t, int64(2), jobs[0].Failures)
}

type fakeSpares struct{ calls atomic.Int32 }

func (f *fakeSpares) EvictIdle() int {
	f.calls.Add(1)
	return 1
}

func TestRegister_StandardJobs(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	defer db.Close()

	spares := &fakeSpares{}
	logger := zerolog.Nop()
	s := NewScheduler(logger)

	cfg := config.MaintenanceConfig{Enabled: true, KVPurge: "@every 10m", SpareEviction: "@every 1m", StatsLog: ""}
	require.NoError(t, Register(s, cfg, Deps{
		DB:     db,
		Spares: spares,
		Stats:  func() any { return map[string]int{"total": 3} },
	}, logger))

	jobs := s.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, JobKVPurge, jobs[0].Name)
	assert.Equal(t, JobSpareEviction, jobs[1].Name)

	require.NoError(t, s.RunNow(JobSpareEviction))
	assert.Equal(t, int32(1), spares.calls.Load())
}

func TestPurgeExpiredKV(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.KVSet("short", "v", time.Millisecond))
	require.NoError(t, db.KVSet("long", "v", 0))
	time.Sleep(20 * time.Millisecond)

	var buf bytes.Buffer
	require.NoError(t, PurgeExpiredKV(db, zerolog.New(&buf))(context.Background()))
	assert.Contains(t, buf.String(), `"purged":1`)

	n, err := db.KVCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	assert.Error(t, PurgeExpiredKV(nil, zerolog.Nop())(context.Background()))
}

func TestLogStats(t *testing.T) {
	var buf bytes.Buffer
	job := LogStats(func() any { return map[string]int{"total": 7} }, zerolog.New(&buf))
	require.NoError(t, job(context.Background()))
	assert.Contains(t, buf.String(), `"stats":{"total":7}`)
	assert.Contains(t, buf.String(), "service stats")
}
