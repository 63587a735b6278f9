package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codebox/internal/admission"
	"codebox/internal/execerr"
	"codebox/internal/jsvm"
	"codebox/internal/result"
	"codebox/internal/sandbox"
)

type stubBackend struct {
	mu    sync.Mutex
	jobs  []sandbox.Job
	block chan struct{}
	out   *sandbox.Outcome
}

func (b *stubBackend) Name() string { return "stub" }
func (b *stubBackend) Close() error { return nil }
func (b *stubBackend) Run(ctx context.Context, job sandbox.Job) *sandbox.Outcome {
	b.mu.Lock()
	b.jobs = append(b.jobs, job)
	b.mu.Unlock()
	if b.block != nil {
		<-b.block
	}
	if b.out != nil {
		return b.out
	}
	return &sandbox.Outcome{Result: result.Int(1)}
}

func testSettings() Settings {
	limits := sandbox.DefaultLimits()
	limits.TimeLimit = time.Second
	return Settings{
		Validator: Validator{MaxSnippetBytes: 1024, MaxInputs: 8},
		Limits:    limits,
	}
}

func newJSEngine(t *testing.T) *Engine {
	t.Helper()
	exec := jsvm.NewExecutor(jsvm.Config{Pool: jsvm.PoolConfig{Size: 1}}, nil, zerolog.Nop())
	t.Cleanup(func() { _ = exec.Close() })
	return NewEngine(exec, admission.New(admission.DefaultConfig()), testSettings(), zerolog.Nop())
}

func TestEngine_Examples(t *testing.T) {
	e := newJSEngine(t)

	rec, err := e.Execute(context.Background(), Request{Code: "result = 2 + 2"})
	require.NoError(t, err)
	assert.Equal(t, "", rec.Output)
	assert.Equal(t, "", rec.Error)
	assert.True(t, rec.Success)
	assert.Equal(t, result.Int(4), rec.Result)

	rec, err = e.Execute(context.Background(), Request{Code: "print('hi'); throw new Error('x')"})
	require.NoError(t, err)
	assert.False(t, rec.Success)
	assert.Contains(t, rec.Output, "hi\n")
	assert.Contains(t, rec.Error, "x")

	rec, err = e.Execute(context.Background(), Request{Code: "print(a + b)", Inputs: map[string]any{"a": 1, "b": 2}})
	require.NoError(t, err)
	assert.Equal(t, "3\n", rec.Output)
	assert.True(t, rec.Result.IsNull())
	assert.NotEmpty(t, rec.ID)
}

func TestEngine_Timeout(t *testing.T) {
	e := newJSEngine(t)

	start := time.Now()
	rec, err := e.Execute(context.Background(), Request{Code: "while (true) {}"})
	require.NoError(t, err)
	assert.False(t, rec.Success)
	assert.Equal(t, execerr.KindTimeout, rec.ErrorKind)
	assert.Contains(t, rec.Error, "Timeout")
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, int64(1), e.Stats().Failed["timeout"])
}

func TestEngine_Idempotent(t *testing.T) {
	e := newJSEngine(t)
	req := Request{Code: "print(n); result = {n: n, sq: n * n}", Inputs: map[string]any{"n": 7}}

	a, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	b, err := e.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, a.Output, b.Output)
	assert.Equal(t, a.Result, b.Result)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestEngine_ConcurrentIsolation(t *testing.T) {
	e := newJSEngine(t)

	var wg sync.WaitGroup
	var writer, thrower *Record
	wg.Add(2)
	go func() {
		defer wg.Done()
		writer, _ = e.Execute(context.Background(), Request{Code: "for (var i = 0; i < 200; i++) print('A')"})
	}()
	go func() {
		defer wg.Done()
		thrower, _ = e.Execute(context.Background(), Request{Code: "throw new Error('B')"})
	}()
	wg.Wait()

	require.NotNil(t, writer)
	require.NotNil(t, thrower)
	assert.True(t, writer.Success)
	assert.NotContains(t, writer.Output, "B")
	assert.NotContains(t, writer.Error, "B")
	assert.Equal(t, "", thrower.Output)
	assert.Contains(t, thrower.Error, "Error: B")
}

func TestEngine_ValidationError(t *testing.T) {
	backend := &stubBackend{}
	e := NewEngine(backend, nil, testSettings(), zerolog.Nop())

	rec, err := e.Execute(context.Background(), Request{Code: "  "})
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, execerr.ErrValidation)
	assert.Empty(t, backend.jobs)
	assert.Equal(t, int64(1), e.Stats().Invalid)
}

func TestEngine_AdmissionRejection(t *testing.T) {
	backend := &stubBackend{block: make(chan struct{})}
	adm := admission.New(admission.Config{MaxConcurrent: 1, MaxQueue: 0})
	e := NewEngine(backend, adm, testSettings(), zerolog.Nop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = e.Execute(context.Background(), Request{Code: "1"})
	}()
	require.Eventually(t, func() bool { return adm.Stats().Running == 1 }, time.Second, 5*time.Millisecond)

	rec, err := e.Execute(context.Background(), Request{Code: "1"})
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, execerr.ErrBusy)
	assert.ErrorIs(t, err, execerr.ErrAdmission)

	close(backend.block)
	<-done
	assert.Equal(t, int64(1), e.Stats().NotAdmitted)
}

func TestEngine_SetLimitsAppliesToNextRun(t *testing.T) {
	backend := &stubBackend{}
	e := NewEngine(backend, nil, testSettings(), zerolog.Nop())

	_, err := e.Execute(context.Background(), Request{Code: "1"})
	require.NoError(t, err)

	next := testSettings()
	next.Limits.TimeLimit = 42 * time.Millisecond
	next.Capabilities.Allowed = []sandbox.Capability{sandbox.CapLog}
	e.SetLimits(next)

	_, err = e.Execute(context.Background(), Request{Code: "2"})
	require.NoError(t, err)

	require.Len(t, backend.jobs, 2)
	assert.Equal(t, time.Second, backend.jobs[0].Limits.TimeLimit)
	assert.Equal(t, 42*time.Millisecond, backend.jobs[1].Limits.TimeLimit)
	assert.True(t, backend.jobs[1].Capabilities.Has(sandbox.CapLog))
	assert.Equal(t, next, e.Settings())
}

func TestEngine_Stats(t *testing.T) {
	backend := &stubBackend{out: &sandbox.Outcome{Fault: execerr.NewException("Error: x", "")}}
	e := NewEngine(backend, nil, testSettings(), zerolog.Nop())

	_, _ = e.Execute(context.Background(), Request{Code: "1"})
	backend.out = &sandbox.Outcome{Result: result.Fallback("NaN"), Degraded: true}
	_, _ = e.Execute(context.Background(), Request{Code: "1"})

	s := e.Stats()
	assert.Equal(t, int64(2), s.Total)
	assert.Equal(t, int64(1), s.Succeeded)
	assert.Equal(t, int64(1), s.Failed["exception"])
	assert.Equal(t, int64(1), s.Degraded)
	assert.Equal(t, "stub", s.Substrate)
}
