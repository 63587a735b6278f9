package subprocess

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/signal"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codebox/internal/execerr"
	"codebox/internal/result"
	"codebox/internal/sandbox"
)

const workerEnv = "CODEBOX_TEST_WORKER"

// TestMain doubles as the worker: the executor under test re-runs this
// binary with workerEnv set.
func TestMain(m *testing.M) {
	switch os.Getenv(workerEnv) {
	case "":
		os.Exit(m.Run())
	case "crash":
		_, _ = io.Copy(io.Discard, io.LimitReader(os.Stdin, 4))
		fmt.Fprintln(os.Stderr, "worker crashed on purpose")
		os.Exit(3)
	case "hang":
		signal.Ignore(os.Interrupt)
		_, _ = NewDecoder(os.Stdin).Decode()
		time.Sleep(time.Hour)
	default:
		ctx, stop := SignalContext(context.Background())
		err := Serve(ctx, os.Stdin, os.Stdout, WorkerConfig{Logger: zerolog.New(os.Stderr)})
		stop()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
}

func newTestExecutor(t *testing.T, mode string) *Executor {
	t.Helper()
	e := NewExecutor(Config{
		Command: []string{os.Args[0]},
		Env:     []string{workerEnv + "=" + mode},
	}, zerolog.Nop())
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func newJob(code string) sandbox.Job {
	limits := sandbox.DefaultLimits()
	limits.TimeLimit = 5 * time.Second
	limits.MemoryLimit = 0
	return sandbox.Job{ID: "sub-test", Code: code, Limits: limits}
}

func TestExecutor_Result(t *testing.T) {
	e := newTestExecutor(t, "serve")
	job := newJob(`print("sum", a + b); result = {sum: a + b, tags: ["x"]}`)
	job.Inputs = map[string]any{"a": 2, "b": 3}

	out := e.Run(context.Background(), job)

	require.Nil(t, out.Fault)
	assert.Equal(t, "sum 5\n", out.Stdout)
	assert.Equal(t, `{"sum":5,"tags":["x"]}`, out.Result.String())
	assert.Equal(t, int64(1), e.Stats().Started)
}

func TestExecutor_Exception(t *testing.T) {
	e := newTestExecutor(t, "serve")
	out := e.Run(context.Background(), newJob("function f() { throw new TypeError('nope') }\nf()"))

	require.NotNil(t, out.Fault)
	assert.Equal(t, execerr.KindException, out.Fault.Kind)
	assert.Equal(t, "TypeError: nope", out.Fault.Message)
	assert.Contains(t, out.Fault.Trace, "at f (snippet.js:1:")
}

func TestExecutor_Timeout(t *testing.T) {
	e := newTestExecutor(t, "serve")
	job := newJob(`print("spin"); for (;;) {}`)
	job.Limits.TimeLimit = 200 * time.Millisecond

	out := e.Run(context.Background(), job)

	require.NotNil(t, out.Fault)
	assert.Equal(t, execerr.KindTimeout, out.Fault.Kind)
	assert.ErrorIs(t, out.Fault, execerr.ErrTimeout)
	assert.Equal(t, "spin\n", out.Stdout)
}

func TestExecutor_MemoryLimit(t *testing.T) {
	e := newTestExecutor(t, "serve")
	job := newJob(`var hog = []; for (;;) { hog.push(new Array(10000).fill("xxxxxxxx")) }`)
	job.Limits.MemoryLimit = 64 * 1024 * 1024
	job.Limits.TimeLimit = 20 * time.Second

	out := e.Run(context.Background(), job)

	require.NotNil(t, out.Fault)
	assert.Equal(t, execerr.KindResourceExceeded, out.Fault.Kind)
	assert.ErrorIs(t, out.Fault, execerr.ErrMemoryLimit)
	assert.Contains(t, out.Fault.Message, "64 MiB")
}

func TestExecutor_CallerCancellation(t *testing.T) {
	e := newTestExecutor(t, "serve")
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(500*time.Millisecond, cancel)

	out := e.Run(ctx, newJob(`for (;;) {}`))

	require.NotNil(t, out.Fault)
	assert.Equal(t, execerr.KindTimeout, out.Fault.Kind)
	assert.ErrorIs(t, out.Fault, execerr.ErrCancelled)
}

func TestExecutor_WorkerCrash(t *testing.T) {
	e := newTestExecutor(t, "crash")
	out := e.Run(context.Background(), newJob(`result = 1`))

	require.NotNil(t, out.Fault)
	assert.Equal(t, execerr.KindInternal, out.Fault.Kind)
	assert.NotContains(t, out.Fault.Message, "crashed")
	assert.Equal(t, int64(1), e.Stats().Crashed)
}

func TestExecutor_StuckWorkerIsKilled(t *testing.T) {
	e := newTestExecutor(t, "hang")
	job := newJob(`result = 1`)
	job.Limits.TimeLimit = 100 * time.Millisecond
	job.Limits.KillGrace = 100 * time.Millisecond

	start := time.Now()
	out := e.Run(context.Background(), job)

	require.NotNil(t, out.Fault)
	assert.Equal(t, execerr.KindTimeout, out.Fault.Kind)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, int64(1), e.Stats().Killed)
	assert.Zero(t, e.Stats().Running)
}

func TestExecutor_Closed(t *testing.T) {
	e := newTestExecutor(t, "serve")
	require.NoError(t, e.Close())
	out := e.Run(context.Background(), newJob(`result = 1`))
	require.NotNil(t, out.Fault)
	assert.ErrorIs(t, out.Fault, execerr.ErrClosed)
}

func TestProtocol_OutcomeRoundTrip(t *testing.T) {
	in := &sandbox.Outcome{
		Stdout: "a\n",
		Stderr: "b\n",
		Fault:  execerr.NewResourceExceeded(execerr.ErrOutputLimit, "limit 1 KiB"),
		Result: result.Map(result.F("z", result.Int(1)), result.F("a", result.Float(0.5))),
	}

	var buf bytes.Buffer
	msg, err := NewMessage(MsgOutcome, toWire(in))
	require.NoError(t, err)
	require.NoError(t, NewEncoder(&buf).Encode(msg))

	got, err := NewDecoder(&buf).Decode()
	require.NoError(t, err)
	var w wireOutcome
	require.NoError(t, got.ParsePayload(MsgOutcome, &w))
	out := w.outcome()

	assert.Equal(t, in.Stdout, out.Stdout)
	assert.Equal(t, in.Fault.Message, out.Fault.Message)
	assert.ErrorIs(t, out.Fault, execerr.ErrOutputLimit)
	assert.Equal(t, in.Result, out.Result)
}

func TestProtocol_Rejects(t *testing.T) {
	msg, err := NewMessage(MsgJob, sandbox.Job{Code: "1"})
	require.NoError(t, err)

	var target sandbox.Job
	assert.Error(t, msg.ParsePayload(MsgOutcome, &target), "wrong type")

	msg.Version = "0"
	assert.Error(t, msg.ParsePayload(MsgJob, &target), "wrong version")

	var frame bytes.Buffer
	_ = binary.Write(&frame, binary.BigEndian, uint32(MaxMessageSize+1))
	_, err = NewDecoder(&frame).Decode()
	assert.ErrorContains(t, err, "too large")

	_, err = NewDecoder(bytes.NewReader(nil)).Decode()
	assert.ErrorIs(t, err, io.EOF)
}
