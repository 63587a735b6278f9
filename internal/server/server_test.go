package server

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codebox/internal/config"
	"codebox/internal/execerr"
	"codebox/internal/execution"
	"codebox/internal/jsvm"
	"codebox/internal/maintenance"
	"codebox/internal/subprocess"
	"codebox/pkg/client"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	config.Reset()
	t.Cleanup(config.Reset)

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Gateway.Port = 0
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Storage.Path = filepath.Join(t.TempDir(), "kv.db")
	cfg.Executor.SpareVMs = 0
	return cfg
}

func startServer(t *testing.T, cfg *config.Config) (*Server, *client.Client) {
	t.Helper()
	s, err := NewServer(ServerConfig{Config: cfg, Version: "test", Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })

	addr, err := s.Gateway().Listen()
	require.NoError(t, err)
	return s, client.New("http://"+addr.String(), client.WithTimeout(10*time.Second))
}

func TestServer_ExecuteOverHTTP(t *testing.T) {
	s, c := startServer(t, testConfig(t))
	assert.True(t, s.IsRunning())
	assert.True(t, s.IsReady())

	rec, err := c.Execute(context.Background(), `console.log("hi"); result = a + 1`, map[string]any{"a": 41})
	require.NoError(t, err)
	assert.True(t, rec.Success)
	assert.Equal(t, "hi\n", rec.Output)
	assert.Equal(t, "42", rec.Result.String())
	assert.Equal(t, "hi\n\nResult: 42", client.Render(rec))

	snap := s.Stats()
	assert.Equal(t, jsvm.Name, snap.Substrate)
	assert.Equal(t, int64(1), snap.Engine.Total)
	assert.Equal(t, int64(1), snap.Engine.Succeeded)
	assert.IsType(t, jsvm.Stats{}, snap.Backend)
	assert.NotEmpty(t, snap.Uptime)
}

func TestServer_HealthAndStop(t *testing.T) {
	s, c := startServer(t, testConfig(t))

	health, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, jsvm.Name, health["substrate"])

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
	assert.ErrorIs(t, s.readiness(), ErrNotRunning)
	require.NoError(t, s.Stop(), "second stop is a no-op")
}

func TestServer_StartIsIdempotent(t *testing.T) {
	s, _ := startServer(t, testConfig(t))
	require.NoError(t, s.Start())
}

func TestServer_StateCallbacks(t *testing.T) {
	var states []bool
	s, err := NewServer(ServerConfig{
		Config:        testConfig(t),
		Logger:        zerolog.Nop(),
		OnStateChange: func(up bool) { states = append(states, up) },
	})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())
	assert.Equal(t, []bool{true, false}, states)
}

func TestServer_ListenFailure(t *testing.T) {
	first, _ := startServer(t, testConfig(t))
	addr, err := first.Gateway().Listen()
	require.NoError(t, err)

	cfg := testConfig(t)
	cfg.Gateway.Port = addr.(*net.TCPAddr).Port
	s, err := NewServer(ServerConfig{Config: cfg, Logger: zerolog.Nop()})
	require.NoError(t, err)
	assert.Error(t, s.Start())
	assert.False(t, s.IsRunning())
}

func TestServer_StorageOnlyWithKVCapability(t *testing.T) {
	cfg := testConfig(t)
	s, err := NewServer(ServerConfig{Config: cfg, Logger: zerolog.Nop()})
	require.NoError(t, err)
	assert.Nil(t, s.db)
	s.close()

	cfg = testConfig(t)
	cfg.Executor.AllowedCapabilities = []string{"kv"}
	s, c := startServer(t, cfg)
	require.NotNil(t, s.db)

	rec, err := c.Execute(context.Background(), `codebox.kv.set("k", "v"); result = codebox.kv.get("k")`, nil)
	require.NoError(t, err)
	require.True(t, rec.Success, rec.Error)
	assert.Equal(t, `"v"`, rec.Result.String())

	names := make([]string, 0)
	for _, job := range s.Stats().Maintenance {
		names = append(names, job.Name)
	}
	assert.Equal(t, []string{maintenance.JobKVPurge, maintenance.JobSpareEviction, maintenance.JobStatsLog}, names)
}

func TestServer_MaintenanceDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Maintenance.Enabled = false
	s, err := NewServer(ServerConfig{Config: cfg, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer s.close()
	assert.Nil(t, s.scheduler)
}

func TestServer_WarnsWhenMemoryIsNotEnforced(t *testing.T) {
	cfg := testConfig(t)
	cfg.Maintenance.Enabled = false

	var buf bytes.Buffer
	s, err := NewServer(ServerConfig{Config: cfg, Logger: zerolog.New(&buf)})
	require.NoError(t, err)
	defer s.close()

	assert.Contains(t, buf.String(), "does not enforce executor.memory_limit")
	assert.Contains(t, buf.String(), `"memory_limit":"64MiB"`)
}

func TestServer_InvalidMaintenanceSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Maintenance.StatsLog = "not a schedule"
	_, err := NewServer(ServerConfig{Config: cfg, Logger: zerolog.Nop()})
	assert.Error(t, err)
}

func TestServer_ApplyConfig(t *testing.T) {
	cfg := testConfig(t)
	s, c := startServer(t, cfg)

	next := *cfg
	next.Executor.MaxSnippetBytes = 8
	s.applyConfig(&next)
	assert.Equal(t, 8, s.Engine().Settings().Validator.MaxSnippetBytes)

	_, err := c.Execute(context.Background(), `result = 1 + 2 + 3`, nil)
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)

	bad := next
	bad.Executor.TimeLimit = 0
	s.applyConfig(&bad)
	assert.Equal(t, 8, s.Engine().Settings().Validator.MaxSnippetBytes, "invalid reload is ignored")
}

func TestNewBackend(t *testing.T) {
	cfg := testConfig(t)

	b, err := NewBackend(cfg, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &jsvm.Executor{}, b)
	require.NoError(t, b.Close())

	cfg.Executor.Substrate = config.SubstrateSubprocess
	b, err = NewBackend(cfg, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &subprocess.Executor{}, b)
	assert.IsType(t, subprocess.Stats{}, backendStats(b))

	cfg.Executor.Substrate = "vm"
	_, err = NewBackend(cfg, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestSettings(t *testing.T) {
	cfg := testConfig(t)
	cfg.Executor.AllowedCapabilities = []string{"log"}

	settings, err := Settings(cfg.Executor)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, settings.Limits.TimeLimit)
	assert.Equal(t, int64(64<<20), settings.Limits.MemoryLimit)
	assert.Equal(t, cfg.Executor.MaxSnippetBytes, settings.Validator.MaxSnippetBytes)
	assert.Len(t, settings.Capabilities.Allowed, 1)

	cfg.Executor.MemoryLimit = "lots"
	_, err = Settings(cfg.Executor)
	assert.Error(t, err)
}

func TestNewEngine_Admission(t *testing.T) {
	cfg := testConfig(t)
	cfg.Executor.MaxConcurrentExecutions = 3
	cfg.Executor.MaxQueue = 7

	engine, err := NewEngine(cfg, nil, zerolog.Nop())
	require.NoError(t, err)
	defer engine.Backend().Close()

	stats := engine.Admission().Stats()
	assert.Equal(t, 3, stats.MaxConcurrent)
	assert.Equal(t, 7, stats.MaxQueue)

	_, err = engine.Execute(context.Background(), execution.Request{Code: "   "})
	var verr *execerr.ValidationError
	assert.ErrorAs(t, err, &verr)
}
