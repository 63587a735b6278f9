package server

import (
	"fmt"

	"github.com/rs/zerolog"

	"codebox/internal/admission"
	"codebox/internal/config"
	"codebox/internal/execution"
	"codebox/internal/jsvm"
	"codebox/internal/maintenance"
	"codebox/internal/sandbox"
	"codebox/internal/storage"
	"codebox/internal/subprocess"
)

// Settings converts the executor section of the config into engine settings.
func Settings(cfg config.ExecutorConfig) (execution.Settings, error) {
	limits, err := cfg.Limits()
	if err != nil {
		return execution.Settings{}, err
	}
	caps, err := cfg.Capabilities()
	if err != nil {
		return execution.Settings{}, err
	}
	return execution.Settings{
		Validator: execution.Validator{
			MaxSnippetBytes: cfg.MaxSnippetBytes,
			MaxInputs:       cfg.MaxInputs,
		},
		Limits:       limits,
		Capabilities: caps,
	}, nil
}

// OpenStore opens the kv database when the kv capability is granted and
// returns nil otherwise.
func OpenStore(cfg *config.Config) (*storage.DB, error) {
	caps, err := cfg.Executor.Capabilities()
	if err != nil {
		return nil, err
	}
	if !caps.Has(sandbox.CapKV) {
		return nil, nil
	}
	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open kv store: %w", err)
	}
	return db, nil
}

// NewBackend builds the substrate named by cfg.Executor.Substrate.
func NewBackend(cfg *config.Config, db *storage.DB, logger zerolog.Logger) (sandbox.Backend, error) {
	switch cfg.Executor.Substrate {
	case "", config.SubstrateInProcess:
		return jsvm.NewExecutor(jsvm.Config{
			Pool: jsvm.PoolConfig{
				Size:        cfg.Executor.SpareVMs,
				IdleTimeout: cfg.Executor.SpareIdleTimeout,
			},
		}, db, logger.With().Str("component", "jsvm").Logger()), nil
	case config.SubstrateSubprocess:
		// Workers open the store themselves, so point them at the same file.
		return subprocess.NewExecutor(subprocess.Config{
			Command: cfg.Executor.WorkerCommand,
			Env:     []string{config.EnvPrefix + "_STORAGE_PATH=" + cfg.Storage.Path},
		}, logger.With().Str("component", "subprocess").Logger()), nil
	default:
		return nil, fmt.Errorf("unknown executor substrate %q", cfg.Executor.Substrate)
	}
}

// NewEngine assembles backend, admission control and engine from cfg. The
// caller owns the returned engine's backend and closes it.
func NewEngine(cfg *config.Config, db *storage.DB, logger zerolog.Logger) (*execution.Engine, error) {
	settings, err := Settings(cfg.Executor)
	if err != nil {
		return nil, err
	}
	backend, err := NewBackend(cfg, db, logger)
	if err != nil {
		return nil, err
	}
	adm := admission.New(admission.Config{
		MaxConcurrent: cfg.Executor.MaxConcurrentExecutions,
		MaxQueue:      cfg.Executor.MaxQueue,
		QueueTimeout:  cfg.Executor.QueueTimeout,
	})
	return execution.NewEngine(backend, adm, settings, logger.With().Str("component", "engine").Logger()), nil
}

// Snapshot is the document served on /api/v1/stats.
type Snapshot struct {
	Substrate string          `json:"substrate"`
	Uptime    string          `json:"uptime"`
	Engine    execution.Stats `json:"engine"`
	Admission admission.Stats `json:"admission"`
	Backend   any             `json:"backend,omitempty"`
	WSClients int             `json:"ws_clients"`

	Maintenance []maintenance.JobInfo `json:"maintenance,omitempty"`
}

// backendStats returns the substrate's own counters.
func backendStats(b sandbox.Backend) any {
	switch e := b.(type) {
	case *jsvm.Executor:
		return e.Stats()
	case *subprocess.Executor:
		return e.Stats()
	}
	return nil
}
