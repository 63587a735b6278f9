// Package server assembles the long-running codebox service: storage, the
// execution engine, the HTTP gateway, the config watcher and maintenance jobs.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"codebox/internal/config"
	"codebox/internal/execution"
	"codebox/internal/gateway"
	"codebox/internal/jsvm"
	"codebox/internal/maintenance"
	"codebox/internal/storage"
)

// startTimeout bounds how long Start waits for the gateway to listen.
const startTimeout = 30 * time.Second

// ErrNotRunning is reported by the readiness probe once the server stops.
var ErrNotRunning = errors.New("server not running")

// Server is the codebox service.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	engine        *execution.Engine
	gatewayServer *gateway.Server
	scheduler     *maintenance.Scheduler
	watcher       *config.Watcher
	db            *storage.DB

	running   bool
	ready     bool
	mu        sync.RWMutex
	startedAt time.Time
	errChan   chan error
	done      chan struct{}

	onStateChange func(bool)
}

// ServerConfig holds configuration for the server.
type ServerConfig struct {
	// Config is used as is when set; otherwise ConfigPath is loaded.
	Config     *config.Config
	ConfigPath string
	// WatchConfig reloads executor limits when the config file changes.
	WatchConfig   bool
	Version       string
	Logger        zerolog.Logger
	OnStateChange func(bool)
}

// NewServer builds the service. Nothing listens until Start.
func NewServer(sc ServerConfig) (*Server, error) {
	cfg := sc.Config
	if cfg == nil {
		loaded, err := config.Load(sc.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	db, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}

	engine, err := NewEngine(cfg, db, sc.Logger)
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, err
	}

	s := &Server{
		cfg:           cfg,
		logger:        sc.Logger,
		engine:        engine,
		db:            db,
		errChan:       make(chan error, 1),
		done:          make(chan struct{}),
		onStateChange: sc.OnStateChange,
	}

	if cfg.Executor.Substrate == config.SubstrateInProcess {
		s.logger.Warn().
			Str("memory_limit", cfg.Executor.MemoryLimit).
			Msg("In-process substrate does not enforce executor.memory_limit; set executor.substrate=subprocess to isolate snippet memory")
	}

	s.gatewayServer = gateway.NewServer(cfg.Gateway, gateway.Deps{
		Engine:      engine,
		Version:     sc.Version,
		Substrate:   engine.Backend().Name(),
		Stats:       func() any { return s.Stats() },
		Ready:       s.readiness,
		MaxInFlight: cfg.Executor.MaxConcurrentExecutions,
	})

	if cfg.Maintenance.Enabled {
		s.scheduler = maintenance.NewScheduler(sc.Logger.With().Str("component", "maintenance").Logger())
		deps := maintenance.Deps{DB: db, Stats: func() any { return s.Stats() }}
		if exec, ok := engine.Backend().(*jsvm.Executor); ok {
			deps.Spares = exec.Spares()
		}
		if err := maintenance.Register(s.scheduler, cfg.Maintenance, deps, sc.Logger); err != nil {
			s.close()
			return nil, fmt.Errorf("register maintenance jobs: %w", err)
		}
	}

	if sc.WatchConfig {
		if path := config.Path(); path != "" {
			w, err := config.NewWatcher(path, s.applyConfig, sc.Logger.With().Str("component", "config").Logger())
			if err != nil {
				s.logger.Warn().Err(err).Msg("Config hot reload disabled")
			} else {
				s.watcher = w
			}
		}
	}

	return s, nil
}

// ErrorChan returns the error channel for monitoring server errors.
func (s *Server) ErrorChan() <-chan error {
	return s.errChan
}

// Engine returns the execution engine.
func (s *Server) Engine() *execution.Engine {
	return s.engine
}

// Gateway returns the HTTP gateway.
func (s *Server) Gateway() *gateway.Server {
	return s.gatewayServer
}

// Start binds the gateway and begins serving in the background. It returns
// once the gateway is accepting connections.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	addr, err := s.gatewayServer.Listen()
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("server start failed: %w", err)
	}

	go s.run()

	timeout := time.After(startTimeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			return fmt.Errorf("server start timeout")
		case err := <-s.errChan:
			return fmt.Errorf("server start failed: %w", err)
		case <-ticker.C:
			if s.IsReady() {
				s.logger.Info().
					Str("addr", addr.String()).
					Str("substrate", s.engine.Backend().Name()).
					Msg("codebox server started")
				if s.onStateChange != nil {
					s.onStateChange(true)
				}
				return nil
			}
		}
	}
}

// run serves the gateway until Stop.
func (s *Server) run() {
	defer close(s.done)

	if s.scheduler != nil {
		s.scheduler.Start()
	}
	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to start config watcher")
		}
	}

	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()

	if err := s.gatewayServer.Start(); err != nil {
		s.logger.Error().Err(err).Msg("Gateway server stopped")
		select {
		case s.errChan <- err:
		default:
		}
	}
}

// Stop shuts the gateway down, waits for in-flight requests, and releases
// every resource.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.ready = false
	s.mu.Unlock()

	s.logger.Info().Msg("Stopping codebox server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.gatewayServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Error during server shutdown")
	}
	select {
	case <-s.done:
	case <-ctx.Done():
	}

	s.close()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	if s.onStateChange != nil {
		s.onStateChange(false)
	}

	s.logger.Info().Msg("codebox server stopped")
	return nil
}

func (s *Server) close() {
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.scheduler != nil {
		<-s.scheduler.Stop().Done()
	}
	if err := s.engine.Backend().Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Error closing executor")
	}
	if s.db != nil {
		s.db.Close()
	}
}

// IsRunning reports whether Start succeeded and Stop has not been called.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// IsReady reports whether the server accepts executions.
func (s *Server) IsReady() bool {
	return s.readiness() == nil
}

func (s *Server) readiness() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running || !s.ready {
		return ErrNotRunning
	}
	return nil
}

// GetStartedAt returns when Start was called.
func (s *Server) GetStartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

// Stats returns the service counters.
func (s *Server) Stats() Snapshot {
	snap := Snapshot{
		Substrate: s.engine.Backend().Name(),
		Engine:    s.engine.Stats(),
		Admission: s.engine.Admission().Stats(),
		Backend:   backendStats(s.engine.Backend()),
		WSClients: s.gatewayServer.Hub().ClientCount(),
	}
	if s.scheduler != nil {
		snap.Maintenance = s.scheduler.Jobs()
	}
	if started := s.GetStartedAt(); !started.IsZero() {
		snap.Uptime = time.Since(started).Round(time.Second).String()
	}
	return snap
}

// applyConfig pushes reloaded executor limits into the engine. Settings that
// shape the process (substrate, admission, listen address) need a restart.
func (s *Server) applyConfig(cfg *config.Config) {
	settings, err := Settings(cfg.Executor)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Ignoring invalid executor config")
		return
	}

	if cfg.Executor.Substrate != s.cfg.Executor.Substrate ||
		cfg.Executor.MaxConcurrentExecutions != s.cfg.Executor.MaxConcurrentExecutions ||
		cfg.Executor.MaxQueue != s.cfg.Executor.MaxQueue ||
		cfg.Gateway.Port != s.cfg.Gateway.Port || cfg.Gateway.Host != s.cfg.Gateway.Host {
		s.logger.Warn().Msg("Substrate, admission and listen address changes take effect after restart")
	}

	s.engine.SetLimits(settings)
	s.gatewayServer.NotifyLimits(settings)
}
