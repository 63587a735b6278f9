// Package gateway provides the HTTP gateway server.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"codebox/internal/config"
	"codebox/internal/execution"
	"codebox/internal/gateway/handlers"
	"codebox/internal/gateway/middleware"
	"codebox/internal/gateway/websocket"
	"codebox/pkg/logger"
)

// bodyHeadroom is added to max_snippet_bytes to allow for inputs and JSON
// framing when capping request bodies.
const bodyHeadroom = 1 << 20

// Engine is what the gateway needs from the execution engine.
type Engine interface {
	handlers.Executor
	Settings() execution.Settings
}

// Deps are the gateway's collaborators.
type Deps struct {
	Engine    Engine
	Version   string
	Substrate string
	// Stats returns the snapshot served on /api/v1/stats.
	Stats func() any
	// Ready reports why the service cannot execute, if it cannot.
	Ready func() error
	// MaxInFlight bounds concurrent executions per websocket connection.
	MaxInFlight int
}

// Server represents the HTTP gateway server.
type Server struct {
	httpServer  *http.Server
	router      *mux.Router
	hub         *websocket.Hub
	rateLimiter *middleware.RateLimiter
	deps        Deps

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a gateway listening on cfg.Host:cfg.Port.
func NewServer(cfg config.GatewayConfig, deps Deps) *Server {
	router := mux.NewRouter()

	rlConfig := middleware.DefaultRateLimiterConfig()
	rlConfig.Enabled = cfg.RateLimit.Enabled
	if cfg.RateLimit.RequestsPerMinute > 0 {
		rlConfig.RequestsPerMinute = cfg.RateLimit.RequestsPerMinute
	}
	if cfg.RateLimit.Burst > 0 {
		rlConfig.Burst = cfg.RateLimit.Burst
	}
	if cfg.RateLimit.CleanupInterval > 0 {
		rlConfig.CleanupInterval = cfg.RateLimit.CleanupInterval
	}
	rateLimiter := middleware.NewRateLimiter(rlConfig)

	// Recovery -> Logging -> CORS -> RateLimit -> Version
	handler := middleware.Recovery(
		middleware.Logging(
			middleware.CORS(
				rateLimiter.RateLimit(
					middleware.Version(middleware.DefaultVersionConfig())(router),
				),
			),
		),
	)

	s := &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       60 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		router:      router,
		hub:         websocket.NewHub(deps.Engine.Execute, deps.MaxInFlight),
		rateLimiter: rateLimiter,
		deps:        deps,
	}
	s.setupRoutes()
	return s
}

func (s *Server) bodyLimit() int64 {
	return int64(s.deps.Engine.Settings().Validator.MaxSnippetBytes) + bodyHeadroom
}

func (s *Server) setupRoutes() {
	execute := handlers.ExecuteHandler(s.deps.Engine, s.bodyLimit)

	// POST /execute at the root is kept for clients of the unversioned API.
	s.router.HandleFunc("/execute", execute).Methods(http.MethodPost, http.MethodOptions)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/execute", execute).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/health", handlers.HealthHandler(s.deps.Version, s.deps.Substrate, s.deps.Ready)).Methods(http.MethodGet)
	if s.deps.Stats != nil {
		api.HandleFunc("/stats", handlers.StatsHandler(s.deps.Stats)).Methods(http.MethodGet)
	}
	api.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		websocket.ServeWs(s.hub, s.bodyLimit(), w, r)
	})

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlers.SendError(w, http.StatusNotFound, "NOT_FOUND", "no route for "+r.URL.Path)
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlers.SendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", r.Method+" not allowed on "+r.URL.Path)
	})
}

// Listen binds the server's address. Start calls it when it has not been
// called yet; calling it first lets callers learn the bound port.
func (s *Server) Listen() (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr(), nil
	}
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	s.listener = ln
	return ln.Addr(), nil
}

// Start serves until Shutdown. It blocks.
func (s *Server) Start() error {
	handlers.InitStartTime()

	addr, err := s.Listen()
	if err != nil {
		return err
	}
	go s.hub.Run()

	logger.Info().Str("addr", addr.String()).Msg("Starting gateway server")

	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones, bounded by
// ctx and five seconds.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info().Msg("Shutting down gateway server")

	s.hub.Stop()
	s.rateLimiter.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

// NotifyLimits tells websocket clients that execution limits changed.
func (s *Server) NotifyLimits(settings execution.Settings) {
	payload := map[string]any{
		"time_limit_ms":     settings.Limits.TimeLimit.Milliseconds(),
		"memory_limit":      settings.Limits.MemoryLimit,
		"max_output_bytes":  settings.Limits.MaxOutputBytes,
		"max_call_stack":    settings.Limits.MaxCallStack,
		"max_snippet_bytes": settings.Validator.MaxSnippetBytes,
		"max_inputs":        settings.Validator.MaxInputs,
	}
	if err := s.hub.BroadcastTyped(websocket.TypeLimits, payload); err != nil {
		logger.Warn().Err(err).Msg("Failed to broadcast limits")
	}
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Router returns the underlying router for testing.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *websocket.Hub {
	return s.hub
}
