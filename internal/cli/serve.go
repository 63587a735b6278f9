package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"codebox/internal/server"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the codebox HTTP server",
		Long: `Start the codebox HTTP server.

This command starts the gateway that provides:
- POST /execute and POST /api/v1/execute
- GET /api/v1/health and GET /api/v1/stats
- WebSocket execution on /api/v1/ws

The server listens on the configured host and port (default: 127.0.0.1:5000).
Executor limits are reloaded when the config file changes.`,
		Example: `  # Start server with default configuration
  codebox serve

  # Start server with custom port
  codebox serve --port 8080

  # Run every snippet in its own worker process
  CODEBOX_EXECUTOR_SUBSTRATE=subprocess codebox serve`,
		RunE: runServe,
	}

	cmd.Flags().IntP("port", "p", 0, "port to listen on (overrides config)")
	cmd.Flags().String("host", "", "host to bind to (overrides config)")
	cmd.Flags().Bool("no-watch", false, "do not reload executor limits when the config file changes")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cliCtx, err := requireCLIContext(cmd)
	if err != nil {
		return err
	}

	cfg := cliCtx.Config
	log := cliCtx.Log()

	// Override config with flags if provided
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Gateway.Port = port
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Gateway.Host = host
	}
	noWatch, _ := cmd.Flags().GetBool("no-watch")

	log.Info().Msg("Starting codebox server...")

	srv, err := server.NewServer(server.ServerConfig{
		Config:      cfg,
		WatchConfig: !noWatch,
		Version:     Version,
		Logger:      *log,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	addr, _ := srv.Gateway().Listen()
	log.Info().
		Str("address", fmt.Sprintf("http://%s", addr)).
		Msg("Server started successfully")

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		log.Info().Msg("Shutting down server...")
	case err := <-srv.ErrorChan():
		if err != nil {
			log.Error().Err(err).Msg("Server error")
			_ = srv.Stop()
			return err
		}
	}

	// Graceful shutdown
	if err := srv.Stop(); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
		return err
	}

	log.Info().Msg("Server stopped")
	return nil
}
