package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"codebox/internal/storage"
	"codebox/internal/subprocess"
	"codebox/pkg/logger"
)

// NewWorkerCmd creates the hidden worker command the subprocess substrate
// runs for each snippet.
func NewWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run one job from stdin (used by the subprocess substrate)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx, err := requireCLIContext(cmd)
			if err != nil {
				return err
			}

			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, cancel := subprocess.SignalContext(parent)
			defer cancel()

			path := cliCtx.Config.Storage.Path
			return subprocess.Serve(ctx, os.Stdin, os.Stdout, subprocess.WorkerConfig{
				Logger:    logger.Component("worker"),
				OpenStore: func() (*storage.DB, error) { return storage.Open(path) },
			})
		},
	}
}
