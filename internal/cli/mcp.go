package cli

import (
	"os"

	"github.com/spf13/cobra"

	"codebox/internal/mcpserver"
	"codebox/pkg/logger"
)

// NewMCPCmd creates the mcp command.
func NewMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the execute_code tool over MCP stdio",
		Long: `Run a Model Context Protocol server on stdin/stdout.

The server exposes one tool, execute_code, which takes "code" and an optional
"inputs" object and returns the rendered execution record. Logs go to stderr.`,
		Example: `  # Register with an MCP client
  {"mcpServers": {"codebox": {"command": "codebox", "args": ["mcp"]}}}`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx, err := requireCLIContext(cmd)
			if err != nil {
				return err
			}
			engine, err := cliCtx.GetEngine()
			if err != nil {
				return err
			}

			log := logger.Component("mcp")
			s := mcpserver.New(cliCtx.Config.MCP.ServerName, Version, engine, log)
			return mcpserver.Serve(cmd.Context(), s, os.Stdin, os.Stdout, log)
		},
	}
}
