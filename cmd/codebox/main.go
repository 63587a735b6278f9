// Command codebox runs JavaScript snippets in isolated runtimes, locally or
// as an HTTP/MCP service.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"codebox/internal/cli"
)

func main() {
	rootCmd := cli.NewRootCmd()

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
