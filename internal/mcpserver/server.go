// Package mcpserver exposes snippet execution as an MCP tool over stdio.
package mcpserver

import (
	"context"
	"errors"
	"io"
	"log"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"codebox/internal/execerr"
	"codebox/internal/execution"
	"codebox/pkg/client"
)

// ToolName is the name of the single tool the server offers.
const ToolName = "execute_code"

// Executor runs a request to completion. *execution.Engine implements it.
type Executor interface {
	Execute(ctx context.Context, req execution.Request) (*execution.Record, error)
}

// New builds an MCP server offering execute_code.
func New(name, version string, exec Executor, logger zerolog.Logger) *server.MCPServer {
	s := server.NewMCPServer(name, version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Run JavaScript snippets in an isolated sandbox. "+
			"Print with print() or console.log(); assign to `result` to return a value."),
	)

	tool := mcp.NewTool(ToolName,
		mcp.WithDescription("Execute a JavaScript snippet in a fresh sandbox and return its output and result. "+
			"Each key of `inputs` is bound as a read-only global; the whole object is also bound as `inputs`. "+
			"Whatever the snippet assigns to `result` is returned as JSON."),
		mcp.WithString("code", mcp.Required(), mcp.Description("JavaScript source to run")),
		mcp.WithObject("inputs", mcp.Description("Values bound as read-only globals (optional)")),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
	)
	s.AddTool(tool, handleExecute(exec, logger))
	return s
}

func handleExecute(exec Executor, logger zerolog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		code, _ := args["code"].(string)
		req := execution.Request{Code: code}
		if raw, ok := args["inputs"]; ok && raw != nil {
			inputs, ok := raw.(map[string]any)
			if !ok {
				return errResult("error: 'inputs' must be an object"), nil
			}
			req.Inputs = inputs
		}

		rec, err := exec.Execute(ctx, req)
		if err != nil {
			var (
				invalid  *execerr.ValidationError
				rejected *execerr.AdmissionError
			)
			switch {
			case errors.As(err, &invalid), errors.As(err, &rejected):
				return errResult("error: " + err.Error()), nil
			}
			logger.Error().Err(err).Msg("MCP execute failed")
			return errResult("error: internal error"), nil
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.TextContent{Type: "text", Text: client.Render(rec)}},
			IsError: !rec.Success,
		}, nil
	}
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}

// Serve speaks MCP over in/out until ctx is cancelled or in is closed.
func Serve(ctx context.Context, s *server.MCPServer, in io.Reader, out io.Writer, logger zerolog.Logger) error {
	stdio := server.NewStdioServer(s)
	stdio.SetErrorLogger(log.New(logger, "", 0))
	return stdio.Listen(ctx, in, out)
}
