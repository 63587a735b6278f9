package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"codebox/internal/execution"
	"codebox/pkg/client"
)

// execOptions holds the flags of the exec command.
type execOptions struct {
	file       string
	inputs     []string
	inputsJSON string
	remote     string
	jsonOutput bool
}

// NewExecCmd creates the exec command.
func NewExecCmd() *cobra.Command {
	opts := &execOptions{}

	cmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Execute a snippet and print its output and result",
		Long: `Execute a JavaScript snippet once.

The code comes from the argument, from --file, or from stdin when neither is
given. The snippet runs locally with the configured limits unless --remote
names a running codebox server.

On a terminal the output is printed followed by "Result: <json>"; when stdout
is not a terminal, or with --json, the full execution record is printed as
JSON. The exit status is 1 when the snippet fails.`,
		Example: `  codebox exec 'result = 6 * 7'
  codebox exec -i name=world 'console.log("hello " + name)'
  codebox exec --inputs-json '{"xs":[1,2,3]}' 'result = xs.reduce((a, b) => a + b)'
  echo 'result = Date.now()' | codebox exec --remote http://127.0.0.1:5000`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(cmd, opts, args)
		},
	}

	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "read the snippet from a file")
	cmd.Flags().StringArrayVarP(&opts.inputs, "input", "i", nil, "input binding name=value; value is parsed as JSON, otherwise taken as a string")
	cmd.Flags().StringVar(&opts.inputsJSON, "inputs-json", "", "inputs as a JSON object")
	cmd.Flags().StringVar(&opts.remote, "remote", "", "base URL of a codebox server to execute on")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "print the execution record as JSON")

	return cmd
}

func runExec(cmd *cobra.Command, opts *execOptions, args []string) error {
	code, err := readCode(args, opts.file, cmd.InOrStdin())
	if err != nil {
		return err
	}
	inputs, err := parseInputs(opts.inputsJSON, opts.inputs)
	if err != nil {
		return err
	}

	var rec *execution.Record
	if opts.remote != "" {
		rec, err = client.New(opts.remote).Execute(cmd.Context(), code, inputs)
	} else {
		rec, err = executeLocal(cmd, code, inputs)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if opts.jsonOutput || !isTerminal(out) {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rec); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(out, client.Render(rec))
	}

	if !rec.Success {
		return &ExitError{Code: 1}
	}
	return nil
}

func executeLocal(cmd *cobra.Command, code string, inputs map[string]any) (*execution.Record, error) {
	cliCtx, err := requireCLIContext(cmd)
	if err != nil {
		return nil, err
	}
	engine, err := cliCtx.GetEngine()
	if err != nil {
		return nil, err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return engine.Execute(ctx, execution.Request{Code: code, Inputs: inputs})
}

// readCode returns the snippet from the argument, the file, or stdin, in
// that order.
func readCode(args []string, file string, stdin io.Reader) (string, error) {
	switch {
	case len(args) == 1 && file != "":
		return "", errors.New("pass the snippet as an argument or with --file, not both")
	case len(args) == 1:
		return args[0], nil
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read snippet: %w", err)
		}
		return string(data), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read snippet from stdin: %w", err)
	}
	return string(data), nil
}

// parseInputs merges the JSON object with name=value pairs. Pairs win.
func parseInputs(inputsJSON string, pairs []string) (map[string]any, error) {
	inputs := map[string]any{}
	if strings.TrimSpace(inputsJSON) != "" {
		dec := json.NewDecoder(strings.NewReader(inputsJSON))
		dec.UseNumber()
		if err := dec.Decode(&inputs); err != nil {
			return nil, fmt.Errorf("--inputs-json must be a JSON object: %w", err)
		}
	}
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("--input %q: want name=value", pair)
		}
		inputs[name] = parseInputValue(raw)
	}
	if len(inputs) == 0 {
		return nil, nil
	}
	return inputs, nil
}

func parseInputValue(raw string) any {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return raw
	}
	return v
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
