package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"codebox/internal/config"
	"codebox/internal/execution"
	"codebox/pkg/client"
)

const replHelp = `Each entry runs as its own snippet in a fresh runtime; nothing carries over.
End a line with \ to continue the snippet on the next line.

  .help    show this help
  .limits  show the current execution limits
  .exit    leave (Ctrl+D works too)

Ctrl+C cancels a running snippet.`

// NewReplCmd creates the repl command.
func NewReplCmd() *cobra.Command {
	var remote string

	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Interactive snippet shell",
		Long:  "Read snippets from an interactive prompt and execute each one.\n\n" + replHelp,
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx, err := requireCLIContext(cmd)
			if err != nil {
				return err
			}

			var run func(ctx context.Context, code string) (*execution.Record, error)
			if remote != "" {
				c := client.New(remote)
				run = func(ctx context.Context, code string) (*execution.Record, error) {
					return c.Execute(ctx, code, nil)
				}
			} else {
				engine, err := cliCtx.GetEngine()
				if err != nil {
					return err
				}
				run = func(ctx context.Context, code string) (*execution.Record, error) {
					return engine.Execute(ctx, execution.Request{Code: code})
				}
			}

			historyFile := ""
			if dir, err := config.DefaultConfigDir(); err == nil {
				historyFile = filepath.Join(dir, "repl_history")
			}

			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "\033[36mcodebox>\033[0m ",
				HistoryFile:     historyFile,
				InterruptPrompt: "^C",
				EOFPrompt:       ".exit",
			})
			if err != nil {
				return fmt.Errorf("readline: %w", err)
			}
			defer rl.Close()

			r := &repl{run: run, out: rl.Stdout(), settings: cliCtx}
			return r.loop(cmd.Context(), rl)
		},
	}

	cmd.Flags().StringVar(&remote, "remote", "", "base URL of a codebox server to execute on")

	return cmd
}

// lineReader is the part of readline the loop uses.
type lineReader interface {
	Readline() (string, error)
	SetPrompt(prompt string)
}

type repl struct {
	run      func(ctx context.Context, code string) (*execution.Record, error)
	out      io.Writer
	settings *CLIContext

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (r *repl) loop(ctx context.Context, rl lineReader) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Ctrl+C cancels the running snippet, not the shell.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			r.interrupt()
		}
	}()

	var pending []string
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) && len(pending) > 0 {
				pending = nil
				rl.SetPrompt("\033[36mcodebox>\033[0m ")
				continue
			}
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		if cont, ok := strings.CutSuffix(line, `\`); ok {
			pending = append(pending, cont)
			rl.SetPrompt("\033[36m     ...\033[0m ")
			continue
		}
		code := strings.Join(append(pending, line), "\n")
		pending = nil
		rl.SetPrompt("\033[36mcodebox>\033[0m ")

		switch strings.TrimSpace(code) {
		case "":
			continue
		case ".exit", ".quit":
			return nil
		case ".help":
			fmt.Fprintln(r.out, replHelp)
			continue
		case ".limits":
			r.printLimits()
			continue
		}

		r.execute(ctx, code)
	}
}

func (r *repl) execute(parent context.Context, code string) {
	ctx, cancel := context.WithCancel(parent)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.cancel = nil
		r.mu.Unlock()
		cancel()
	}()

	rec, err := r.run(ctx, code)
	if err != nil {
		fmt.Fprintf(r.out, "\033[31merror:\033[0m %v\n", err)
		return
	}
	if rec.Success {
		fmt.Fprintln(r.out, client.Render(rec))
		return
	}
	fmt.Fprintf(r.out, "\033[31m%s\033[0m\n", strings.TrimRight(client.Render(rec), "\n"))
}

func (r *repl) interrupt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *repl) printLimits() {
	if r.settings == nil || r.settings.Config == nil {
		return
	}
	ec := r.settings.Config.Executor
	fmt.Fprintf(r.out, "time limit      %s\n", ec.TimeLimit)
	fmt.Fprintf(r.out, "memory limit    %s\n", ec.MemoryLimit)
	fmt.Fprintf(r.out, "output limit    %s\n", ec.MaxOutputBytes)
	fmt.Fprintf(r.out, "call stack      %d\n", ec.MaxCallStack)
	fmt.Fprintf(r.out, "capabilities    %s\n", strings.Join(ec.AllowedCapabilities, ", "))
}
