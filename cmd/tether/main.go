// Tether is a command-line client for a journaling backend. It keeps
// an authenticated session to the backend and exposes the backend's
// tools for one-shot calls or a long-lived interactive session.
// Configuration is loaded from a YAML or TOML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	tether tools                 List the backend's tools
//	tether call <tool> [json]    Invoke one tool and print the result
//	tether session               Read "<tool> [json]" lines from stdin
//	tether history               Show recent tool calls and totals
//	tether version               Print version and build information
//	tether -o json <command>     Machine-readable output
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nugget/tether/internal/config"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates immediately to [run], keeping os.Exit and os.Args out of
// the application logic so commands can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		stop()
		os.Exit(1)
	}
}

// options holds the persistent flags shared by every subcommand.
type options struct {
	configPath string
	output     string // "text" or "json"

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// run is the real entry point. Structured logs go to stderr so that
// stdout carries only command output.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	opts := &options{stdin: stdin, stdout: stdout, stderr: stderr}
	root := newRootCmd(opts)
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

func newRootCmd(opts *options) *cobra.Command {
	root := &cobra.Command{
		Use:   "tether",
		Short: "Session client for a journaling backend",
		Long: `tether keeps an authenticated session to a journaling backend and
invokes its tools. The connection is re-established automatically after
unexpected drops, and every tool call is recorded in a local journal.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.output != "text" && opts.output != "json" {
				return fmt.Errorf("unknown output format: %q (expected text or json)", opts.output)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file (default: auto-discover)")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "output format: text or json")

	root.AddCommand(
		newToolsCmd(opts),
		newCallCmd(opts),
		newSessionCmd(opts),
		newHistoryCmd(opts),
		newVersionCmd(opts),
	)
	return root
}

// loadConfig locates, parses and validates the configuration file.
// Returns the parsed config and the path that was loaded.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// setup loads the configuration and builds the logger for a command.
func (o *options) setup() (*config.Config, *slog.Logger, error) {
	cfg, cfgPath, err := loadConfig(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := cfg.NewLogger(o.stderr)
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("configuration loaded", "path", cfgPath)
	return cfg, logger, nil
}
