package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/tether/internal/buildinfo"
	"github.com/nugget/tether/internal/calllog"
	"github.com/nugget/tether/internal/events"
	"github.com/nugget/tether/internal/session"
)

func newVersionCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersion(opts.stdout, opts.output)
		},
	}
}

// runVersion prints build metadata. In text mode a one-line summary is
// followed by the individual fields; in json mode the fields are
// emitted as a single object.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func newToolsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools the backend offers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSession(cmd.Context(), false, func(ctx context.Context, a *app) error {
				return writeTools(opts.stdout, opts.output, a.client.Tools())
			})
		},
	}
}

func newCallCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "call <tool> [json-arguments]",
		Short: "Invoke one tool and print its result",
		Example: `  tether call list_entries '{"limit": 5}'
  tether call get_entry '{"id": "0190..."}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := ""
			if len(args) == 2 {
				raw = args[1]
			}
			toolArgs, err := parseArguments(raw)
			if err != nil {
				return err
			}
			return opts.withSession(cmd.Context(), false, func(ctx context.Context, a *app) error {
				result, err := a.client.CallTool(ctx, args[0], toolArgs)
				if err != nil {
					return err
				}
				return writeResult(opts.stdout, opts.output, result)
			})
		},
	}
}

func newSessionCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "session",
		Short: "Keep a session open and run tool calls read from stdin",
		Long: `session connects once and then reads one call per line from stdin:

  <tool> [json-arguments]

Blank lines and lines starting with # are ignored. "tools" lists the
current catalog, "status" prints the session state, and "quit" or
"exit" ends the session. A failed call is reported and the session
continues. The connection is re-established automatically if it drops.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSession(cmd.Context(), true, func(ctx context.Context, a *app) error {
				return runSession(ctx, a, opts.stdin, opts.stdout, opts.output)
			})
		},
	}
}

func newHistoryCmd(opts *options) *cobra.Command {
	var (
		limit int
		since time.Duration
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent tool calls and per-tool totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive, got %d", limit)
			}
			cfg, _, err := opts.setup()
			if err != nil {
				return err
			}
			store, err := openCallLog(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			return runHistory(cmd.Context(), store, opts.stdout, opts.output, limit, since)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of recent calls to show")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "window for the per-tool totals")
	return cmd
}

// withSession loads configuration, connects, runs fn, and tears the
// session down again. withMQTT enables the status mirror for
// long-lived sessions.
func (o *options) withSession(ctx context.Context, withMQTT bool, fn func(context.Context, *app) error) error {
	cfg, logger, err := o.setup()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.start(ctx, withMQTT); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return fn(ctx, a)
}

// sessionLine is the json-mode output for one session command.
type sessionLine struct {
	Tool   string `json:"tool"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	Kind   string `json:"kind,omitempty"`
}

// runSession reads calls from in until EOF, quit, or ctx is cancelled.
func runSession(ctx context.Context, a *app, in io.Reader, out io.Writer, outputFmt string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub := a.client.On(events.KindNotification, func(e events.Event) {
		a.logger.Info("peer notification", "method", e.Data["method"])
	})
	defer a.client.Off(sub)

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case line, ok = <-lines:
		}
		if !ok {
			select {
			case err := <-scanErr:
				return err
			default:
				return nil
			}
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		tool, rest, _ := strings.Cut(line, " ")
		switch tool {
		case "quit", "exit":
			return nil
		case "tools":
			if err := writeTools(out, outputFmt, a.client.Tools()); err != nil {
				return err
			}
			continue
		case "status":
			if err := writeStatus(out, outputFmt, a.client.Status()); err != nil {
				return err
			}
			continue
		}

		args, err := parseArguments(rest)
		if err != nil {
			reportCallError(out, outputFmt, tool, err)
			continue
		}
		result, err := a.client.CallTool(ctx, tool, args)
		if err != nil {
			reportCallError(out, outputFmt, tool, err)
			continue
		}
		if outputFmt == "json" {
			if err := writeJSONLine(out, sessionLine{Tool: tool, Result: result}); err != nil {
				return err
			}
			continue
		}
		if err := writeResult(out, outputFmt, result); err != nil {
			return err
		}
	}
}

func reportCallError(w io.Writer, outputFmt, tool string, err error) {
	if outputFmt == "json" {
		line := sessionLine{Tool: tool, Error: err.Error()}
		if k := session.KindOf(err); k != session.KindUnknown {
			line.Kind = k.String()
		}
		_ = writeJSONLine(w, line)
		return
	}
	fmt.Fprintf(w, "error: %v\n", err)
}

// parseArguments decodes a JSON object of tool arguments. Empty input
// yields an empty object.
func parseArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, fmt.Errorf("arguments must be a JSON object, got %s", typeErr.Value)
		}
		return nil, fmt.Errorf("parse arguments: %w", err)
	}
	if args == nil {
		return map[string]any{}, nil
	}
	return args, nil
}

// historyReport is the json-mode output of the history command.
type historyReport struct {
	Recent []calllog.Record            `json:"recent"`
	Since  time.Time                   `json:"since"`
	Total  *calllog.Summary            `json:"total"`
	ByTool map[string]*calllog.Summary `json:"by_tool"`
}

func runHistory(ctx context.Context, store *calllog.Store, w io.Writer, outputFmt string, limit int, since time.Duration) error {
	recent, err := store.Recent(ctx, limit)
	if err != nil {
		return err
	}
	end := time.Now()
	start := end.Add(-since)
	total, err := store.Summary(start, end)
	if err != nil {
		return err
	}
	byTool, err := store.SummaryByTool(start, end)
	if err != nil {
		return err
	}

	report := historyReport{Recent: recent, Since: start.UTC(), Total: total, ByTool: byTool}
	if report.Recent == nil {
		report.Recent = []calllog.Record{}
	}
	if outputFmt == "json" {
		return writeJSON(w, report)
	}
	return writeHistory(w, report)
}
