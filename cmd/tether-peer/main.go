// Tether-peer is a development backend for tether. It serves a small
// journal over the session protocol on a WebSocket endpoint, with the
// same tool catalog a production journaling backend exposes.
//
// Usage:
//
//	tether-peer serve              Listen on peer_server.listen
//	tether-peer serve -l :9000     Override the listen address
//	tether-peer version            Print version information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/tether/internal/buildinfo"
	"github.com/nugget/tether/internal/config"
	"github.com/nugget/tether/internal/peer"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		stop()
		os.Exit(1)
	}
}

type options struct {
	configPath string
	listen     string
	output     string

	stdout io.Writer
	stderr io.Writer
}

func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	opts := &options{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "tether-peer",
		Short:         "Development journaling backend for tether",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file (default: auto-discover)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve the journal over WebSocket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	serve.Flags().StringVarP(&opts.listen, "listen", "l", "", "listen address (overrides peer_server.listen)")

	version := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.output == "json" {
				enc := json.NewEncoder(opts.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(buildinfo.Info())
			}
			_, err := fmt.Fprintln(opts.stdout, buildinfo.String())
			return err
		},
	}
	version.Flags().StringVarP(&opts.output, "output", "o", "text", "output format: text or json")

	root.AddCommand(serve, version)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

// runServe loads configuration, opens the journal and serves until ctx
// is cancelled.
func runServe(ctx context.Context, opts *options) error {
	cfg := config.Default()
	if path, err := config.FindConfig(opts.configPath); err == nil {
		if cfg, err = config.Load(path); err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
	} else if opts.configPath != "" {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := cfg.NewLogger(opts.stderr)
	if err != nil {
		return err
	}

	if len(cfg.PeerServer.Tokens) == 0 {
		logger.Warn("no tokens configured, any non-empty token is accepted")
	}

	dbPath := cfg.PeerDBPath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create journal directory: %w", err)
	}
	journal, err := peer.OpenJournal(dbPath)
	if err != nil {
		return err
	}
	defer journal.Close()

	srv := peer.New(peer.Config{
		Journal:   journal,
		Tokens:    cfg.PeerServer.Tokens,
		SlowDelay: cfg.PeerServer.SlowDelay,
		Logger:    logger.With("component", "peer"),
	})

	addr := cfg.PeerServer.Listen
	if opts.listen != "" {
		addr = opts.listen
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	logger.Info("tether-peer listening", "addr", ln.Addr().String(), "journal", dbPath, "version", buildinfo.Version)

	return serve(ctx, ln, srv, logger)
}

// newHandler mounts the session endpoint and a health check.
func newHandler(srv *peer.Server, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"version":  buildinfo.Version,
			"uptime":   buildinfo.Uptime().String(),
			"sessions": srv.SessionCount(),
		}); err != nil {
			logger.Warn("failed to encode health response", "error", err)
		}
	})
	mux.Handle("/", srv)
	return withLogging(mux, logger)
}

func withLogging(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// serve runs the HTTP server on ln until ctx is cancelled, then closes
// live sessions and shuts the listener down.
func serve(ctx context.Context, ln net.Listener, srv *peer.Server, logger *slog.Logger) error {
	httpSrv := &http.Server{
		Handler:           newHandler(srv, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")
	// Hijacked WebSocket connections are not tracked by http.Server.
	srv.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("tether-peer stopped")
	return nil
}
