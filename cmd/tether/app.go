package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nugget/tether/internal/buildinfo"
	"github.com/nugget/tether/internal/calllog"
	"github.com/nugget/tether/internal/config"
	"github.com/nugget/tether/internal/events"
	"github.com/nugget/tether/internal/mqtt"
	"github.com/nugget/tether/internal/session"
	"github.com/nugget/tether/internal/tokenbridge"
	"github.com/nugget/tether/internal/transport"
)

// shutdownTimeout bounds the graceful teardown of the session and the
// status mirror.
const shutdownTimeout = 5 * time.Second

// app owns the long-lived components a session command needs: the
// session client, its credential bridge, the call journal, and the
// optional MQTT status mirror.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	bus    *events.Bus
	client *session.Client
	bridge *tokenbridge.Bridge

	calls     *calllog.Store
	publisher *mqtt.StatusPublisher

	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// newDialer selects the transport named by the peer section.
func newDialer(cfg *config.Config, logger *slog.Logger) (transport.Dialer, error) {
	if err := cfg.RequirePeer(); err != nil {
		return nil, err
	}
	if cfg.Peer.URL != "" {
		return &transport.WebSocketDialer{
			URL:          cfg.Peer.URL,
			TokenParam:   cfg.Peer.TokenParam,
			PingInterval: cfg.Client.PingInterval,
			Logger:       logger.With("component", "transport"),
		}, nil
	}
	return &transport.StdioDialer{
		Command:  cfg.Peer.Command,
		Args:     cfg.Peer.Args,
		Env:      cfg.Peer.Env,
		TokenEnv: cfg.Peer.TokenEnv,
		Logger:   logger.With("component", "transport"),
	}, nil
}

// newApp builds the session client from configuration. Nothing is
// connected until start.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	dialer, err := newDialer(cfg, logger)
	if err != nil {
		return nil, err
	}
	slow, err := cfg.SlowToolsPattern()
	if err != nil {
		return nil, fmt.Errorf("client.slow_tools: %w", err)
	}

	bus := events.New(logger)
	client := session.New(session.Config{
		Dialer:          dialer,
		ClientName:      cfg.Client.Name,
		ClientVersion:   buildinfo.Version,
		CallTimeout:     cfg.Client.CallTimeout,
		SlowCallTimeout: cfg.Client.SlowCallTimeout,
		SlowTools:       slow,
		Reconnect:       cfg.Reconnect.Backoff(),
		ConnectTimeout:  cfg.Client.ConnectTimeout,
		Logger:          logger.With("component", "session"),
		Bus:             bus,
	})

	return &app{
		cfg:    cfg,
		logger: logger,
		bus:    bus,
		client: client,
		bridge: tokenbridge.New(client, logger.With("component", "tokenbridge")),
	}, nil
}

// start opens the call journal, starts the status mirror when withMQTT
// is set and MQTT is configured, applies the initial credential, and
// returns once the session is Ready. Background work (credential
// watching, journaling, mirroring) runs until close.
func (a *app) start(ctx context.Context, withMQTT bool) error {
	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.bgCancel = cancel

	a.openCallLog(bgCtx)
	if withMQTT && a.cfg.MQTT.Configured() {
		if err := a.startPublisher(bgCtx); err != nil {
			a.logger.Warn("mqtt status mirror disabled", "error", err)
		}
	}

	connectCtx, connectCancel := context.WithTimeout(ctx, a.cfg.Client.ConnectTimeout)
	defer connectCancel()

	src, initial, err := a.credentialSource(connectCtx)
	if err != nil {
		return err
	}
	if initial == "" {
		// Connect reports the missing credential.
		return a.client.Connect(connectCtx)
	}
	if err := a.bridge.Push(connectCtx, initial); err != nil {
		return err
	}

	if src != nil {
		a.goBackground(func() {
			if err := a.bridge.Run(bgCtx, src); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("credential source stopped", "error", err)
			}
		})
	}
	return nil
}

// credentialSource returns the configured token source (nil for a
// static token) together with the token to connect with right away.
func (a *app) credentialSource(ctx context.Context) (tokenbridge.Source, string, error) {
	peer := a.cfg.Peer
	switch {
	case peer.TokenFile != "":
		src := &tokenbridge.FileSource{Path: peer.TokenFile, Logger: a.logger}
		tok, err := src.Read()
		if err != nil {
			return nil, "", err
		}
		return src, tok, nil

	case peer.OAuth.Configured():
		// The token source caches, so the background watcher reuses
		// the token fetched here.
		ts := tokenbridge.ClientCredentials(context.WithoutCancel(ctx),
			peer.OAuth.TokenURL, peer.OAuth.ClientID, peer.OAuth.ClientSecret, peer.OAuth.Scopes,
			peer.OAuth.RefreshMargin)
		tok, err := ts.Token()
		if err != nil {
			return nil, "", fmt.Errorf("fetch oauth token: %w", err)
		}
		src := &tokenbridge.OAuthSource{
			TokenSource:   ts,
			RefreshMargin: peer.OAuth.RefreshMargin,
			Logger:        a.logger,
		}
		return src, tok.AccessToken, nil

	default:
		return nil, peer.Token, nil
	}
}

// openCallLog starts journaling tool calls. A journal that cannot be
// opened is logged and skipped; calls still work without it.
func (a *app) openCallLog(ctx context.Context) {
	store, err := openCallLog(a.cfg)
	if err != nil {
		a.logger.Warn("call log disabled", "error", err)
		return
	}
	a.calls = store

	rec := calllog.NewRecorder(store, a.bus, a.logger.With("component", "calllog"))
	a.goBackground(func() { rec.Run(ctx) })
}

// openCallLog opens the journal under the data directory.
func openCallLog(cfg *config.Config) (*calllog.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return calllog.Open(cfg.CallLogPath())
}

func (a *app) startPublisher(ctx context.Context) error {
	instanceID, err := mqtt.LoadOrCreateInstanceID(a.cfg.DataDir)
	if err != nil {
		return err
	}
	a.publisher = mqtt.NewStatusPublisher(a.cfg.MQTT, instanceID, a.client, a.bus,
		a.logger.With("component", "mqtt"))
	a.goBackground(func() {
		if err := a.publisher.Start(ctx); err != nil {
			a.logger.Error("mqtt status mirror failed", "error", err)
		}
	})
	return nil
}

func (a *app) goBackground(fn func()) {
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		fn()
	}()
}

// close disconnects the session, stops background work, and waits for
// the call journal to flush.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.client.Disconnect(ctx); err != nil {
		a.logger.Warn("disconnect failed", "error", err)
	}
	if a.publisher != nil {
		if err := a.publisher.Stop(ctx); err != nil {
			a.logger.Debug("mqtt stop", "error", err)
		}
	}
	if a.bgCancel != nil {
		a.bgCancel()
	}
	a.bg.Wait()

	if a.calls != nil {
		if err := a.calls.Close(); err != nil {
			a.logger.Warn("close call log", "error", err)
		}
	}
}
