// Package tokenbridge delivers credential changes from the outside
// world to the session client. The client stays passive: a login,
// refresh or logout is pushed in as an explicit signal rather than
// discovered by the client itself.
//
// A [Bridge] turns a stream of bearer tokens into calls on a [Sink]: a
// non-empty token after none is a login (set the token, connect), a
// different token while connected is a refresh (set the token, which
// re-authenticates the live session), and an empty token is a logout
// (disconnect). Sources such as [FileSource] and [OAuthSource] produce
// the stream.
package tokenbridge

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Sink is the credential consumer. *session.Client satisfies it.
type Sink interface {
	SetToken(token string)
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsReady() bool
}

// PushFunc receives each new token from a source.
type PushFunc func(ctx context.Context, token string) error

// Source produces tokens until ctx is cancelled.
type Source interface {
	Watch(ctx context.Context, push PushFunc) error
}

// Bridge applies credential changes to a Sink.
type Bridge struct {
	sink   Sink
	logger *slog.Logger

	mu   sync.Mutex
	last string
}

// New creates a bridge for sink.
func New(sink Sink, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{sink: sink, logger: logger}
}

// Push applies one credential change. It returns the error from
// Connect or Disconnect, if any.
func (b *Bridge) Push(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)

	b.mu.Lock()
	prev := b.last
	b.last = token
	b.mu.Unlock()

	ready := b.sink.IsReady()

	if token == "" {
		b.sink.SetToken("")
		if prev == "" && !ready {
			return nil
		}
		b.logger.Info("credential revoked, disconnecting")
		return b.sink.Disconnect(ctx)
	}

	if token == prev && ready {
		return nil
	}

	b.sink.SetToken(token)
	if ready {
		b.logger.Info("credential refreshed")
		return nil
	}

	b.logger.Info("credential available, connecting")
	return b.sink.Connect(ctx)
}

// Run feeds src into the bridge until ctx is cancelled. Errors from
// individual pushes are logged; only a source failure is returned.
func (b *Bridge) Run(ctx context.Context, src Source) error {
	return src.Watch(ctx, func(ctx context.Context, token string) error {
		if err := b.Push(ctx, token); err != nil {
			b.logger.Warn("apply credential change failed", "error", err)
			return err
		}
		return nil
	})
}
