// Package transport provides the framed, bidirectional connections the
// session client runs over. A Dialer opens a Conn carrying the bearer
// credential in its opening handshake; the Conn then moves opaque
// single-envelope frames in both directions until it is closed.
//
// Two implementations are provided: WebSocket (one text message per
// frame) and stdio (a subprocess speaking newline-delimited frames).
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by ReadFrame after the peer closed the
// connection normally, and by WriteFrame after Close.
var ErrClosed = errors.New("transport closed")

// Conn is a single open connection to the peer.
//
// ReadFrame is called from exactly one goroutine. WriteFrame and Close
// may be called concurrently with ReadFrame and with each other;
// implementations serialize writes.
type Conn interface {
	// ReadFrame blocks until the next frame arrives. It returns
	// ErrClosed (possibly wrapped) on normal closure and another error
	// on abnormal loss of the connection.
	ReadFrame() ([]byte, error)

	// WriteFrame sends one frame.
	WriteFrame(frame []byte) error

	// Close shuts the connection down gracefully. It is safe to call
	// more than once.
	Close() error
}

// Dialer opens connections to a configured peer.
type Dialer interface {
	// Dial opens a new connection, presenting token as the credential.
	Dial(ctx context.Context, token string) (Conn, error)
}
