package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a session [Error].
type Kind int

const (
	KindUnknown Kind = iota
	// KindAuthRequired: Connect was called without a credential.
	KindAuthRequired
	// KindNotReady: a call was attempted outside the Ready state.
	KindNotReady
	// KindTransport: the socket or subprocess failed.
	KindTransport
	// KindProtocol: the peer sent a malformed or unexpected envelope.
	KindProtocol
	// KindPeer: the peer answered with a well-formed error.
	KindPeer
	// KindTimeout: no response arrived within the call's deadline.
	KindTimeout
	// KindReconnectExhausted: automatic reconnection gave up.
	KindReconnectExhausted
	// KindConnectionClosed: the connection went away while the call
	// was in flight.
	KindConnectionClosed
)

// String returns the kind name recorded in events and the call log.
func (k Kind) String() string {
	switch k {
	case KindAuthRequired:
		return "auth_required"
	case KindNotReady:
		return "not_ready"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindPeer:
		return "peer"
	case KindTimeout:
		return "timeout"
	case KindReconnectExhausted:
		return "reconnect_exhausted"
	case KindConnectionClosed:
		return "connection_closed"
	default:
		return "unknown"
	}
}

// Error is the error type returned by every [Client] operation other
// than context cancellation.
type Error struct {
	Kind Kind
	// Op is the operation or wire method that failed.
	Op string
	// Tool names the tool for tools/call failures.
	Tool string
	// State is the connection state at the time of a NotReady failure.
	State State
	// Code, Message and Data carry the peer's error object for
	// KindPeer. Message is also used as free-form detail for other
	// kinds.
	Code    int
	Message string
	Data    json.RawMessage
	// Err is the underlying cause, if any.
	Err error
}

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrAuthRequired       = &Error{Kind: KindAuthRequired}
	ErrNotReady           = &Error{Kind: KindNotReady}
	ErrTransport          = &Error{Kind: KindTransport}
	ErrProtocol           = &Error{Kind: KindProtocol}
	ErrPeer               = &Error{Kind: KindPeer}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrReconnectExhausted = &Error{Kind: KindReconnectExhausted}
	ErrConnectionClosed   = &Error{Kind: KindConnectionClosed}
)

// ErrConnectInProgress is returned by Connect while another connect
// attempt is still running.
var ErrConnectInProgress = errors.New("session: connect already in progress")

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("session: ")
	if e.Op != "" {
		b.WriteString(e.Op)
		if e.Tool != "" {
			b.WriteString(" ")
			b.WriteString(e.Tool)
		}
		b.WriteString(": ")
	}

	switch e.Kind {
	case KindNotReady:
		fmt.Fprintf(&b, "not ready (state %s)", e.State)
	case KindPeer:
		if e.Code != 0 {
			fmt.Fprintf(&b, "peer error %d", e.Code)
		} else {
			b.WriteString("peer error")
		}
	case KindAuthRequired:
		b.WriteString("credential required")
	default:
		b.WriteString(strings.ReplaceAll(e.Kind.String(), "_", " "))
	}

	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindUnknown.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}
