package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies a decoded inbound envelope.
type Kind int

const (
	// KindInvalid is the zero Kind; Decode never returns it without an error.
	KindInvalid Kind = iota
	// KindRequest is a peer-initiated call that expects a response.
	KindRequest
	// KindResponse answers a request previously sent by this side.
	KindResponse
	// KindNotification is a one-way message with no id.
	KindNotification
)

// String returns the lower-case kind name used in logs.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "invalid"
	}
}

// ErrMalformed is wrapped by every error returned from Decode.
var ErrMalformed = errors.New("malformed envelope")

// DecodeError reports a frame that parsed as JSON but is not a valid
// envelope. ResponseID is set when the frame looks like a response to
// a known request id, so the caller can fail that request.
type DecodeError struct {
	ResponseID *int64
	Reason     string
}

func (e *DecodeError) Error() string {
	return ErrMalformed.Error() + ": " + e.Reason
}

func (e *DecodeError) Unwrap() error { return ErrMalformed }

// Message is an inbound envelope decoded without knowing its kind in
// advance. ID is nil for notifications.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Kind reports which of the three envelope shapes m has.
func (m *Message) Kind() Kind {
	switch {
	case m.ID != nil && m.Method != "":
		return KindRequest
	case m.ID != nil:
		return KindResponse
	case m.Method != "":
		return KindNotification
	default:
		return KindInvalid
	}
}

// Response converts a response-kind message to a Response.
func (m *Message) Response() *Response {
	resp := &Response{JSONRPC: m.JSONRPC, Result: m.Result, Error: m.Error}
	if m.ID != nil {
		resp.ID = *m.ID
	}
	return resp
}

// Decode parses a single frame. Leading and trailing whitespace
// (including the line terminator on stdio) is ignored. Frames that are
// not JSON objects, carry the wrong protocol version, or match none of
// the three envelope shapes are rejected with an error wrapping
// ErrMalformed.
func Decode(frame []byte) (*Message, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformed)
	}

	var m Message
	if err := json.Unmarshal(frame, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.JSONRPC != Version {
		return nil, m.decodeError(fmt.Sprintf("jsonrpc version %q", m.JSONRPC))
	}

	switch m.Kind() {
	case KindInvalid:
		return nil, fmt.Errorf("%w: neither id nor method present", ErrMalformed)
	case KindResponse:
		if m.Error == nil && m.Result == nil {
			return nil, m.decodeError(fmt.Sprintf("response %d has neither result nor error", *m.ID))
		}
	}
	return &m, nil
}

func (m *Message) decodeError(reason string) *DecodeError {
	e := &DecodeError{Reason: reason}
	if m.Kind() == KindResponse {
		e.ResponseID = m.ID
	}
	return e
}

// Encode marshals an envelope to a single-line frame without a trailing
// newline. Line-oriented transports append their own terminator.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}
