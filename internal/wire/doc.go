// Package wire implements the JSON-RPC 2.0 envelope spoken between the
// session client and its peer. Every message is a single JSON object on
// one line: a request (id + method), a response (id + result or error),
// or a notification (method, no id).
//
// The codec is transport-agnostic. WebSocket transports carry one
// envelope per text message; stdio transports carry one envelope per
// newline-terminated line.
package wire
