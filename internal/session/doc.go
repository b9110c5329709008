// Package session implements the persistent session client: a single
// authenticated connection to the journal backend over which concurrent
// tool invocations are multiplexed.
//
// A [Client] drives the connection through Disconnected, Connecting,
// Connected, Authenticating and Ready. Connect performs the handshake
// (authenticate, initialize, initialized, tools/list) and returns once
// the client is Ready. Tool calls are correlated with their responses
// by integer id through a pending call table; each call carries its own
// deadline. When the transport drops unexpectedly, every in-flight call
// fails with a connection-closed error and the client retries the
// connection on an exponential backoff schedule until it succeeds or
// the retry ceiling is reached.
//
// Lifecycle and domain events are published on an [events.Bus] in the
// order of the state changes that produced them. Handlers may call back
// into the client; events raised from a handler are delivered after it
// returns.
package session
