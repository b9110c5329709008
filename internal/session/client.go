package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nugget/tether/internal/buildinfo"
	"github.com/nugget/tether/internal/connwatch"
	"github.com/nugget/tether/internal/events"
	"github.com/nugget/tether/internal/transport"
	"github.com/nugget/tether/internal/wire"
)

// levelTrace matches config.LevelTrace; wire frames are logged at it.
const levelTrace = slog.Level(-8)

// DefaultSlowTools matches tool names backed by long-running AI work.
var DefaultSlowTools = regexp.MustCompile(`(?i)(^ai[_-]|summar|generate|analy[sz]e)`)

// Config holds the settings for a Client.
type Config struct {
	// Dialer opens the transport. Required.
	Dialer transport.Dialer

	// ClientName and ClientVersion identify this client in the
	// initialize request (defaults: "tether", buildinfo.Version).
	ClientName    string
	ClientVersion string

	// CallTimeout bounds ordinary requests (default: 30s).
	CallTimeout time.Duration

	// SlowCallTimeout bounds tool calls whose name matches SlowTools
	// (default: 120s).
	SlowCallTimeout time.Duration

	// SlowTools selects tools that get SlowCallTimeout (default:
	// DefaultSlowTools).
	SlowTools *regexp.Regexp

	// Reconnect controls the automatic reconnection schedule.
	Reconnect connwatch.BackoffConfig

	// ConnectTimeout bounds each automatic reconnect attempt
	// (default: 30s).
	ConnectTimeout time.Duration

	// Logger receives client logs (default: slog.Default()).
	Logger *slog.Logger

	// Bus receives client events. A private bus is created when nil.
	Bus *events.Bus
}

func (c Config) withDefaults() Config {
	if c.ClientName == "" {
		c.ClientName = "tether"
	}
	if c.ClientVersion == "" {
		c.ClientVersion = buildinfo.Version
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.SlowCallTimeout <= 0 {
		c.SlowCallTimeout = 120 * time.Second
	}
	if c.SlowTools == nil {
		c.SlowTools = DefaultSlowTools
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Client is the session client. Create one with New; the zero value
// is not usable. All methods are safe for concurrent use.
type Client struct {
	cfg    Config
	logger *slog.Logger
	bus    *events.Bus
	sched  *connwatch.Scheduler

	mu        sync.Mutex
	state     State
	token     string
	sessionID string
	conn      transport.Conn
	// gen identifies the current connection. It is bumped whenever
	// the client tears a connection down so that late callbacks from
	// the old one are ignored.
	gen     uint64
	nextID  int64
	pending *pendingTable
	tools   []ToolDescriptor
	// autoReconnect is cleared by Disconnect and set again by Connect.
	autoReconnect bool

	// queue holds events waiting for flush; delivering is set while a
	// goroutine is publishing them.
	queue      []events.Event
	delivering bool
}

// New creates a disconnected client.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	bus := cfg.Bus
	if bus == nil {
		bus = events.New(cfg.Logger)
	}
	return &Client{
		cfg:           cfg,
		logger:        cfg.Logger,
		bus:           bus,
		sched:         connwatch.NewScheduler(cfg.Reconnect, cfg.Logger),
		pending:       newPendingTable(),
		autoReconnect: true,
	}
}

// SetToken replaces the bearer credential used by the next Connect. An
// accidental "Bearer " prefix and surrounding whitespace are stripped.
// When the client is Ready and token is non-empty, a courtesy
// authenticate notification is sent on the live connection; failure
// to send it is logged and otherwise ignored.
func (c *Client) SetToken(token string) {
	token = normalizeToken(token)

	c.mu.Lock()
	c.token = token
	ready := c.state == StateReady
	conn := c.conn
	c.mu.Unlock()

	c.logger.Debug("credential updated", "token", fingerprint(token))

	if ready && token != "" && conn != nil {
		if err := c.notify(conn, wire.MethodAuthenticate, authenticateParams{Token: token}); err != nil {
			c.logger.Warn("re-authentication failed", "error", err)
		}
	}
}

// Connect opens the transport, performs the handshake and returns once
// the client is Ready. It returns nil immediately if already Ready. A
// manual Connect that fails to dial or is rejected during the
// handshake does not schedule automatic retries; call it again. Once
// the transport is open, losing it does trigger automatic reconnection.
func (c *Client) Connect(ctx context.Context) error {
	c.sched.Cancel()
	c.mu.Lock()
	c.autoReconnect = true
	c.mu.Unlock()
	return c.connect(ctx, false)
}

// connect runs one connection attempt. When retry is true, a failure
// schedules the next reconnect attempt.
func (c *Client) connect(ctx context.Context, retry bool) error {
	c.mu.Lock()
	if retry && !c.autoReconnect {
		c.mu.Unlock()
		c.logger.Debug("reconnect attempt skipped after disconnect")
		return nil
	}
	switch c.state {
	case StateReady:
		c.mu.Unlock()
		return nil
	case StateDisconnected:
	default:
		c.mu.Unlock()
		return ErrConnectInProgress
	}

	token := c.token
	if token == "" {
		err := &Error{Kind: KindAuthRequired, Op: "connect"}
		c.enqueueLocked(errorEvent("connect", err, nil))
		if retry {
			c.scheduleReconnectLocked()
		}
		c.mu.Unlock()
		c.flush()
		return err
	}

	c.gen++
	gen := c.gen
	c.transitionLocked(StateConnecting)
	c.mu.Unlock()
	c.flush()

	c.logger.Info("connecting to peer", "token", fingerprint(token), "retry", retry)

	conn, err := c.cfg.Dialer.Dial(ctx, token)
	if err != nil {
		return c.failConnect(gen, &Error{Kind: KindTransport, Op: "connect", Err: err}, retry)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		conn.Close()
		return c.failConnect(gen, &Error{Kind: KindConnectionClosed, Op: "connect", Message: "disconnected while dialing"}, retry)
	}
	c.conn = conn
	c.transitionLocked(StateConnected)
	c.mu.Unlock()
	c.flush()

	go c.readLoop(gen, conn)

	if err := c.handshake(ctx, gen, conn, token); err != nil {
		return c.failConnect(gen, err, retry)
	}
	return nil
}

// failConnect tears down the attempt identified by gen, publishes the
// failure and returns err. When the attempt was already torn down by
// Disconnect or connectionLost, those paths own the teardown and the
// reconnect decision.
func (c *Client) failConnect(gen uint64, err error, retry bool) error {
	c.mu.Lock()
	var conn transport.Conn
	var calls []*pendingCall
	owned := c.gen == gen
	if owned {
		conn = c.conn
		c.gen++
		c.conn = nil
		c.sessionID = ""
		c.tools = nil
		calls = c.pending.takeAll()
		c.transitionLocked(StateDisconnected)
		c.enqueueLocked(readyEvent(false, ""))
	}
	c.enqueueLocked(errorEvent("connect", err, nil))
	if owned && retry && c.autoReconnect {
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.rejectAll(calls)
	c.logger.Warn("connect failed", "error", err)
	c.flush()
	return err
}

// Disconnect closes the connection and suppresses automatic
// reconnection until the next Connect. When Ready, a shutdown
// notification is sent first on a best-effort basis. Pending calls
// fail with a connection-closed error.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.autoReconnect = false
	c.sched.Cancel()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	wasReady := c.state == StateReady
	conn := c.conn
	c.gen++
	c.conn = nil
	c.sessionID = ""
	hadTools := len(c.tools) > 0
	c.tools = nil
	calls := c.pending.takeAll()
	c.transitionLocked(StateDisconnected)
	if wasReady {
		c.enqueueLocked(readyEvent(false, ""))
	}
	if hadTools {
		c.enqueueLocked(toolsUpdatedEvent(nil))
	}
	c.mu.Unlock()

	if conn != nil {
		if wasReady && ctx.Err() == nil {
			if err := c.notify(conn, wire.MethodShutdown, nil); err != nil {
				c.logger.Debug("shutdown notification not sent", "error", err)
			}
		}
		if err := conn.Close(); err != nil {
			c.logger.Debug("close transport", "error", err)
		}
	}

	c.rejectAll(calls)
	c.flush()

	c.logger.Info("disconnected from peer", "rejected_calls", len(calls))
	return nil
}

// Status returns a snapshot of the session.
func (c *Client) Status() Status {
	attempt := c.sched.Attempt()

	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:            c.state,
		StateName:        c.state.String(),
		SessionID:        c.sessionID,
		Ready:            c.state == StateReady,
		Tools:            len(c.tools),
		ReconnectAttempt: attempt,
	}
}

// IsReady reports whether tool calls are currently accepted.
func (c *Client) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateReady
}

// On subscribes fn to events of the given kind (or events.KindAny).
func (c *Client) On(kind string, fn events.Handler) events.Subscription {
	return c.bus.On(kind, fn)
}

// Off removes a subscription made with On.
func (c *Client) Off(sub events.Subscription) {
	c.bus.Off(sub)
}

// Events returns the bus the client publishes on.
func (c *Client) Events() *events.Bus {
	return c.bus
}

// readLoop delivers inbound frames for one connection until it ends.
func (c *Client) readLoop(gen uint64, conn transport.Conn) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			c.connectionLost(gen, err)
			return
		}
		c.logger.Log(context.Background(), levelTrace, "frame received", "frame", string(frame))

		msg, err := wire.Decode(frame)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			var de *wire.DecodeError
			if errors.As(err, &de) && de.ResponseID != nil {
				c.failResponse(*de.ResponseID, de.Reason)
			}
			c.publishError("read", &Error{Kind: KindProtocol, Op: "read", Err: err}, nil)
			continue
		}

		switch msg.Kind() {
		case wire.KindResponse:
			c.handleResponse(msg)
		case wire.KindNotification:
			c.handleNotification(msg)
		case wire.KindRequest:
			c.handleRequest(conn, msg)
		}
	}
}

// connectionLost handles the end of a read loop. Closures the client
// initiated itself have already bumped gen and are ignored here. The
// read loop only runs once the transport is open, so the state is
// Connected, Authenticating or Ready and every such loss reconnects
// unless Disconnect was called.
func (c *Client) connectionLost(gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	prev := c.state
	conn := c.conn
	c.gen++
	c.conn = nil
	c.sessionID = ""
	hadTools := len(c.tools) > 0
	c.tools = nil
	calls := c.pending.takeAll()
	c.transitionLocked(StateDisconnected)
	c.enqueueLocked(readyEvent(false, ""))
	if hadTools {
		c.enqueueLocked(toolsUpdatedEvent(nil))
	}
	if c.autoReconnect {
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()

	if errors.Is(cause, transport.ErrClosed) {
		c.logger.Warn("peer closed the connection", "state", prev.String(), "pending_calls", len(calls))
	} else {
		c.logger.Warn("connection lost", "state", prev.String(), "error", cause, "pending_calls", len(calls))
	}

	if conn != nil {
		conn.Close()
	}
	c.rejectAll(calls)
	c.flush()
}

// scheduleReconnectLocked arms the next reconnect attempt, or announces
// that the retry ceiling was reached. Caller must hold c.mu so the
// schedule cannot interleave with a concurrent Ready or Disconnect.
func (c *Client) scheduleReconnectLocked() {
	attempt, delay, ok := c.sched.Next(c.reconnect)
	if !ok {
		err := &Error{
			Kind:    KindReconnectExhausted,
			Op:      "reconnect",
			Message: fmt.Sprintf("gave up after %d attempts", attempt),
		}
		c.logger.Error("reconnect attempts exhausted", "attempts", attempt)
		c.enqueueLocked(
			events.Event{
				Kind: events.KindReconnectExhausted,
				Data: map[string]any{"attempts": attempt},
				Err:  err,
			},
			errorEvent("reconnect", err, nil),
		)
		return
	}

	c.logger.Info("reconnect scheduled", "attempt", attempt, "delay", delay.String())
	c.enqueueLocked(events.Event{
		Kind: events.KindReconnecting,
		Data: map[string]any{"attempt": attempt, "delay_ms": delay.Milliseconds()},
	})
}

// reconnect is the scheduler callback for one attempt.
func (c *Client) reconnect(attempt int) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()

	if err := c.connect(ctx, true); err != nil {
		c.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
	}
}

// transitionLocked sets the state and queues the statusChange event.
// Caller must hold c.mu and call flush after releasing it.
func (c *Client) transitionLocked(next State) {
	prev := c.state
	if prev == next {
		return
	}
	c.state = next
	c.logger.Debug("session state changed", "from", prev.String(), "to", next.String())
	c.enqueueLocked(events.Event{
		Kind: events.KindStatusChange,
		Data: map[string]any{"status": next.String(), "previous": prev.String()},
	})
}

// rejectAll fails every call with a connection-closed error.
func (c *Client) rejectAll(calls []*pendingCall) {
	for _, pc := range calls {
		pc.resolve(callResult{err: &Error{
			Kind: KindConnectionClosed,
			Op:   pc.method,
			Tool: pc.tool,
		}})
	}
}

// enqueueLocked queues events for delivery in the order the state
// changes behind them were made. Caller must hold c.mu.
func (c *Client) enqueueLocked(evs ...events.Event) {
	for _, e := range evs {
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now()
		}
		c.queue = append(c.queue, e)
	}
}

// flush publishes queued events. One goroutine delivers at a time; a
// caller that finds delivery in progress leaves its events to that
// goroutine, which also makes it safe for handlers to call back into
// the client.
func (c *Client) flush() {
	c.mu.Lock()
	if c.delivering {
		c.mu.Unlock()
		return
	}
	c.delivering = true
	for len(c.queue) > 0 {
		e := c.queue[0]
		c.queue[0] = events.Event{}
		c.queue = c.queue[1:]
		c.mu.Unlock()
		c.bus.Publish(e)
		c.mu.Lock()
	}
	c.queue = nil
	c.delivering = false
	c.mu.Unlock()
}

func (c *Client) emit(evs ...events.Event) {
	c.mu.Lock()
	c.enqueueLocked(evs...)
	c.mu.Unlock()
	c.flush()
}

// publishError broadcasts err on the error channel. extra is merged
// into the event data.
func (c *Client) publishError(op string, err error, extra map[string]any) {
	c.emit(errorEvent(op, err, extra))
}

func errorEvent(op string, err error, extra map[string]any) events.Event {
	data := map[string]any{"op": op, "kind": KindOf(err).String()}
	for k, v := range extra {
		data[k] = v
	}
	return events.Event{Kind: events.KindError, Data: data, Err: err}
}

func readyEvent(ready bool, sessionID string) events.Event {
	data := map[string]any{"ready": ready}
	if ready {
		data["session_id"] = sessionID
	}
	return events.Event{Kind: events.KindReady, Data: data}
}

// notify writes a notification on conn.
func (c *Client) notify(conn transport.Conn, method string, params any) error {
	frame, err := wire.Encode(wire.NewNotification(method, params))
	if err != nil {
		return &Error{Kind: KindProtocol, Op: method, Err: err}
	}
	c.logger.Log(context.Background(), levelTrace, "frame sent", "frame", redactFrame(method, frame))
	if err := conn.WriteFrame(frame); err != nil {
		return &Error{Kind: KindTransport, Op: method, Err: err}
	}
	return nil
}

// normalizeToken strips an accidental auth scheme prefix.
func normalizeToken(token string) string {
	token = strings.TrimSpace(token)
	if strings.EqualFold(token, "bearer") {
		return ""
	}
	if len(token) >= 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	return token
}

// fingerprint identifies a credential in logs without revealing it.
func fingerprint(token string) string {
	if token == "" {
		return "none"
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:4])
}

// redactFrame keeps credentials out of trace logs.
func redactFrame(method string, frame []byte) string {
	if method == wire.MethodAuthenticate {
		return `{"method":"authenticate","params":"[redacted]"}`
	}
	return string(frame)
}
