package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/nugget/tether/internal/connwatch"
	"github.com/nugget/tether/internal/events"
	"github.com/nugget/tether/internal/transport"
	"github.com/nugget/tether/internal/wire"
)

// fakeConn is an in-memory transport.Conn. Frames written by the
// client land on out; frames queued on in are returned by ReadFrame.
type fakeConn struct {
	in        chan []byte
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	err       error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return nil, c.err
	}
}

func (c *fakeConn) WriteFrame(frame []byte) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}
	c.out <- append([]byte(nil), frame...)
	return nil
}

func (c *fakeConn) Close() error {
	c.fail(transport.ErrClosed)
	return nil
}

// fail ends the connection; ReadFrame returns err from then on.
func (c *fakeConn) fail(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.closed)
	})
}

// callHandler answers a tools/call. Returning reply == false leaves the
// call unanswered.
type callHandler func(id int64, name string, args json.RawMessage) (result any, rpcErr *wire.RPCError, reply bool)

// fakePeer is a transport.Dialer that serves the session protocol on
// in-memory connections.
type fakePeer struct {
	t *testing.T

	mu             sync.Mutex
	tools          []ToolDescriptor
	sessionID      string
	onCall         callHandler
	// onRequest sees every request before it is answered. Returning
	// false leaves the request unanswered.
	onRequest      func(conn *fakeConn, method string) bool
	initializeErr  *wire.RPCError
	dialErr        error
	dials          int
	tokens         []string
	conns          []*fakeConn
	received       []*wire.Message
	receivedSignal chan struct{}
}

func newFakePeer(t *testing.T) *fakePeer {
	return &fakePeer{
		t:         t,
		sessionID: "sess-1",
		tools: []ToolDescriptor{
			{Name: "list_entries", Description: "List journal entries", InputSchema: json.RawMessage(`{"type":"object"}`)},
			{Name: "create_entry", Description: "Create a journal entry", InputSchema: json.RawMessage(`{"type":"object"}`)},
			{Name: "ai_summarize", Description: "Summarize entries", InputSchema: json.RawMessage(`{"type":"object"}`)},
		},
		onCall: func(_ int64, name string, args json.RawMessage) (any, *wire.RPCError, bool) {
			return textResult(string(args)), nil, true
		},
		receivedSignal: make(chan struct{}, 1024),
	}
}

func (p *fakePeer) Dial(_ context.Context, token string) (transport.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dials++
	p.tokens = append(p.tokens, token)
	if p.dialErr != nil {
		return nil, p.dialErr
	}
	conn := newFakeConn()
	p.conns = append(p.conns, conn)
	go p.serve(conn)
	return conn, nil
}

func (p *fakePeer) serve(conn *fakeConn) {
	for {
		select {
		case frame := <-conn.out:
			p.handle(conn, frame)
		case <-conn.closed:
			// Drain anything written before close, such as a
			// shutdown notification.
			for {
				select {
				case frame := <-conn.out:
					p.handle(conn, frame)
				default:
					return
				}
			}
		}
	}
}

func (p *fakePeer) handle(conn *fakeConn, frame []byte) {
	msg, err := wire.Decode(frame)
	if err != nil {
		p.t.Errorf("peer received malformed frame %q: %v", frame, err)
		return
	}

	p.mu.Lock()
	p.received = append(p.received, msg)
	tools := append([]ToolDescriptor(nil), p.tools...)
	sessionID := p.sessionID
	initErr := p.initializeErr
	onCall := p.onCall
	onRequest := p.onRequest
	p.mu.Unlock()
	select {
	case p.receivedSignal <- struct{}{}:
	default:
	}

	if msg.Kind() != wire.KindRequest {
		return
	}
	id := *msg.ID
	if onRequest != nil && !onRequest(conn, msg.Method) {
		return
	}

	switch msg.Method {
	case wire.MethodInitialize:
		if initErr != nil {
			p.send(conn, &wire.Response{JSONRPC: wire.Version, ID: id, Error: initErr})
			return
		}
		p.reply(conn, id, map[string]any{
			"protocolVersion": ProtocolVersion,
			"serverInfo":      map[string]any{"name": "fake-peer", "version": "0.0.1"},
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"sessionId":       sessionID,
		})
	case wire.MethodToolsList:
		p.reply(conn, id, map[string]any{"tools": tools})
	case wire.MethodToolsCall:
		var params struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			p.t.Errorf("bad tools/call params: %v", err)
			return
		}
		result, rpcErr, ok := onCall(id, params.Name, params.Arguments)
		if !ok {
			return
		}
		if rpcErr != nil {
			p.send(conn, &wire.Response{JSONRPC: wire.Version, ID: id, Error: rpcErr})
			return
		}
		p.reply(conn, id, result)
	default:
		p.send(conn, wire.NewErrorResponse(id, wire.CodeMethodNotFound, "method not found"))
	}
}

func (p *fakePeer) reply(conn *fakeConn, id int64, result any) {
	resp, err := wire.NewResult(id, result)
	if err != nil {
		p.t.Errorf("NewResult: %v", err)
		return
	}
	p.send(conn, resp)
}

func (p *fakePeer) send(conn *fakeConn, v any) {
	frame, err := wire.Encode(v)
	if err != nil {
		p.t.Errorf("Encode: %v", err)
		return
	}
	p.sendRaw(conn, frame)
}

func (p *fakePeer) sendRaw(conn *fakeConn, frame []byte) {
	select {
	case conn.in <- frame:
	case <-conn.closed:
	}
}

// conn returns the most recent connection.
func (p *fakePeer) conn() *fakeConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.conns) == 0 {
		p.t.Fatal("no connection dialed")
	}
	return p.conns[len(p.conns)-1]
}

// drop kills the current connection abnormally.
func (p *fakePeer) drop() {
	p.conn().fail(io.ErrUnexpectedEOF)
}

func (p *fakePeer) setDialErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialErr = err
}

func (p *fakePeer) setOnRequest(h func(conn *fakeConn, method string) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRequest = h
}

func (p *fakePeer) setOnCall(h callHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCall = h
}

func (p *fakePeer) dialCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dials
}

// methods returns the methods of every message the peer received, in
// order.
func (p *fakePeer) methods() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.received))
	for _, m := range p.received {
		out = append(out, m.Method)
	}
	return out
}

// messages returns received messages with the given method.
func (p *fakePeer) messages(method string) []*wire.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*wire.Message
	for _, m := range p.received {
		if m.Method == method {
			out = append(out, m)
		}
	}
	return out
}

// waitMessages blocks until at least n messages with method arrived.
func (p *fakePeer) waitMessages(method string, n int) []*wire.Message {
	p.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if msgs := p.messages(method); len(msgs) >= n {
			return msgs
		}
		select {
		case <-p.receivedSignal:
		case <-deadline:
			p.t.Fatalf("timed out waiting for %d %q messages, have %v", n, method, p.methods())
			return nil
		}
	}
}

func textResult(text string) map[string]any {
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
	}
}

// newTestClient builds a client wired to peer with fast timeouts and a
// reconnect schedule that does not fire during the test unless
// overridden.
func newTestClient(t *testing.T, peer *fakePeer, mutate func(*Config)) (*Client, <-chan events.Event) {
	t.Helper()
	cfg := Config{
		Dialer:          peer,
		CallTimeout:     2 * time.Second,
		SlowCallTimeout: 4 * time.Second,
		Reconnect: connwatch.BackoffConfig{
			InitialDelay: time.Hour,
			MaxDelay:     time.Hour,
			MaxRetries:   5,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c := New(cfg)
	ch := c.Events().Subscribe(1024)
	t.Cleanup(func() {
		_ = c.Disconnect(context.Background())
		c.Events().Unsubscribe(ch)
	})
	return c, ch
}

func connectReady(t *testing.T, c *Client) {
	t.Helper()
	c.SetToken("test-token")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

// waitEvent returns the next event of kind from ch, skipping others.
func waitEvent(t *testing.T, ch <-chan events.Event, kind string) events.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", kind)
			return events.Event{}
		}
	}
}

// noEvent fails if an event of kind shows up within d.
func noEvent(t *testing.T, ch <-chan events.Event, kind string, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case e := <-ch:
			if e.Kind == kind {
				t.Fatalf("unexpected %q event: %v", kind, e.Data)
			}
		case <-deadline:
			return
		}
	}
}

func wantKind(t *testing.T, err error, want Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("err = nil, want kind %s", want)
	}
	if got := KindOf(err); got != want {
		t.Fatalf("KindOf(%v) = %s, want %s", err, got, want)
	}
	var se *Error
	if !errors.As(err, &se) {
		t.Fatalf("error %T is not *Error", err)
	}
}
