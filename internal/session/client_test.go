package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/tether/internal/connwatch"
	"github.com/nugget/tether/internal/events"
	"github.com/nugget/tether/internal/wire"
)

// eventually polls cond until it holds or a deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitReady(t *testing.T, ch <-chan events.Event, want bool) events.Event {
	t.Helper()
	for {
		e := waitEvent(t, ch, events.KindReady)
		if ready, _ := e.Data["ready"].(bool); ready == want {
			return e
		}
	}
}

func pendingLen(c *Client) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.len()
}

func TestConnect_AuthRequired(t *testing.T) {
	peer := newFakePeer(t)
	c, ch := newTestClient(t, peer, nil)

	err := c.Connect(context.Background())
	if !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("Connect() error = %v, want ErrAuthRequired", err)
	}
	if n := peer.dialCount(); n != 0 {
		t.Errorf("dials = %d, want 0", n)
	}
	if st := c.Status(); st.State != StateDisconnected {
		t.Errorf("state = %s, want disconnected", st.State)
	}

	e := waitEvent(t, ch, events.KindError)
	if kind, _ := e.Data["kind"].(string); kind != "auth_required" {
		t.Errorf("error event kind = %q, want auth_required", kind)
	}
}

func TestConnect_BlankTokenAfterTrim(t *testing.T) {
	peer := newFakePeer(t)
	c, _ := newTestClient(t, peer, nil)

	c.SetToken("  Bearer   ")
	if err := c.Connect(context.Background()); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("Connect() error = %v, want ErrAuthRequired", err)
	}
	if n := peer.dialCount(); n != 0 {
		t.Errorf("dials = %d, want 0", n)
	}
}

func TestConnect_ListsCatalog(t *testing.T) {
	peer := newFakePeer(t)
	c, ch := newTestClient(t, peer, func(cfg *Config) {
		cfg.ClientName = "tether-test"
		cfg.ClientVersion = "9.9.9"
	})

	c.SetToken("Bearer secret-token ")
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if peer.tokens[0] != "secret-token" {
		t.Errorf("dial token = %q, want %q", peer.tokens[0], "secret-token")
	}

	want := []string{
		wire.MethodAuthenticate,
		wire.MethodInitialize,
		wire.MethodInitialized,
		wire.MethodToolsList,
	}
	peer.waitMessages(wire.MethodToolsList, 1)
	got := peer.methods()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("handshake = %v, want %v", got, want)
	}

	var auth authenticateParams
	if err := json.Unmarshal(peer.messages(wire.MethodAuthenticate)[0].Params, &auth); err != nil {
		t.Fatalf("unmarshal authenticate params: %v", err)
	}
	if auth.Token != "secret-token" {
		t.Errorf("authenticate token = %q", auth.Token)
	}

	var init initializeParams
	if err := json.Unmarshal(peer.messages(wire.MethodInitialize)[0].Params, &init); err != nil {
		t.Fatalf("unmarshal initialize params: %v", err)
	}
	if init.ProtocolVersion != ProtocolVersion {
		t.Errorf("protocolVersion = %q", init.ProtocolVersion)
	}
	if init.ClientInfo.Name != "tether-test" || init.ClientInfo.Version != "9.9.9" {
		t.Errorf("clientInfo = %+v", init.ClientInfo)
	}

	tools, err := c.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 3 {
		t.Fatalf("ListTools() returned %d tools, want 3", len(tools))
	}
	if tools[0].Name != "list_entries" {
		t.Errorf("tools[0].Name = %q", tools[0].Name)
	}

	st := c.Status()
	if st.State != StateReady || !st.Ready || !c.IsReady() {
		t.Errorf("status = %+v, want ready", st)
	}
	if st.SessionID != "sess-1" {
		t.Errorf("session id = %q, want sess-1", st.SessionID)
	}
	if st.Tools != 3 {
		t.Errorf("status tools = %d, want 3", st.Tools)
	}

	e := waitReady(t, ch, true)
	if id, _ := e.Data["session_id"].(string); id != "sess-1" {
		t.Errorf("ready event session_id = %q", id)
	}
}

func TestConnect_StateSequence(t *testing.T) {
	peer := newFakePeer(t)
	c, _ := newTestClient(t, peer, nil)

	var mu sync.Mutex
	var seen []string
	c.On(events.KindStatusChange, func(e events.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.Data["status"].(string))
	})

	connectReady(t, c)

	mu.Lock()
	defer mu.Unlock()
	want := "connecting,connected,authenticating,ready"
	if got := strings.Join(seen, ","); got != want {
		t.Errorf("states = %s, want %s", got, want)
	}
}

func TestConnect_AlreadyReady(t *testing.T) {
	peer := newFakePeer(t)
	c, _ := newTestClient(t, peer, nil)
	connectReady(t, c)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if n := peer.dialCount(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
}

func TestConnect_HandshakeRejected(t *testing.T) {
	peer := newFakePeer(t)
	peer.initializeErr = &wire.RPCError{Code: -32000, Message: "unsupported client"}
	c, ch := newTestClient(t, peer, nil)

	c.SetToken("tok")
	err := c.Connect(context.Background())
	wantKind(t, err, KindPeer)

	var se *Error
	errors.As(err, &se)
	if se.Code != -32000 || se.Message != "unsupported client" {
		t.Errorf("peer error = %d %q", se.Code, se.Message)
	}
	if c.Status().State != StateDisconnected {
		t.Errorf("state = %s, want disconnected", c.Status().State)
	}

	waitReady(t, ch, false)
	waitEvent(t, ch, events.KindError)
	noEvent(t, ch, events.KindReconnecting, 50*time.Millisecond)
}

func TestConnect_DialFailure(t *testing.T) {
	peer := newFakePeer(t)
	peer.setDialErr(errors.New("connection refused"))
	c, _ := newTestClient(t, peer, nil)

	c.SetToken("tok")
	err := c.Connect(context.Background())
	wantKind(t, err, KindTransport)
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("error = %v, want dial cause", err)
	}
	if c.sched.Pending() {
		t.Error("manual connect failure scheduled a reconnect")
	}
}

func TestCallTool_NotReadyWhileDisconnected(t *testing.T) {
	peer := newFakePeer(t)
	c, _ := newTestClient(t, peer, nil)

	_, err := c.CallTool(context.Background(), "x", map[string]any{})
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("CallTool() error = %v, want ErrNotReady", err)
	}
	var se *Error
	if !errors.As(err, &se) || se.State != StateDisconnected {
		t.Errorf("error state = %v, want disconnected", err)
	}
	if !strings.Contains(err.Error(), "disconnected") {
		t.Errorf("error %q does not name the state", err)
	}
	if n := peer.dialCount(); n != 0 {
		t.Errorf("dials = %d, want 0", n)
	}
	if n := pendingLen(c); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}

	if _, err := c.ListTools(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Errorf("ListTools() error = %v, want ErrNotReady", err)
	}
}

func TestCallTool_Results(t *testing.T) {
	peer := newFakePeer(t)
	peer.setOnCall(func(_ int64, name string, args json.RawMessage) (any, *wire.RPCError, bool) {
		switch name {
		case "structured":
			return textResult(`{"id":"e1","words":42}`), nil, true
		case "plain":
			return textResult("hello journal"), nil, true
		case "failing":
			return map[string]any{
				"content": []map[string]any{{"type": "text", "text": "entry not found"}},
				"isError": true,
			}, nil, true
		case "rpc_error":
			return nil, &wire.RPCError{Code: wire.CodeInvalidParams, Message: "missing id"}, true
		case "bare":
			return map[string]any{"count": 3}, nil, true
		}
		return nil, &wire.RPCError{Code: wire.CodeMethodNotFound, Message: "unknown tool"}, true
	})
	c, ch := newTestClient(t, peer, nil)
	connectReady(t, c)
	ctx := context.Background()

	got, err := c.CallTool(ctx, "structured", nil)
	if err != nil {
		t.Fatalf("structured: %v", err)
	}
	m, ok := got.(map[string]any)
	if !ok || m["id"] != "e1" || m["words"] != float64(42) {
		t.Errorf("structured result = %#v", got)
	}

	got, err = c.CallTool(ctx, "plain", nil)
	if err != nil {
		t.Fatalf("plain: %v", err)
	}
	if got != "hello journal" {
		t.Errorf("plain result = %#v", got)
	}

	got, err = c.CallTool(ctx, "bare", nil)
	if err != nil {
		t.Fatalf("bare: %v", err)
	}
	if m, ok := got.(map[string]any); !ok || m["count"] != float64(3) {
		t.Errorf("bare result = %#v", got)
	}

	_, err = c.CallTool(ctx, "failing", nil)
	wantKind(t, err, KindPeer)
	if !strings.Contains(err.Error(), "entry not found") {
		t.Errorf("failing error = %v", err)
	}

	_, err = c.CallTool(ctx, "rpc_error", nil)
	wantKind(t, err, KindPeer)
	var se *Error
	errors.As(err, &se)
	if se.Code != wire.CodeInvalidParams || se.Message != "missing id" || se.Tool != "rpc_error" {
		t.Errorf("rpc error = %+v", se)
	}

	// Failures are broadcast tagged with the tool.
	for {
		e := waitEvent(t, ch, events.KindError)
		if e.Data["tool"] == "failing" {
			break
		}
	}
}

func TestCallTool_ArgumentsFramed(t *testing.T) {
	peer := newFakePeer(t)
	c, _ := newTestClient(t, peer, nil)
	connectReady(t, c)

	got, err := c.CallTool(context.Background(), "create_entry", map[string]any{"title": "Monday"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	// The fake peer echoes the arguments back as text.
	if m, ok := got.(map[string]any); !ok || m["title"] != "Monday" {
		t.Errorf("echo = %#v", got)
	}

	calls := peer.messages(wire.MethodToolsCall)
	if len(calls) != 1 {
		t.Fatalf("tools/call frames = %d, want 1", len(calls))
	}
	var params toolCallParams
	if err := json.Unmarshal(calls[0].Params, &params); err != nil {
		t.Fatal(err)
	}
	if params.Name != "create_entry" {
		t.Errorf("name = %q", params.Name)
	}

	// nil arguments are sent as an empty object.
	if _, err := c.CallTool(context.Background(), "list_entries", nil); err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	raw := peer.messages(wire.MethodToolsCall)[1].Params
	if !strings.Contains(string(raw), `"arguments":{}`) {
		t.Errorf("params = %s, want empty arguments object", raw)
	}
}

func TestCallTool_PublishesToolCallEvent(t *testing.T) {
	peer := newFakePeer(t)
	c, ch := newTestClient(t, peer, nil)
	connectReady(t, c)

	if _, err := c.CallTool(context.Background(), "list_entries", nil); err != nil {
		t.Fatalf("CallTool: %v", err)
	}

	e := waitEvent(t, ch, events.KindToolCall)
	if e.Data["tool"] != "list_entries" || e.Data["ok"] != true || e.Data["session_id"] != "sess-1" {
		t.Errorf("toolCall data = %v", e.Data)
	}
	if _, ok := e.Data["duration_ms"].(int64); !ok {
		t.Errorf("duration_ms = %T, want int64", e.Data["duration_ms"])
	}
}

// A late reply to a timed-out call is dropped.
func TestCallTool_TimeoutDropsLateResponse(t *testing.T) {
	peer := newFakePeer(t)
	held := make(chan int64, 1)
	peer.setOnCall(func(id int64, name string, args json.RawMessage) (any, *wire.RPCError, bool) {
		if name == "stall" {
			held <- id
			return nil, nil, false
		}
		return textResult("ok"), nil, true
	})
	c, _ := newTestClient(t, peer, func(cfg *Config) {
		cfg.CallTimeout = 50 * time.Millisecond
	})
	connectReady(t, c)

	start := time.Now()
	_, err := c.CallTool(context.Background(), "stall", nil)
	wantKind(t, err, KindTimeout)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("errors.Is(err, ErrTimeout) = false")
	}
	if !strings.Contains(err.Error(), wire.MethodToolsCall) || !strings.Contains(err.Error(), "stall") {
		t.Errorf("timeout error %q does not name the method", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
	if n := pendingLen(c); n != 0 {
		t.Errorf("pending after timeout = %d, want 0", n)
	}

	id := <-held
	peer.reply(peer.conn(), id, textResult("late"))

	// The late response is dropped; the session keeps working.
	got, err := c.CallTool(context.Background(), "other", nil)
	if err != nil {
		t.Fatalf("CallTool after late response: %v", err)
	}
	if got != "ok" {
		t.Errorf("result = %#v, want ok", got)
	}
	if !c.IsReady() {
		t.Error("client left Ready after late response")
	}
}

func TestCallTool_SlowToolTimeout(t *testing.T) {
	c := New(Config{
		Dialer:          newFakePeer(t),
		CallTimeout:     time.Second,
		SlowCallTimeout: time.Minute,
	})

	tests := []struct {
		tool string
		want time.Duration
	}{
		{"ai_summarize", time.Minute},
		{"AI-generate", time.Minute},
		{"summarize_week", time.Minute},
		{"analyze_mood", time.Minute},
		{"list_entries", time.Second},
		{"create_entry", time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			if got := c.timeoutFor(tt.tool); got != tt.want {
				t.Errorf("timeoutFor(%q) = %s, want %s", tt.tool, got, tt.want)
			}
		})
	}
}

func TestCallTool_ContextCancel(t *testing.T) {
	peer := newFakePeer(t)
	peer.setOnCall(func(int64, string, json.RawMessage) (any, *wire.RPCError, bool) {
		return nil, nil, false
	})
	c, _ := newTestClient(t, peer, nil)
	connectReady(t, c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.CallTool(ctx, "list_entries", nil)
		done <- err
	}()

	peer.waitMessages(wire.MethodToolsCall, 1)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("CallTool did not return after cancel")
	}
	if n := pendingLen(c); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestCallTool_OutOfOrderResponses(t *testing.T) {
	const n = 20
	peer := newFakePeer(t)

	var mu sync.Mutex
	var held []int64
	heldArgs := map[int64]json.RawMessage{}
	peer.setOnCall(func(id int64, _ string, args json.RawMessage) (any, *wire.RPCError, bool) {
		mu.Lock()
		defer mu.Unlock()
		held = append(held, id)
		heldArgs[id] = args
		if len(held) < n {
			return nil, nil, false
		}
		conn := peer.conn()
		for i := len(held) - 1; i >= 0; i-- {
			peer.reply(conn, held[i], textResult(string(heldArgs[held[i]])))
		}
		return nil, nil, false
	})
	c, _ := newTestClient(t, peer, nil)
	connectReady(t, c)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.CallTool(context.Background(), "echo", map[string]any{"n": i})
			if err != nil {
				errs <- err
				return
			}
			m, ok := got.(map[string]any)
			if !ok || m["n"] != float64(i) {
				errs <- errors.New("mismatched response")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if n := pendingLen(c); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestUnknownResponseIgnored(t *testing.T) {
	peer := newFakePeer(t)
	c, _ := newTestClient(t, peer, nil)
	connectReady(t, c)

	peer.reply(peer.conn(), 9999, textResult("nobody asked"))
	peer.sendRaw(peer.conn(), []byte(`{"jsonrpc":"2.0","id":12345,"error":{"code":-1,"message":"stray"}}`))

	if _, err := c.CallTool(context.Background(), "list_entries", nil); err != nil {
		t.Fatalf("CallTool after stray responses: %v", err)
	}
	if !c.IsReady() {
		t.Error("client left Ready")
	}
}

func TestMalformedFrameIgnored(t *testing.T) {
	peer := newFakePeer(t)
	c, ch := newTestClient(t, peer, nil)
	connectReady(t, c)

	peer.sendRaw(peer.conn(), []byte(`this is not json`))

	e := waitEvent(t, ch, events.KindError)
	if e.Data["kind"] != "protocol" {
		t.Errorf("error kind = %v, want protocol", e.Data["kind"])
	}
	if _, err := c.CallTool(context.Background(), "list_entries", nil); err != nil {
		t.Fatalf("CallTool after malformed frame: %v", err)
	}
}

func TestConnectionLost_RejectsPendingAndReconnects(t *testing.T) {
	peer := newFakePeer(t)
	peer.setOnCall(func(int64, string, json.RawMessage) (any, *wire.RPCError, bool) {
		return nil, nil, false
	})
	c, ch := newTestClient(t, peer, func(cfg *Config) {
		cfg.Reconnect = connwatch.BackoffConfig{
			InitialDelay: time.Hour,
			MaxDelay:     2 * time.Hour,
			MaxRetries:   5,
		}
	})
	connectReady(t, c)

	errs := make(chan error, 2)
	for _, tool := range []string{"list_entries", "create_entry"} {
		go func() {
			_, err := c.CallTool(context.Background(), tool, nil)
			errs <- err
		}()
	}
	peer.waitMessages(wire.MethodToolsCall, 2)

	peer.drop()

	for range 2 {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrConnectionClosed) {
				t.Errorf("pending call error = %v, want ErrConnectionClosed", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("pending call did not reject")
		}
	}

	e := waitEvent(t, ch, events.KindReconnecting)
	if e.Data["attempt"] != 1 {
		t.Errorf("attempt = %v, want 1", e.Data["attempt"])
	}
	if e.Data["delay_ms"] != time.Hour.Milliseconds() {
		t.Errorf("delay_ms = %v, want base delay %d", e.Data["delay_ms"], time.Hour.Milliseconds())
	}

	if tools := c.Tools(); len(tools) != 0 {
		t.Errorf("tools after close = %d, want 0", len(tools))
	}
	st := c.Status()
	if st.State != StateDisconnected || st.Ready || st.SessionID != "" {
		t.Errorf("status after close = %+v", st)
	}
	if st.ReconnectAttempt != 1 || !c.sched.Pending() {
		t.Errorf("reconnect attempt = %d pending = %v", st.ReconnectAttempt, c.sched.Pending())
	}
	if n := pendingLen(c); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestReconnectRecovers(t *testing.T) {
	peer := newFakePeer(t)
	c, ch := newTestClient(t, peer, func(cfg *Config) {
		cfg.Reconnect = connwatch.BackoffConfig{
			InitialDelay: 5 * time.Millisecond,
			MaxDelay:     20 * time.Millisecond,
			MaxRetries:   5,
		}
	})
	connectReady(t, c)
	waitReady(t, ch, true)

	peer.drop()
	waitReady(t, ch, false)
	waitReady(t, ch, true)

	if n := peer.dialCount(); n != 2 {
		t.Errorf("dials = %d, want 2", n)
	}
	st := c.Status()
	if !st.Ready || st.ReconnectAttempt != 0 {
		t.Errorf("status after reconnect = %+v", st)
	}
	if _, err := c.CallTool(context.Background(), "list_entries", nil); err != nil {
		t.Fatalf("CallTool after reconnect: %v", err)
	}
}

// Five failed attempts end in reconnectExhausted and no further
// attempts until a manual Connect.
func TestReconnect_ExhaustsAfterMaxRetries(t *testing.T) {
	peer := newFakePeer(t)
	c, ch := newTestClient(t, peer, func(cfg *Config) {
		cfg.Reconnect = connwatch.BackoffConfig{
			InitialDelay: 2 * time.Millisecond,
			MaxDelay:     10 * time.Millisecond,
			MaxRetries:   5,
		}
	})
	connectReady(t, c)

	var mu sync.Mutex
	var delays []int64
	c.On(events.KindReconnecting, func(e events.Event) {
		mu.Lock()
		defer mu.Unlock()
		delays = append(delays, e.Data["delay_ms"].(int64))
	})

	peer.setDialErr(errors.New("peer down"))
	peer.drop()

	e := waitEvent(t, ch, events.KindReconnectExhausted)
	if e.Data["attempts"] != 5 {
		t.Errorf("attempts = %v, want 5", e.Data["attempts"])
	}
	if !errors.Is(e.Err, ErrReconnectExhausted) {
		t.Errorf("event err = %v, want ErrReconnectExhausted", e.Err)
	}

	if n := peer.dialCount(); n != 6 {
		t.Errorf("dials = %d, want 1 + 5 attempts", n)
	}
	noEvent(t, ch, events.KindReconnecting, 50*time.Millisecond)
	if n := peer.dialCount(); n != 6 {
		t.Errorf("dials after exhaustion = %d, want 6", n)
	}

	mu.Lock()
	for i := 1; i < len(delays); i++ {
		if delays[i] < delays[i-1] {
			t.Errorf("delays decreased: %v", delays)
		}
	}
	mu.Unlock()

	peer.setDialErr(nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("manual Connect: %v", err)
	}
	if st := c.Status(); !st.Ready || st.ReconnectAttempt != 0 {
		t.Errorf("status after manual connect = %+v", st)
	}
}

func TestDisconnect(t *testing.T) {
	peer := newFakePeer(t)
	peer.setOnCall(func(int64, string, json.RawMessage) (any, *wire.RPCError, bool) {
		return nil, nil, false
	})
	c, ch := newTestClient(t, peer, func(cfg *Config) {
		cfg.Reconnect = connwatch.BackoffConfig{InitialDelay: time.Millisecond, MaxRetries: 5}
	})
	connectReady(t, c)

	errc := make(chan error, 1)
	go func() {
		_, err := c.CallTool(context.Background(), "list_entries", nil)
		errc <- err
	}()
	peer.waitMessages(wire.MethodToolsCall, 1)

	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	if err := <-errc; !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("pending call error = %v, want ErrConnectionClosed", err)
	}
	peer.waitMessages(wire.MethodShutdown, 1)

	if c.Status().State != StateDisconnected {
		t.Errorf("state = %s", c.Status().State)
	}
	waitReady(t, ch, false)
	noEvent(t, ch, events.KindReconnecting, 50*time.Millisecond)
	if n := peer.dialCount(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}

	// Disconnecting twice is harmless.
	if err := c.Disconnect(context.Background()); err != nil {
		t.Errorf("second Disconnect: %v", err)
	}
}

func TestSetToken_ReauthenticatesWhenReady(t *testing.T) {
	peer := newFakePeer(t)
	c, _ := newTestClient(t, peer, nil)
	connectReady(t, c)

	c.SetToken("Bearer fresh-token")

	msgs := peer.waitMessages(wire.MethodAuthenticate, 2)
	var auth authenticateParams
	if err := json.Unmarshal(msgs[1].Params, &auth); err != nil {
		t.Fatal(err)
	}
	if auth.Token != "fresh-token" {
		t.Errorf("re-auth token = %q, want fresh-token", auth.Token)
	}
	if !c.IsReady() {
		t.Error("re-auth changed state")
	}
}

func TestToolsListChangedRefreshesCatalog(t *testing.T) {
	peer := newFakePeer(t)
	c, ch := newTestClient(t, peer, nil)
	connectReady(t, c)
	waitEvent(t, ch, events.KindToolsUpdated)

	peer.mu.Lock()
	peer.tools = append(peer.tools, ToolDescriptor{Name: "render_entry"})
	peer.mu.Unlock()
	peer.send(peer.conn(), wire.NewNotification(wire.MethodToolsListChanged, nil))

	n := waitEvent(t, ch, events.KindNotification)
	if n.Data["method"] != wire.MethodToolsListChanged {
		t.Errorf("notification method = %v", n.Data["method"])
	}
	e := waitEvent(t, ch, events.KindToolsUpdated)
	if e.Data["count"] != 4 {
		t.Errorf("count = %v, want 4", e.Data["count"])
	}
	if got := len(c.Tools()); got != 4 {
		t.Errorf("Tools() = %d, want 4", got)
	}
}

func TestPeerRequests(t *testing.T) {
	peer := newFakePeer(t)
	c, _ := newTestClient(t, peer, nil)
	connectReady(t, c)

	peer.send(peer.conn(), wire.NewRequest(77, wire.MethodPing, nil))
	peer.send(peer.conn(), wire.NewRequest(78, "sampling/createMessage", nil))

	response := func(id int64) *wire.Message {
		peer.mu.Lock()
		defer peer.mu.Unlock()
		for _, m := range peer.received {
			if m.Kind() == wire.KindResponse && *m.ID == id {
				return m
			}
		}
		return nil
	}

	eventually(t, "ping response", func() bool { return response(77) != nil })
	if r := response(77); r.Error != nil || string(r.Result) != "{}" {
		t.Errorf("ping response = %+v", r)
	}
	eventually(t, "rejection", func() bool { return response(78) != nil })
	if r := response(78); r.Error == nil || r.Error.Code != wire.CodeMethodNotFound {
		t.Errorf("unknown request response = %+v", r)
	}
}

func TestConnectionLostWhileReadyIsDelivered(t *testing.T) {
	peer := newFakePeer(t)
	// The transport dies just after the catalog is sent, while a slow
	// subscriber is still handling the transition to ready.
	peer.setOnRequest(func(conn *fakeConn, method string) bool {
		if method == wire.MethodToolsList {
			time.AfterFunc(2*time.Millisecond, func() { conn.fail(io.ErrUnexpectedEOF) })
		}
		return true
	})
	c, _ := newTestClient(t, peer, nil)

	var mu sync.Mutex
	var statuses []string
	var readies []bool
	c.On(events.KindStatusChange, func(e events.Event) {
		status := e.Data["status"].(string)
		if status == StateReady.String() {
			time.Sleep(10 * time.Millisecond)
		}
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, status)
	})
	c.On(events.KindReady, func(e events.Event) {
		mu.Lock()
		defer mu.Unlock()
		readies = append(readies, e.Data["ready"].(bool))
	})

	c.SetToken("tok")
	// Connect may win or lose the race with the drop; either way the
	// events must end in the state the client is actually in.
	_ = c.Connect(context.Background())

	eventually(t, "disconnect delivered", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(readies) > 0 && !readies[len(readies)-1]
	})
	time.Sleep(30 * time.Millisecond)

	if c.IsReady() {
		t.Fatal("client is ready after the transport died")
	}
	mu.Lock()
	defer mu.Unlock()
	if last := statuses[len(statuses)-1]; last != StateDisconnected.String() {
		t.Errorf("statuses = %v, want disconnected last", statuses)
	}
	if readies[len(readies)-1] {
		t.Errorf("ready events = %v, want false last", readies)
	}
}

func TestEventsDeliveredInTransitionOrder(t *testing.T) {
	peer := newFakePeer(t)
	c, _ := newTestClient(t, peer, nil)

	var mu sync.Mutex
	var seen []string
	c.On(events.KindAny, func(e events.Event) {
		mu.Lock()
		defer mu.Unlock()
		switch e.Kind {
		case events.KindStatusChange:
			seen = append(seen, e.Data["status"].(string))
		case events.KindReady, events.KindToolsUpdated:
			seen = append(seen, e.Kind)
		}
	})
	// A handler that calls back into the client must not deadlock.
	c.On(events.KindReady, func(e events.Event) {
		if ready, _ := e.Data["ready"].(bool); ready {
			_ = c.Status()
			_ = c.Disconnect(context.Background())
		}
	})

	connectReady(t, c)

	eventually(t, "disconnect delivered", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == events.KindToolsUpdated && len(seen) > 6
	})
	mu.Lock()
	defer mu.Unlock()
	want := "connecting,connected,authenticating,ready,toolsUpdated,ready,disconnected,ready,toolsUpdated"
	if got := strings.Join(seen, ","); got != want {
		t.Errorf("events = %s\nwant     %s", got, want)
	}
}

func TestReconnect_EmptyCredentialCountsAsFailedAttempt(t *testing.T) {
	peer := newFakePeer(t)
	c, ch := newTestClient(t, peer, func(cfg *Config) {
		cfg.Reconnect = connwatch.BackoffConfig{
			InitialDelay: 2 * time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			MaxRetries:   3,
		}
	})
	connectReady(t, c)

	c.SetToken("")
	peer.drop()

	e := waitEvent(t, ch, events.KindReconnectExhausted)
	if e.Data["attempts"] != 3 {
		t.Errorf("attempts = %v, want 3", e.Data["attempts"])
	}
	if n := peer.dialCount(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
	if c.sched.Pending() {
		t.Error("reconnect still scheduled after exhaustion")
	}
}

func TestReconnect_SkippedAfterDisconnect(t *testing.T) {
	peer := newFakePeer(t)
	c, ch := newTestClient(t, peer, nil)
	connectReady(t, c)

	peer.drop()
	waitEvent(t, ch, events.KindReconnecting)

	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	// The attempt timer fired just before Disconnect disarmed it.
	c.reconnect(1)

	if n := peer.dialCount(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
	if st := c.Status(); st.State != StateDisconnected {
		t.Errorf("state = %s, want disconnected", st.State)
	}
	if c.sched.Pending() {
		t.Error("reconnect scheduled after Disconnect")
	}
}

func TestConnect_TransportLostDuringHandshakeReconnects(t *testing.T) {
	peer := newFakePeer(t)
	peer.setOnRequest(func(conn *fakeConn, method string) bool {
		if method == wire.MethodInitialize && peer.dialCount() == 1 {
			conn.fail(io.ErrUnexpectedEOF)
			return false
		}
		return true
	})
	c, ch := newTestClient(t, peer, func(cfg *Config) {
		cfg.Reconnect = connwatch.BackoffConfig{
			InitialDelay: 5 * time.Millisecond,
			MaxDelay:     20 * time.Millisecond,
			MaxRetries:   5,
		}
	})

	c.SetToken("tok")
	err := c.Connect(context.Background())
	wantKind(t, err, KindConnectionClosed)

	e := waitEvent(t, ch, events.KindReconnecting)
	if e.Data["attempt"] != 1 {
		t.Errorf("attempt = %v, want 1", e.Data["attempt"])
	}
	waitReady(t, ch, true)
	if n := peer.dialCount(); n != 2 {
		t.Errorf("dials = %d, want 2", n)
	}
}

func TestCallTool_ResponseWithoutPayloadFails(t *testing.T) {
	peer := newFakePeer(t)
	peer.setOnCall(func(id int64, _ string, _ json.RawMessage) (any, *wire.RPCError, bool) {
		peer.sendRaw(peer.conn(), []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d}`, id)))
		return nil, nil, false
	})
	c, _ := newTestClient(t, peer, nil)
	connectReady(t, c)

	start := time.Now()
	_, err := c.CallTool(context.Background(), "list_entries", nil)
	wantKind(t, err, KindProtocol)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("call took %s, want it failed without waiting for the timeout", elapsed)
	}
	if n := pendingLen(c); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
	if !c.IsReady() {
		t.Error("client left Ready")
	}
}
