package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/tether/internal/events"
	"github.com/nugget/tether/internal/transport"
	"github.com/nugget/tether/internal/wire"
)

// ToolDescriptor describes one tool in the peer's catalog.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// contentBlock is a single item in a tools/call result envelope.
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type toolResultEnvelope struct {
	Content []contentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

type toolCallParams struct {
	Name      string `json:"name"`
	Arguments any    `json:"arguments"`
}

type toolsListResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

// rpcCall describes one correlated request.
type rpcCall struct {
	// gen pins the request to a connection during the handshake. Zero
	// means "the current connection, which must be Ready".
	gen     uint64
	method  string
	tool    string
	params  any
	timeout time.Duration

	// id is filled in once the request is registered.
	id int64
}

// CallTool invokes a tool and returns its unwrapped result: structured
// data when the text payload parses as JSON, the raw text otherwise.
// Outside the Ready state it fails immediately with a NotReady error
// and nothing is written to the transport. Failed calls are not
// retried.
func (c *Client) CallTool(ctx context.Context, name string, args any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}

	start := time.Now()
	rc := &rpcCall{
		method:  wire.MethodToolsCall,
		tool:    name,
		params:  toolCallParams{Name: name, Arguments: args},
		timeout: c.timeoutFor(name),
	}
	raw, err := c.roundTrip(ctx, rc)

	var result any
	if err == nil {
		result, err = unwrapToolResult(name, raw)
	}

	c.publishToolCall(rc, time.Since(start), err)
	if err != nil {
		c.publishError(wire.MethodToolsCall, err, map[string]any{"tool": name})
		return nil, err
	}
	return result, nil
}

// ListTools fetches the peer's tool catalog, replaces the local
// snapshot and publishes toolsUpdated.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	rc := &rpcCall{method: wire.MethodToolsList, timeout: c.cfg.CallTimeout}
	raw, err := c.roundTrip(ctx, rc)
	if err != nil {
		return nil, err
	}
	tools, err := decodeToolList(raw)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.gen != rc.gen || c.state != StateReady {
		c.mu.Unlock()
		return nil, &Error{Kind: KindConnectionClosed, Op: wire.MethodToolsList}
	}
	c.tools = tools
	c.enqueueLocked(toolsUpdatedEvent(tools))
	c.mu.Unlock()

	c.logger.Info("tool catalog updated", "count", len(tools))
	c.flush()
	return copyTools(tools), nil
}

// Tools returns the current catalog snapshot without contacting the
// peer. It is empty unless the client is Ready.
func (c *Client) Tools() []ToolDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyTools(c.tools)
}

// timeoutFor picks the deadline for a tool call.
func (c *Client) timeoutFor(tool string) time.Duration {
	if c.cfg.SlowTools.MatchString(tool) {
		return c.cfg.SlowCallTimeout
	}
	return c.cfg.CallTimeout
}

// roundTrip registers a pending call, writes the request and waits for
// the response, the deadline, or ctx.
func (c *Client) roundTrip(ctx context.Context, rc *rpcCall) (json.RawMessage, error) {
	c.mu.Lock()
	if rc.gen == 0 {
		if c.state != StateReady {
			state := c.state
			c.mu.Unlock()
			return nil, &Error{Kind: KindNotReady, Op: rc.method, Tool: rc.tool, State: state}
		}
		rc.gen = c.gen
	} else if c.gen != rc.gen || c.conn == nil {
		c.mu.Unlock()
		return nil, &Error{Kind: KindConnectionClosed, Op: rc.method, Tool: rc.tool}
	}
	conn := c.conn

	c.nextID++
	rc.id = c.nextID
	pc := &pendingCall{
		id:       rc.id,
		method:   rc.method,
		tool:     rc.tool,
		issuedAt: time.Now(),
		timeout:  rc.timeout,
		done:     make(chan callResult, 1),
	}
	c.pending.add(pc)
	pc.timer = time.AfterFunc(rc.timeout, func() { c.expire(pc.id) })
	c.mu.Unlock()

	if err := c.write(conn, wire.NewRequest(rc.id, rc.method, rc.params)); err != nil {
		c.settle(pc.id, callResult{err: err})
	}

	select {
	case res := <-pc.done:
		return res.result, res.err
	case <-ctx.Done():
		c.settle(pc.id, callResult{err: ctx.Err()})
		res := <-pc.done
		return res.result, res.err
	}
}

// write encodes and sends a request on conn.
func (c *Client) write(conn transport.Conn, req *wire.Request) error {
	frame, err := wire.Encode(req)
	if err != nil {
		return &Error{Kind: KindProtocol, Op: req.Method, Err: err}
	}
	c.logger.Log(context.Background(), levelTrace, "frame sent", "frame", string(frame))
	if err := conn.WriteFrame(frame); err != nil {
		return &Error{Kind: KindTransport, Op: req.Method, Err: err}
	}
	return nil
}

// settle removes the call for id and delivers res. It does nothing when
// the call was already removed by another path.
func (c *Client) settle(id int64, res callResult) {
	c.mu.Lock()
	pc := c.pending.take(id)
	c.mu.Unlock()
	if pc != nil {
		pc.resolve(res)
	}
}

// expire fires when a call's deadline passes.
func (c *Client) expire(id int64) {
	c.mu.Lock()
	pc := c.pending.take(id)
	c.mu.Unlock()
	if pc == nil {
		return
	}
	c.logger.Warn("call timed out", "method", pc.method, "tool", pc.tool, "id", id, "timeout", pc.timeout.String())
	pc.resolve(callResult{err: &Error{
		Kind:    KindTimeout,
		Op:      pc.method,
		Tool:    pc.tool,
		Message: fmt.Sprintf("no response within %s", pc.timeout),
	}})
}

// handleResponse matches a response to its pending call. Responses
// with no pending call (late, or never issued) are dropped.
func (c *Client) handleResponse(msg *wire.Message) {
	id := *msg.ID
	c.mu.Lock()
	pc := c.pending.take(id)
	c.mu.Unlock()
	if pc == nil {
		c.logger.Debug("dropping response with no pending call", "id", id)
		return
	}

	c.logger.Debug("response received",
		"method", pc.method,
		"id", id,
		"elapsed", time.Since(pc.issuedAt).String(),
	)

	if msg.Error != nil {
		pc.resolve(callResult{err: &Error{
			Kind:    KindPeer,
			Op:      pc.method,
			Tool:    pc.tool,
			Code:    msg.Error.Code,
			Message: msg.Error.Message,
			Data:    msg.Error.Data,
		}})
		return
	}
	pc.resolve(callResult{result: msg.Result})
}

// failResponse fails the call for id after its response could not be
// decoded.
func (c *Client) failResponse(id int64, reason string) {
	c.mu.Lock()
	pc := c.pending.take(id)
	c.mu.Unlock()
	if pc == nil {
		return
	}
	pc.resolve(callResult{err: &Error{
		Kind:    KindProtocol,
		Op:      pc.method,
		Tool:    pc.tool,
		Message: reason,
	}})
}

// handleNotification publishes an unsolicited peer message and
// refreshes the catalog when the peer says it changed.
func (c *Client) handleNotification(msg *wire.Message) {
	c.logger.Debug("notification received", "method", msg.Method)
	c.emit(events.Event{
		Kind: events.KindNotification,
		Data: map[string]any{"method": msg.Method, "params": msg.Params},
	})

	if msg.Method == wire.MethodToolsListChanged {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
			defer cancel()
			if _, err := c.ListTools(ctx); err != nil {
				c.logger.Warn("refresh tool catalog failed", "error", err)
			}
		}()
	}
}

// handleRequest answers peer-initiated requests. Only ping is
// supported.
func (c *Client) handleRequest(conn transport.Conn, msg *wire.Message) {
	var resp *wire.Response
	if msg.Method == wire.MethodPing {
		var err error
		resp, err = wire.NewResult(*msg.ID, struct{}{})
		if err != nil {
			return
		}
	} else {
		c.logger.Debug("rejecting peer request", "method", msg.Method)
		resp = wire.NewErrorResponse(*msg.ID, wire.CodeMethodNotFound, "method not found: "+msg.Method)
	}

	frame, err := wire.Encode(resp)
	if err != nil {
		return
	}
	if err := conn.WriteFrame(frame); err != nil {
		c.logger.Debug("reply to peer request failed", "method", msg.Method, "error", err)
	}
}

// publishToolCall records the outcome of one tool invocation.
func (c *Client) publishToolCall(rc *rpcCall, elapsed time.Duration, err error) {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()

	data := map[string]any{
		"tool":        rc.tool,
		"id":          rc.id,
		"ok":          err == nil,
		"duration_ms": elapsed.Milliseconds(),
		"session_id":  sessionID,
	}
	if err != nil {
		data["error"] = err.Error()
		data["error_kind"] = KindOf(err).String()
	}
	c.emit(events.Event{Kind: events.KindToolCall, Data: data, Err: err})
}

// unwrapToolResult strips the content envelope from a tools/call
// result. A result that is not an envelope is returned decoded as is.
func unwrapToolResult(tool string, raw json.RawMessage) (any, error) {
	var env toolResultEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Content == nil {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, &Error{Kind: KindProtocol, Op: wire.MethodToolsCall, Tool: tool, Message: "unmarshal result", Err: err}
		}
		return v, nil
	}

	text := extractText(env.Content)
	if env.IsError {
		return nil, &Error{Kind: KindPeer, Op: wire.MethodToolsCall, Tool: tool, Message: text}
	}

	var v any
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		return v, nil
	}
	return text, nil
}

// extractText joins all text content blocks into a single string.
// Non-text blocks are represented as inline markers.
func extractText(blocks []contentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}

func decodeToolList(raw json.RawMessage) ([]ToolDescriptor, error) {
	var result toolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &Error{Kind: KindProtocol, Op: wire.MethodToolsList, Message: "unmarshal result", Err: err}
	}
	if result.Tools == nil {
		result.Tools = []ToolDescriptor{}
	}
	return result.Tools, nil
}

func copyTools(tools []ToolDescriptor) []ToolDescriptor {
	out := make([]ToolDescriptor, len(tools))
	copy(out, tools)
	return out
}

func toolsUpdatedEvent(tools []ToolDescriptor) events.Event {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return events.Event{
		Kind: events.KindToolsUpdated,
		Data: map[string]any{"count": len(tools), "tools": names},
	}
}
