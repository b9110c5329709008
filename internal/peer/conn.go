package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/nugget/tether/internal/wire"
)

const (
	writeTimeout = 10 * time.Second
	readLimit    = 16 * 1024 * 1024
)

// conn is one WebSocket connection. It implements server.ClientSession
// so the MCP server can push notifications to it.
type conn struct {
	srv    *Server
	ws     *websocket.Conn
	id     string
	logger *slog.Logger

	tokenMu sync.Mutex
	token   string

	writeMu       sync.Mutex
	notifications chan mcp.JSONRPCNotification
	initialized   atomic.Bool
	closeOnce     sync.Once
	inflight      sync.WaitGroup
}

func newConn(srv *Server, ws *websocket.Conn, token string) (*conn, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate session ID: %w", err)
	}
	return &conn{
		srv:           srv,
		ws:            ws,
		id:            id.String(),
		logger:        srv.logger.With("session_id", id.String()),
		token:         token,
		notifications: make(chan mcp.JSONRPCNotification, 16),
	}, nil
}

func (c *conn) Initialize()       { c.initialized.Store(true) }
func (c *conn) Initialized() bool { return c.initialized.Load() }
func (c *conn) SessionID() string { return c.id }

func (c *conn) NotificationChannel() chan<- mcp.JSONRPCNotification {
	return c.notifications
}

// serve reads frames until the connection ends. Requests run
// concurrently so a slow tool does not hold up other calls.
func (c *conn) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	if err := c.srv.mcp.RegisterSession(ctx, c); err != nil {
		c.logger.Error("register session failed", "error", err)
		c.close(websocket.CloseInternalServerErr, "session registration failed")
		return
	}
	defer c.srv.mcp.UnregisterSession(context.Background(), c.id)

	go c.forwardNotifications(ctx)

	ctx = c.srv.mcp.WithContext(ctx, c)
	c.ws.SetReadLimit(readLimit)
	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("peer read ended", "error", err)
			}
			break
		}
		if !c.dispatch(ctx, frame) {
			break
		}
	}

	cancel()
	c.inflight.Wait()
	c.ws.Close()
}

// dispatch handles one inbound frame. It returns false when the
// connection should be closed.
func (c *conn) dispatch(ctx context.Context, frame []byte) bool {
	msg, err := wire.Decode(frame)
	if err != nil {
		// The MCP server answers malformed frames with a parse error.
		c.logger.Debug("malformed frame", "error", err)
		c.write(c.srv.mcp.HandleMessage(ctx, frame))
		return true
	}

	switch {
	case msg.Method == wire.MethodAuthenticate:
		return c.authenticate(msg)

	case msg.Method == wire.MethodShutdown:
		c.logger.Info("client requested shutdown")
		c.close(websocket.CloseNormalClosure, "")
		return false

	case msg.Kind() == wire.KindRequest:
		c.inflight.Add(1)
		go func() {
			defer c.inflight.Done()
			resp := c.srv.mcp.HandleMessage(ctx, frame)
			if msg.Method == wire.MethodInitialize {
				resp = c.withSessionID(resp)
			}
			c.write(resp)
		}()

	default:
		// Notifications and responses to server-initiated requests.
		c.srv.mcp.HandleMessage(ctx, frame)
	}
	return true
}

// authenticate accepts a fresh credential. An unacceptable token closes
// the connection with a policy violation.
func (c *conn) authenticate(msg *wire.Message) bool {
	var params struct {
		Token string `json:"token"`
	}
	_ = json.Unmarshal(msg.Params, &params)

	if !c.srv.authorized(params.Token) {
		c.logger.Warn("authenticate rejected")
		c.close(websocket.ClosePolicyViolation, "invalid token")
		return false
	}

	c.tokenMu.Lock()
	rotated := c.token != params.Token
	c.token = params.Token
	c.tokenMu.Unlock()
	c.logger.Debug("authenticated", "rotated", rotated)

	if msg.Kind() == wire.KindRequest {
		resp, err := wire.NewResult(*msg.ID, struct{}{})
		if err == nil {
			c.write(resp)
		}
	}
	return true
}

// withSessionID adds the session identifier to an initialize result.
// Error responses pass through unchanged.
func (c *conn) withSessionID(resp mcp.JSONRPCMessage) any {
	data, err := json.Marshal(resp)
	if err != nil {
		return resp
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return resp
	}
	raw, ok := envelope["result"]
	if !ok {
		return resp
	}
	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil {
		return resp
	}
	result["sessionId"] = c.id

	if envelope["result"], err = json.Marshal(result); err != nil {
		return resp
	}
	return envelope
}

func (c *conn) forwardNotifications(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-c.notifications:
			c.write(n)
		}
	}
}

// write sends one envelope. Nil messages (the MCP server's answer to a
// notification) are skipped.
func (c *conn) write(msg any) {
	if msg == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("marshal outbound frame", "error", err)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug("write failed", "error", err)
	}
}

// close sends a close frame with the given code and closes the socket.
func (c *conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.ws.Close()
	})
}
