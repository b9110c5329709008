package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nugget/tether/internal/buildinfo"
)

// WebSocket defaults.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultReadLimit        = 16 * 1024 * 1024
	DefaultTokenParam       = "token"
)

// WebSocketDialer dials the peer over WebSocket, embedding the bearer
// token as a query parameter on the upgrade request.
type WebSocketDialer struct {
	// URL is the peer endpoint. http and https schemes are mapped to
	// ws and wss.
	URL string

	// TokenParam is the query parameter carrying the token (default "token").
	TokenParam string

	// Header holds extra upgrade request headers.
	Header http.Header

	// HandshakeTimeout bounds the HTTP upgrade (default 10s).
	HandshakeTimeout time.Duration

	// WriteTimeout bounds each frame write (default 10s).
	WriteTimeout time.Duration

	// PingInterval enables client keepalive pings when positive. The
	// read deadline is extended to twice the interval on every pong.
	PingInterval time.Duration

	// ReadLimit caps inbound message size (default 16 MiB).
	ReadLimit int64

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// Endpoint returns the WebSocket URL that Dial will connect to, with
// the token parameter set.
func (d *WebSocketDialer) Endpoint(token string) (string, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return "", fmt.Errorf("parse peer URL: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported peer URL scheme %q", u.Scheme)
	}

	param := d.TokenParam
	if param == "" {
		param = DefaultTokenParam
	}
	q := u.Query()
	q.Set(param, token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, token string) (Conn, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	endpoint, err := d.Endpoint(token)
	if err != nil {
		return nil, err
	}

	handshake := d.HandshakeTimeout
	if handshake <= 0 {
		handshake = DefaultHandshakeTimeout
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshake,
		ReadBufferSize:   1024 * 1024,
		WriteBufferSize:  64 * 1024,
	}

	header := http.Header{}
	for k, v := range d.Header {
		header[k] = v
	}
	header.Set("User-Agent", buildinfo.UserAgent())

	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial websocket: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial websocket: %w", err)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	conn.SetReadLimit(limit)

	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}

	c := &wsConn{
		conn:         conn,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
		logger:       logger,
	}

	if d.PingInterval > 0 {
		wait := 2 * d.PingInterval
		_ = conn.SetReadDeadline(time.Now().Add(wait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wait))
		})
		go c.pingLoop(d.PingInterval)
	}

	logger.Debug("websocket connected", "host", conn.RemoteAddr().String())
	return c, nil
}

// wsConn adapts a gorilla connection to Conn. gorilla supports one
// concurrent reader and one concurrent writer, so writes go through
// writeMu.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
	done         chan struct{}
	logger       *slog.Logger
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, fmt.Errorf("%w: %v", ErrClosed, err)
			}
			select {
			case <-c.done:
				return nil, ErrClosed
			default:
			}
			return nil, fmt.Errorf("read websocket: %w", err)
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

func (c *wsConn) WriteFrame(frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write websocket: %w", err)
	}
	return nil
}

// Close sends a normal-closure close frame and tears the socket down.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *wsConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				c.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
