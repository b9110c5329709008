package peer

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mark3labs/mcp-go/server"
	"github.com/nugget/tether/internal/buildinfo"
)

// Config configures a [Server].
type Config struct {
	// Journal backs the journaling tools. Required.
	Journal *Journal

	// Tokens lists accepted bearer tokens. Empty accepts any non-empty
	// token.
	Tokens []string

	// SlowDelay is an artificial delay added to ai_summarize.
	SlowDelay time.Duration

	// Logger is the structured logger. Nil uses slog.Default().
	Logger *slog.Logger
}

// Server is the development peer. It implements [http.Handler]; mount
// it on the path clients dial.
type Server struct {
	mcp      *server.MCPServer
	tokens   map[string]bool
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[string]*conn
}

// New creates a Server with the journaling tools registered.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tokens := make(map[string]bool, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		if t = strings.TrimSpace(t); t != "" {
			tokens[t] = true
		}
	}

	mcpServer := server.NewMCPServer("tether-peer", buildinfo.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	ts := &toolSet{journal: cfg.Journal, slowDelay: cfg.SlowDelay}
	mcpServer.AddTools(ts.serverTools()...)

	return &Server{
		mcp:    mcpServer,
		tokens: tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			// Development peer: any origin may connect.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
		conns:  make(map[string]*conn),
	}
}

// ServeHTTP authenticates the upgrade request and serves the
// connection until either side closes it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := requestToken(r)
	if !s.authorized(token) {
		s.logger.Warn("peer connection rejected",
			"remote", r.RemoteAddr, "reason", "invalid token")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c, err := newConn(s, ws, token)
	if err != nil {
		s.logger.Error("create peer session failed", "error", err)
		ws.Close()
		return
	}

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
	}()

	s.logger.Info("peer session opened", "session_id", c.id, "remote", r.RemoteAddr)
	c.serve(r.Context())
	s.logger.Info("peer session closed", "session_id", c.id)
}

// SessionCount returns the number of open connections.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// RemoveTools drops tools from the catalog. Initialized sessions are
// notified that the catalog changed.
func (s *Server) RemoveTools(names ...string) {
	s.mcp.DeleteTools(names...)
}

// Shutdown closes every open connection with a going-away close frame.
func (s *Server) Shutdown() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}

// authorized reports whether token may open or re-authenticate a session.
func (s *Server) authorized(token string) bool {
	token = strings.TrimSpace(token)
	if token == "" {
		return false
	}
	if len(s.tokens) == 0 {
		return true
	}
	return s.tokens[token]
}

// requestToken extracts the credential from the token query parameter
// or an Authorization: Bearer header.
func requestToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
