package session

import (
	"context"
	"encoding/json"

	"github.com/nugget/tether/internal/transport"
	"github.com/nugget/tether/internal/wire"
)

// ProtocolVersion is advertised in the initialize request.
const ProtocolVersion = "2024-11-05"

type authenticateParams struct {
	Token string `json:"token"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      clientInfo     `json:"clientInfo"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      serverInfo `json:"serverInfo"`
	SessionID       string     `json:"sessionId,omitempty"`
}

// handshake runs authenticate, initialize, initialized and tools/list
// on a freshly opened connection and moves the client to Ready.
func (c *Client) handshake(ctx context.Context, gen uint64, conn transport.Conn, token string) error {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return &Error{Kind: KindConnectionClosed, Op: "handshake"}
	}
	c.transitionLocked(StateAuthenticating)
	c.mu.Unlock()
	c.flush()

	if err := c.notify(conn, wire.MethodAuthenticate, authenticateParams{Token: token}); err != nil {
		return err
	}

	raw, err := c.roundTrip(ctx, &rpcCall{
		gen:    gen,
		method: wire.MethodInitialize,
		params: initializeParams{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    map[string]any{"tools": map[string]any{}},
			ClientInfo:      clientInfo{Name: c.cfg.ClientName, Version: c.cfg.ClientVersion},
		},
		timeout: c.cfg.CallTimeout,
	})
	if err != nil {
		return err
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return &Error{Kind: KindProtocol, Op: wire.MethodInitialize, Message: "unmarshal result", Err: err}
	}

	c.logger.Info("peer initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
		"session_id", result.SessionID,
	)

	if err := c.notify(conn, wire.MethodInitialized, nil); err != nil {
		return err
	}

	raw, err = c.roundTrip(ctx, &rpcCall{
		gen:     gen,
		method:  wire.MethodToolsList,
		timeout: c.cfg.CallTimeout,
	})
	if err != nil {
		return err
	}
	tools, err := decodeToolList(raw)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return &Error{Kind: KindConnectionClosed, Op: "handshake"}
	}
	c.sessionID = result.SessionID
	c.tools = tools
	c.sched.Reset()
	c.transitionLocked(StateReady)
	c.enqueueLocked(toolsUpdatedEvent(tools), readyEvent(true, result.SessionID))
	c.mu.Unlock()

	c.logger.Info("session ready", "session_id", result.SessionID, "tools", len(tools))
	c.flush()
	return nil
}
