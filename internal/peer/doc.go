// Package peer implements a development backend for the session
// client: a WebSocket endpoint that authenticates the connection,
// negotiates the handshake and serves a small journaling tool surface.
//
// Request handling is delegated to an mcp-go [server.MCPServer]. Each
// WebSocket connection registers as one client session, so catalog
// change notifications reach every initialized connection. The peer
// answers the authenticate and shutdown notifications itself and adds
// the session identifier to the initialize result.
package peer
