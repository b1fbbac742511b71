// Package gateway accepts browser WebSocket connections, enforces the auth-first handshake, and couples each
// connection to its proxy session. Connections are transient; sessions are not. A browser that vanishes leaves
// its session running, and a browser that returns with the same token picks it back up.
package gateway

import (
	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/mudgate/mudgate/internal/session"
)

// Gateway hands upgraded WebSocket connections to per-connection clients.
type Gateway struct {
	manager *session.Manager
	log     zerolog.Logger
}

// New creates a gateway bound to the session manager.
func New(manager *session.Manager, logger zerolog.Logger) *Gateway {
	return &Gateway{
		manager: manager,
		log:     logger.With().Str("component", "gateway").Logger(),
	}
}

// ServeWebSocket runs the read loop for one upgraded connection and returns when the connection drops.
func (g *Gateway) ServeWebSocket(conn *websocket.Conn) {
	client := newClient(g, conn, g.log)
	go client.writePump()
	client.readPump()
}
