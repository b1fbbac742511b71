package api

import (
	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"

	"github.com/mudgate/mudgate/internal/gateway"
)

// GatewayHandler serves the WebSocket upgrade endpoint for browser game connections.
type GatewayHandler struct {
	gw *gateway.Gateway
}

// NewGatewayHandler creates a new gateway handler.
func NewGatewayHandler(gw *gateway.Gateway) *GatewayHandler {
	return &GatewayHandler{gw: gw}
}

// Upgrade handles GET /ws. It upgrades the HTTP connection to a WebSocket and hands it to the gateway.
func (h *GatewayHandler) Upgrade(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return websocket.New(func(conn *websocket.Conn) {
		h.gw.ServeWebSocket(conn.Conn)
	})(c)
}
