package api

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"
)

// InfoHandler serves the plain status page at the root path.
type InfoHandler struct {
	started    time.Time
	env        string
	bridgeMode bool
	sessions   SessionCounter
}

// NewInfoHandler creates a new info handler.
func NewInfoHandler(started time.Time, env string, bridgeMode bool, sessions SessionCounter) *InfoHandler {
	return &InfoHandler{started: started, env: env, bridgeMode: bridgeMode, sessions: sessions}
}

// Get handles GET /. The page exists for humans poking at the deployment, not for machines; everything
// machine-readable lives under /health and /metrics.
func (h *InfoHandler) Get(c fiber.Ctx) error {
	mode := "direct"
	if h.bridgeMode {
		mode = "bridge"
	}
	uptime := time.Since(h.started).Round(time.Second)
	body := fmt.Sprintf(
		"<html><head><title>mudgate</title></head><body><h1>mudgate</h1>"+
			"<p>env: %s<br>mode: %s<br>uptime: %s<br>sessions: %d</p></body></html>",
		h.env, mode, uptime, h.sessions.Count(),
	)
	c.Type("html", "utf-8")
	return c.SendString(body)
}
