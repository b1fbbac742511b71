package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/mudgate/mudgate/internal/httputil"
)

// StorePinger reports whether the preferences store is configured and answering.
type StorePinger interface {
	Configured() bool
	Ping(ctx context.Context) error
}

// SessionCounter exposes the slice of session state the unauthenticated surface may show.
type SessionCounter interface {
	Count() int
	BridgeMode() bool
}

// HealthHandler serves the health check endpoint.
type HealthHandler struct {
	store    StorePinger
	sessions SessionCounter
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(store StorePinger, sessions SessionCounter) *HealthHandler {
	return &HealthHandler{store: store, sessions: sessions}
}

// Health pings the preferences store and reports component status. A dead store degrades the service
// (persistence and autologin stop working) but game traffic keeps flowing, so the session count is reported
// either way.
func (h *HealthHandler) Health(c fiber.Ctx) error {
	storeStatus := "not_configured"
	if h.store.Configured() {
		ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
		defer cancel()
		storeStatus = "ok"
		if err := h.store.Ping(ctx); err != nil {
			storeStatus = "unavailable"
		}
	}

	overall := "ok"
	status := fiber.StatusOK
	if storeStatus == "unavailable" {
		overall = "degraded"
		status = fiber.StatusServiceUnavailable
	}

	return httputil.SuccessStatus(c, status, fiber.Map{
		"status":     overall,
		"store":      storeStatus,
		"bridgeMode": h.sessions.BridgeMode(),
		"sessions":   h.sessions.Count(),
	})
}
