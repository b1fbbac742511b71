package api

import (
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/mudgate/mudgate/internal/httputil"
	"github.com/mudgate/mudgate/internal/session"
)

// SessionAdmin is the slice of the session manager the admin surface needs.
type SessionAdmin interface {
	Sessions() []session.Info
	Broadcast(message string) int
}

// SessionHandler serves the session admin endpoints.
type SessionHandler struct {
	manager SessionAdmin
	log     zerolog.Logger
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(manager SessionAdmin, logger zerolog.Logger) *SessionHandler {
	return &SessionHandler{manager: manager, log: logger}
}

// List handles GET /sessions.
func (h *SessionHandler) List(c fiber.Ctx) error {
	infos := h.manager.Sessions()
	return httputil.Success(c, fiber.Map{
		"count":    len(infos),
		"sessions": infos,
	})
}

// Broadcast handles POST /broadcast, fanning an operator notice to every attached browser.
func (h *SessionHandler) Broadcast(c fiber.Ctx) error {
	var body struct {
		Message string `json:"message"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeInvalidBody, "Invalid request body")
	}

	message := strings.TrimSpace(body.Message)
	if message == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "message must not be empty")
	}

	sent := h.manager.Broadcast(message)
	h.log.Info().Int("sent", sent).Msg("Broadcast delivered")
	return httputil.Success(c, fiber.Map{"sent": sent})
}
