package api

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/mudgate/mudgate/internal/eventlog"
	"github.com/mudgate/mudgate/internal/httputil"
)

// LogStore fetches log entries flushed to the preferences store.
type LogStore interface {
	Configured() bool
	ListLogs(ctx context.Context) ([]eventlog.Entry, error)
}

// LogHandler serves the event log endpoint.
type LogHandler struct {
	events *eventlog.Log
	store  LogStore
	log    zerolog.Logger
}

// NewLogHandler creates a new log handler.
func NewLogHandler(events *eventlog.Log, store LogStore, logger zerolog.Logger) *LogHandler {
	return &LogHandler{events: events, store: store, log: logger}
}

// List handles GET /logs. ?type= filters by event type prefix. ?persisted=true merges entries already flushed
// to the preferences store, so a recent restart does not hide history from the admin page.
func (h *LogHandler) List(c fiber.Ctx) error {
	typePrefix := c.Query("type")
	wantPersisted, _ := strconv.ParseBool(c.Query("persisted"))

	if !wantPersisted || !h.store.Configured() {
		return httputil.Success(c, fiber.Map{"entries": h.events.Recent(typePrefix)})
	}

	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()
	persisted, err := h.store.ListLogs(ctx)
	if err != nil {
		h.log.Warn().Err(err).Msg("Persisted log fetch failed")
		return httputil.Fail(c, fiber.StatusBadGateway, httputil.CodeStoreUnavailable, "Could not fetch persisted logs")
	}

	return httputil.Success(c, fiber.Map{"entries": h.events.Merge(persisted, typePrefix)})
}
