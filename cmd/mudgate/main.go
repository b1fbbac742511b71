package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mudgate/mudgate/internal/api"
	"github.com/mudgate/mudgate/internal/config"
	"github.com/mudgate/mudgate/internal/eventlog"
	"github.com/mudgate/mudgate/internal/gateway"
	"github.com/mudgate/mudgate/internal/httputil"
	"github.com/mudgate/mudgate/internal/metrics"
	"github.com/mudgate/mudgate/internal/session"
	"github.com/mudgate/mudgate/internal/store"
	"github.com/mudgate/mudgate/internal/upstream"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Proxy stopped")
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().Str("env", cfg.ServerEnv).Bool("bridge", cfg.BridgeMode()).Msg("Starting mudgate")

	st := store.New(cfg.PrefsURL, cfg.AdminKey, cfg.StoreTimeout, log.Logger)
	if !cfg.StoreConfigured() {
		log.Warn().Msg("ADMIN_KEY is empty; session persistence and autologin are disabled")
	}

	events := eventlog.New(cfg.LogRingLimit, log.Logger)
	m := metrics.New()

	// In bridge mode the upstream sockets live in the sidecar; the control client must come up before the
	// manager so sessions can route through it from the first connect.
	var bc *upstream.BridgeClient
	if cfg.BridgeMode() {
		dialCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		bc, err = upstream.DialBridge(dialCtx, cfg.BridgeURL, log.Logger)
		cancel()
		if err != nil {
			return fmt.Errorf("dial bridge %s: %w", cfg.BridgeURL, err)
		}
		log.Info().Str("url", cfg.BridgeURL).Msg("Bridge connected")
	}

	manager := session.NewManager(cfg, st, bc, events, m, log.Logger)
	if bc != nil {
		bc.OnRelink(manager.ResumeBridgeEntries)
	}
	gw := gateway.New(manager, log.Logger)

	flushLogs := func(ctx context.Context) {
		if !cfg.StoreConfigured() || events.Len() == 0 {
			return
		}
		if err := st.SaveLogs(ctx, events.Snapshot()); err != nil {
			log.Warn().Err(err).Msg("Event log flush failed")
		}
	}

	// Background maintenance: idle sweep and event log flush.
	jobs := cron.New()
	if _, err := jobs.AddFunc("@every "+cfg.SweepInterval.String(), func() {
		manager.SweepIdle()
	}); err != nil {
		return fmt.Errorf("schedule idle sweep: %w", err)
	}
	if _, err := jobs.AddFunc("@every "+cfg.LogFlushInterval.String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.StoreTimeout)
		defer cancel()
		flushLogs(ctx)
	}); err != nil {
		return fmt.Errorf("schedule log flush: %w", err)
	}
	jobs.Start()

	// Bring persisted sessions back. The listener does not wait: a browser that reconnects first simply wins
	// the owner slot and restore skips it.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		manager.Restore(ctx)
	}()
	time.AfterFunc(cfg.RestoreRetryDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		manager.RestoreRetry(ctx)
	})

	app := fiber.New(fiber.Config{
		AppName: "mudgate",
		// ErrorHandler catches errors returned by handlers that are not already mapped to structured API
		// responses (e.g. Fiber's built-in 404/405). errors.AsType is a generic helper added in Go 1.26.
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			code := httputil.CodeInternal
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				message = e.Message
				code = fiberStatusToCode(e.Code)
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{
				Error: httputil.ErrorBody{
					Code:    code,
					Message: message,
				},
			})
		},
	})

	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger, cfg.LogHealthRequests))

	registerRoutes(app, cfg, manager, gw, st, events, m)

	// Graceful shutdown: persist live sessions and flush events before the listener dies.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down")
		jobs.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		manager.Shutdown(ctx)
		flushLogs(ctx)
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Info().Str("addr", addr).Msg("Proxy listening")
	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func registerRoutes(
	app *fiber.App,
	cfg *config.Config,
	manager *session.Manager,
	gw *gateway.Gateway,
	st *store.Client,
	events *eventlog.Log,
	m *metrics.Metrics,
) {
	info := api.NewInfoHandler(time.Now(), cfg.ServerEnv, cfg.BridgeMode(), manager)
	app.Get("/", info.Get)

	health := api.NewHealthHandler(st, manager)
	app.Get("/health", health.Health)

	app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))

	gwHandler := api.NewGatewayHandler(gw)
	app.Get("/ws", gwHandler.Upgrade)

	// Admin surface, gated by the X-Admin-Key header. /metrics stays open because Prometheus scrapers
	// cannot send custom headers.
	adminOnly := api.RequireAdminKey(cfg.AdminKey)

	sessions := api.NewSessionHandler(manager, log.Logger)
	app.Get("/sessions", sessions.List, adminOnly)
	app.Post("/broadcast", sessions.Broadcast, adminOnly)

	logs := api.NewLogHandler(events, st, log.Logger)
	app.Get("/logs", logs.List, adminOnly)
}

// fiberStatusToCode maps an HTTP status code from Fiber's built-in errors (404, 405, etc.) to the closest
// response error code.
func fiberStatusToCode(status int) httputil.Code {
	switch {
	case status == fiber.StatusNotFound:
		return httputil.CodeNotFound
	case status == fiber.StatusUnauthorized:
		return httputil.CodeUnauthorized
	case status == fiber.StatusServiceUnavailable:
		return httputil.CodeUnavailable
	case status >= 400 && status < 500:
		return httputil.CodeValidation
	default:
		return httputil.CodeInternal
	}
}
