package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mudgate/mudgate/internal/bridge"
	"github.com/mudgate/mudgate/internal/config"
	"github.com/mudgate/mudgate/internal/httputil"
)

// The bridge is the sidecar half of bridge mode. It owns the upstream game sockets and survives proxy
// restarts; the proxy reclaims its sessions by resuming entries over the control WebSocket.
func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Bridge stopped")
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

	srv := bridge.NewServer(cfg.BridgeBufferLimit, log.Logger)

	app := fiber.New(fiber.Config{AppName: "mudgate-bridge"})
	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger, cfg.LogHealthRequests))

	app.Get("/health", func(c fiber.Ctx) error {
		return httputil.Success(c, fiber.Map{
			"status":  "ok",
			"entries": srv.EntryCount(),
		})
	})

	app.Get("/ws", func(c fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		return websocket.New(func(conn *websocket.Conn) {
			srv.HandleControl(conn.Conn)
		})(c)
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down")
		// Nothing to persist here: the game sockets die with this process. Restart
		// survival is the proxy's trick, not the bridge's.
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%d", cfg.BridgePort)
	log.Info().Str("addr", addr).Msg("Bridge listening")
	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}
