package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config holds application configuration populated from environment variables.
type Config struct {
	// Core
	Port              int
	ServerEnv         string // "development" or "production"
	LogHealthRequests bool

	// Preferences store (external HTTP API holding sessions, passwords, prefs)
	PrefsURL     string
	AdminKey     string
	StoreTimeout time.Duration

	// Bridge relay. BridgeURL empty means direct mode: the proxy owns the
	// upstream TCP sockets itself.
	BridgeURL  string
	BridgePort int

	// Session lifecycle
	IdleTimeout     time.Duration
	SweepInterval   time.Duration
	StaleSessionMax time.Duration
	QueueFlushDelay time.Duration

	// Line pipeline
	PatchDelay time.Duration

	// Restore / autologin
	AutologinTimeout  time.Duration
	RestoreRetryDelay time.Duration

	// Buffers
	OutboundBufferLimit int
	ChatRingLimit       int
	BridgeBufferLimit   int
	LogRingLimit        int

	// Event log persistence
	LogFlushInterval time.Duration
}

// Load reads configuration from environment variables. It returns an error if any variable is set but cannot
// be parsed, or if a value fails validation.
func Load() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		Port:              p.int("PORT", 3000),
		ServerEnv:         envStr("MUDGATE_ENV", "production"),
		LogHealthRequests: p.bool("LOG_HEALTH_REQUESTS", false),

		PrefsURL:     envStr("PREFS_URL", "https://www.3k.org"),
		AdminKey:     envStr("ADMIN_KEY", ""),
		StoreTimeout: p.duration("STORE_TIMEOUT", 5*time.Second),

		BridgeURL:  envStr("BRIDGE_URL", ""),
		BridgePort: p.int("BRIDGE_PORT", 8125),

		IdleTimeout:     p.duration("IDLE_TIMEOUT", 15*time.Minute),
		SweepInterval:   p.duration("SWEEP_INTERVAL", time.Minute),
		StaleSessionMax: p.duration("STALE_SESSION_MAX", 120*time.Second),
		QueueFlushDelay: p.duration("QUEUE_FLUSH_DELAY", 3*time.Second),

		PatchDelay: p.duration("PATCH_DELAY", 500*time.Millisecond),

		AutologinTimeout:  p.duration("AUTOLOGIN_TIMEOUT", 30*time.Second),
		RestoreRetryDelay: p.duration("RESTORE_RETRY_DELAY", 25*time.Second),

		OutboundBufferLimit: p.int("OUTBOUND_BUFFER_LIMIT", 150),
		ChatRingLimit:       p.int("CHAT_RING_LIMIT", 100),
		BridgeBufferLimit:   p.int("BRIDGE_BUFFER_LIMIT", 500),
		LogRingLimit:        p.int("LOG_RING_LIMIT", 500),

		LogFlushInterval: p.duration("LOG_FLUSH_INTERVAL", 5*time.Minute),
	}

	if parseErr := errors.Join(p.errs...); parseErr != nil {
		return nil, parseErr
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsDevelopment returns true when running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.ServerEnv == "development"
}

// BridgeMode returns true when a bridge relay URL is configured, meaning upstream TCP sockets live in the sidecar
// process rather than in this one.
func (c *Config) BridgeMode() bool {
	return c.BridgeURL != ""
}

// StoreConfigured returns true when an admin key is set, indicating that calls to the preferences store can
// succeed. Without it, persistence and restore degrade to in-memory only.
func (c *Config) StoreConfigured() bool {
	return c.AdminKey != ""
}

func (c *Config) validate() error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be between 1 and 65535"))
	}
	if c.BridgePort < 1 || c.BridgePort > 65535 {
		errs = append(errs, fmt.Errorf("BRIDGE_PORT must be between 1 and 65535"))
	}

	if c.ServerEnv != "development" && c.ServerEnv != "production" {
		errs = append(errs, fmt.Errorf("MUDGATE_ENV must be \"development\" or \"production\", got %q", c.ServerEnv))
	}

	if c.AdminKey == "" && !c.IsDevelopment() {
		errs = append(errs, fmt.Errorf("ADMIN_KEY is required in production"))
	}

	if _, err := url.Parse(c.PrefsURL); err != nil || c.PrefsURL == "" {
		errs = append(errs, fmt.Errorf("PREFS_URL is not a valid URL: %q", c.PrefsURL))
	}

	if c.BridgeURL != "" {
		u, err := url.Parse(c.BridgeURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("BRIDGE_URL must be a ws:// or wss:// URL, got %q", c.BridgeURL))
		}
	}

	if c.StoreTimeout < time.Second {
		errs = append(errs, fmt.Errorf("STORE_TIMEOUT must be at least 1s"))
	}
	if c.IdleTimeout < time.Minute {
		errs = append(errs, fmt.Errorf("IDLE_TIMEOUT must be at least 1m"))
	}
	if c.SweepInterval < time.Second {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must be at least 1s"))
	}
	if c.PatchDelay < 10*time.Millisecond {
		errs = append(errs, fmt.Errorf("PATCH_DELAY must be at least 10ms"))
	}
	if c.AutologinTimeout < time.Second {
		errs = append(errs, fmt.Errorf("AUTOLOGIN_TIMEOUT must be at least 1s"))
	}

	if c.OutboundBufferLimit < 1 {
		errs = append(errs, fmt.Errorf("OUTBOUND_BUFFER_LIMIT must be at least 1"))
	}
	if c.ChatRingLimit < 1 {
		errs = append(errs, fmt.Errorf("CHAT_RING_LIMIT must be at least 1"))
	}
	if c.BridgeBufferLimit < 1 {
		errs = append(errs, fmt.Errorf("BRIDGE_BUFFER_LIMIT must be at least 1"))
	}
	if c.LogRingLimit < 1 {
		errs = append(errs, fmt.Errorf("LOG_RING_LIMIT must be at least 1"))
	}

	return errors.Join(errs...)
}

// parser collects parse errors so Load can report all invalid values at once.
type parser struct {
	errs []error
}

func (p *parser) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected integer)", key, v))
		return fallback
	}
	return n
}

func (p *parser) bool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected boolean)", key, v))
		return fallback
	}
	return b
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected duration like \"15m\" or \"500ms\")", key, v))
		return fallback
	}
	return d
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
