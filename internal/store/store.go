// Package store is the client for the external preferences store: persisted session records, per-character
// Discord preferences, character passwords for auto-login, server log archival, and the Discord notification
// proxy. Every call carries the admin key and a short deadline; callers treat failures as degraded, not fatal.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/mudgate/mudgate/internal/eventlog"
	"github.com/mudgate/mudgate/internal/proto"
)

// ErrNotConfigured is returned when no admin key is set; callers skip persistence rather than fail.
var ErrNotConfigured = errors.New("store: admin key not configured")

// SessionRecord is one persisted session, written at shutdown and read back on boot.
type SessionRecord struct {
	UserID        string `json:"userId"`
	CharacterID   string `json:"characterId"`
	CharacterName string `json:"characterName"`
	Server        string `json:"server"`
	Token         string `json:"token"`
	// BridgeToken is the token the bridge entry was created under. It diverges
	// from Token when the session was re-keyed after connecting; resume must
	// use the original key or the bridge will not find the socket.
	BridgeToken string `json:"bridgeToken,omitempty"`
	IsWizard    bool   `json:"isWizard"`
	PersistedAt int64  `json:"persistedAt"`
}

// Stale reports whether the record is older than max at restore time.
func (r SessionRecord) Stale(now time.Time, max time.Duration) bool {
	return now.Sub(time.UnixMilli(r.PersistedAt)) > max
}

// DiscordPrefs is a character's notification configuration.
type DiscordPrefs struct {
	ChannelPrefs map[string]proto.ChannelPref `json:"channelPrefs"`
	Username     string                       `json:"username"`
}

// Client talks to the preferences store.
type Client struct {
	baseURL  string
	adminKey string
	client   *http.Client
	log      zerolog.Logger
}

// New creates a store client. timeout applies per request.
func New(baseURL, adminKey string, timeout time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:  baseURL,
		adminKey: adminKey,
		client:   &http.Client{Timeout: timeout},
		log:      logger.With().Str("component", "store").Logger(),
	}
}

// Configured reports whether calls can succeed. Without an admin key the store rejects everything, so callers
// short-circuit.
func (c *Client) Configured() bool {
	return c.adminKey != ""
}

// Ping checks that the store answers at all. The session list is the cheapest authenticated call the store
// exposes, so health checks reuse it.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.ListSessions(ctx)
	return err
}

// ListSessions fetches all persisted session records.
func (c *Client) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	var out struct {
		Sessions []SessionRecord `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/persistent_sessions?action=list", nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// SaveSessions replaces the persisted session list.
func (c *Client) SaveSessions(ctx context.Context, records []SessionRecord) error {
	if records == nil {
		records = []SessionRecord{}
	}
	in := struct {
		Sessions []SessionRecord `json:"sessions"`
	}{records}
	return c.do(ctx, http.MethodPost, "/api/persistent_sessions?action=save", in, nil)
}

// RemoveSession deletes one persisted record by token.
func (c *Client) RemoveSession(ctx context.Context, token string) error {
	in := struct {
		Token string `json:"token"`
	}{token}
	return c.do(ctx, http.MethodPost, "/api/persistent_sessions?action=remove", in, nil)
}

// ClearSessions deletes every persisted record. Issued after restore so a stale list cannot resurrect sessions
// twice.
func (c *Client) ClearSessions(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/persistent_sessions?action=clear", struct{}{}, nil)
}

// GetDiscordPrefs fetches a character's notification preferences.
func (c *Client) GetDiscordPrefs(ctx context.Context, userID, characterID string) (*DiscordPrefs, error) {
	var out DiscordPrefs
	q := url.Values{"action": {"get_discord_prefs"}, "user_id": {userID}, "character_id": {characterID}}
	if err := c.do(ctx, http.MethodGet, "/api/preferences?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetCharacterPassword fetches the stored password used by the auto-login state machine.
func (c *Client) GetCharacterPassword(ctx context.Context, userID, characterID string) (string, error) {
	var out struct {
		Password string `json:"password"`
	}
	q := url.Values{"action": {"get_password_admin"}, "user_id": {userID}, "character_id": {characterID}}
	if err := c.do(ctx, http.MethodGet, "/api/characters?"+q.Encode(), nil, &out); err != nil {
		return "", err
	}
	return out.Password, nil
}

// SaveLogs archives a batch of structured event entries.
func (c *Client) SaveLogs(ctx context.Context, entries []eventlog.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	in := struct {
		Logs []eventlog.Entry `json:"logs"`
	}{entries}
	return c.do(ctx, http.MethodPost, "/api/server_logs?action=save", in, nil)
}

// ListLogs fetches previously archived event entries.
func (c *Client) ListLogs(ctx context.Context) ([]eventlog.Entry, error) {
	var out struct {
		Logs []eventlog.Entry `json:"logs"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/server_logs?action=list", nil, &out); err != nil {
		return nil, err
	}
	return out.Logs, nil
}

// SendDiscord relays one chat line through the notification proxy, which sanitizes and forwards it to the
// webhook.
func (c *Client) SendDiscord(ctx context.Context, webhookURL, message, username string) error {
	in := struct {
		WebhookURL string `json:"webhook_url"`
		Message    string `json:"message"`
		Username   string `json:"username"`
	}{webhookURL, message, username}
	return c.do(ctx, http.MethodPost, "/api/discord_proxy", in, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if !c.Configured() {
		return ErrNotConfigured
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Admin-Key", c.adminKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("store request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("store returned status %d on %s: %s", resp.StatusCode, path, detail)
	}

	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
