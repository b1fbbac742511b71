// Package proto defines the JSON protocol spoken over the browser WebSocket: inbound message payloads and
// constructors for the outbound frames.
package proto

import (
	"github.com/mudgate/mudgate/internal/script"
)

// Inbound message types. The first frame on a connection must be TypeAuth.
const (
	TypeAuth            = "auth"
	TypeCommand         = "command"
	TypeSetTriggers     = "set_triggers"
	TypeSetAliases      = "set_aliases"
	TypeSetTickers      = "set_tickers"
	TypeSetVariables    = "set_variables"
	TypeSetFunctions    = "set_functions"
	TypeSetMIP          = "set_mip"
	TypeSetDiscordPrefs = "set_discord_prefs"
	TypeSetServer       = "set_server"
	TypeKeepalive       = "keepalive"
	TypeHealthCheck     = "health_check"
	TypeReconnect       = "reconnect"
	TypeTestLine        = "test_line"
	TypeDisconnect      = "disconnect"
)

// Envelope carries the type tag of an inbound frame; the full payload is re-decoded per type.
type Envelope struct {
	Type string `json:"type"`
}

// Auth is the mandatory first frame. The token is an opaque 64-character credential issued elsewhere.
type Auth struct {
	Token         string `json:"token"`
	UserID        string `json:"userId"`
	CharacterID   string `json:"characterId"`
	CharacterName string `json:"characterName"`
	IsWizard      bool   `json:"isWizard"`
}

// Command is a line typed (or scripted) in the browser. Raw bypasses alias expansion and the separator split.
type Command struct {
	Command string `json:"command"`
	Raw     bool   `json:"raw"`
}

// SetTriggers replaces the session trigger table.
type SetTriggers struct {
	Triggers []script.Trigger `json:"triggers"`
}

// SetAliases replaces the session alias table.
type SetAliases struct {
	Aliases []script.Alias `json:"aliases"`
}

// SetTickers replaces the session tickers.
type SetTickers struct {
	Tickers []script.Ticker `json:"tickers"`
}

// SetVariables is the browser's full variable snapshot, merged under the race rule.
type SetVariables struct {
	Variables map[string]string `json:"variables"`
}

// SetFunctions replaces the user function table.
type SetFunctions struct {
	Functions map[string]string `json:"functions"`
}

// SetMIP toggles sideband demultiplexing and installs the session correlation id.
type SetMIP struct {
	Enabled bool   `json:"enabled"`
	MIPID   string `json:"mipId"`
	Debug   bool   `json:"debug"`
}

// ChannelPref is one chat channel's fan-out preferences.
type ChannelPref struct {
	Sound      bool   `json:"sound"`
	Hidden     bool   `json:"hidden"`
	Discord    bool   `json:"discord"`
	WebhookURL string `json:"webhookUrl"`
}

// SetDiscordPrefs replaces the per-channel notification preferences.
type SetDiscordPrefs struct {
	ChannelPrefs map[string]ChannelPref `json:"channelPrefs"`
	Username     string                 `json:"username"`
}

// SetServer picks the upstream game server. Targets outside the allowlist are refused.
type SetServer struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// TestLine runs a line through the trigger engine as if it came from upstream.
type TestLine struct {
	Line string `json:"line"`
}
