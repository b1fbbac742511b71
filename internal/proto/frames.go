package proto

import (
	"encoding/json"
	"time"

	"github.com/mudgate/mudgate/internal/mip"
)

// Outbound frame types.
const (
	TypeSessionNew     = "session_new"
	TypeSessionResumed = "session_resumed"
	TypeSessionTaken   = "session_taken"
	TypeMud            = "mud"
	TypeSystem         = "system"
	TypeError          = "error"
	TypeBroadcast      = "broadcast"
	TypeMipStats       = "mip_stats"
	TypeMipChat        = "mip_chat"
	TypeMipDebug       = "mip_debug"
	TypeClientCommand  = "client_command"
	TypeDisableTrigger = "disable_trigger"
	TypeKeepaliveAck   = "keepalive_ack"
	TypeHealthOk       = "health_ok"
	TypeTriggerChatmon = "trigger_chatmon"
)

// SubtypeStatusOnly marks system frames that carry connection status rather than text for the terminal.
const SubtypeStatusOnly = "status_only"

// NewSessionNewFrame announces a freshly created session. bridgeMode tells the browser the proxy holds upstream
// sockets in a sidecar.
func NewSessionNewFrame(bridgeMode bool) ([]byte, error) {
	return json.Marshal(struct {
		Type       string `json:"type"`
		BridgeMode bool   `json:"bridgeMode,omitempty"`
	}{TypeSessionNew, bridgeMode})
}

// NewSessionResumedFrame announces a successful reattach, carrying the upstream liveness and the server's view of
// the variables.
func NewSessionResumedFrame(mudConnected bool, variables map[string]string) ([]byte, error) {
	if variables == nil {
		variables = map[string]string{}
	}
	return json.Marshal(struct {
		Type         string            `json:"type"`
		MudConnected bool              `json:"mudConnected"`
		Variables    map[string]string `json:"variables"`
	}{TypeSessionResumed, mudConnected, variables})
}

// NewSessionTakenFrame tells a displaced browser that another client now owns the session.
func NewSessionTakenFrame() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
	}{TypeSessionTaken})
}

// NewMudFrame carries one framed line of game output.
func NewMudFrame(line string, highlight bool, sound string) ([]byte, error) {
	return json.Marshal(struct {
		Type      string `json:"type"`
		Line      string `json:"line"`
		Highlight bool   `json:"highlight,omitempty"`
		Sound     string `json:"sound,omitempty"`
	}{TypeMud, line, highlight, sound})
}

// NewSystemFrame carries a proxy-generated status line.
func NewSystemFrame(message, subtype string) ([]byte, error) {
	return json.Marshal(struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Subtype string `json:"subtype,omitempty"`
	}{TypeSystem, message, subtype})
}

// NewErrorFrame carries a fatal protocol error; the connection closes after it.
func NewErrorFrame(message string) ([]byte, error) {
	return json.Marshal(struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}{TypeError, message})
}

// NewBroadcastFrame carries an operator announcement.
func NewBroadcastFrame(message string, at time.Time) ([]byte, error) {
	return json.Marshal(struct {
		Type      string `json:"type"`
		Message   string `json:"message"`
		Timestamp int64  `json:"timestamp"`
	}{TypeBroadcast, message, at.UnixMilli()})
}

// NewMipStatsFrame carries the parsed sideband status snapshot.
func NewMipStatsFrame(stats mip.Stats) ([]byte, error) {
	return json.Marshal(struct {
		Type  string    `json:"type"`
		Stats mip.Stats `json:"stats"`
	}{TypeMipStats, stats})
}

// NewMipChatFrame carries one sideband chat message.
func NewMipChatFrame(chat mip.Chat) ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		mip.Chat
	}{Type: TypeMipChat, Chat: chat})
}

// NewMipDebugFrame mirrors a raw sideband frame to the browser when debug is on.
func NewMipDebugFrame(msgType, msgData string) ([]byte, error) {
	return json.Marshal(struct {
		Type    string `json:"type"`
		MsgType string `json:"msgType"`
		MsgData string `json:"msgData"`
	}{TypeMipDebug, msgType, msgData})
}

// NewClientCommandFrame forwards a # directive for the browser-side engine to run.
func NewClientCommandFrame(command string) ([]byte, error) {
	return json.Marshal(struct {
		Type    string `json:"type"`
		Command string `json:"command"`
	}{TypeClientCommand, command})
}

// NewDisableTriggerFrame tells the browser a trigger was disabled server-side by the runaway guard.
func NewDisableTriggerFrame(triggerID string) ([]byte, error) {
	return json.Marshal(struct {
		Type      string `json:"type"`
		TriggerID string `json:"triggerId"`
	}{TypeDisableTrigger, triggerID})
}

// NewKeepaliveAckFrame answers a browser keepalive.
func NewKeepaliveAckFrame() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
	}{TypeKeepaliveAck})
}

// NewHealthOkFrame answers a browser health probe.
func NewHealthOkFrame() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
	}{TypeHealthOk})
}

// NewTriggerChatmonFrame carries a chatmon action's message into the browser chat panel.
func NewTriggerChatmonFrame(message, channel string) ([]byte, error) {
	return json.Marshal(struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Channel string `json:"channel"`
	}{TypeTriggerChatmon, message, channel})
}
