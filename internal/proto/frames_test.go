package proto

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/mudgate/mudgate/internal/mip"
)

func TestNewMudFrame(t *testing.T) {
	t.Parallel()

	raw, err := NewMudFrame("Password:", false, "")
	if err != nil {
		t.Fatalf("NewMudFrame() error = %v", err)
	}
	// Optional fields must stay absent so idle lines serialize compactly.
	if got, want := string(raw), `{"type":"mud","line":"Password:"}`; got != want {
		t.Errorf("frame = %s, want %s", got, want)
	}

	raw, err = NewMudFrame("Bubba arrives.", true, "bell")
	if err != nil {
		t.Fatalf("NewMudFrame() error = %v", err)
	}
	var f struct {
		Type      string `json:"type"`
		Line      string `json:"line"`
		Highlight bool   `json:"highlight"`
		Sound     string `json:"sound"`
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if f.Type != TypeMud || !f.Highlight || f.Sound != "bell" {
		t.Errorf("frame = %+v, want highlighted mud frame with sound", f)
	}
}

func TestNewSessionResumedFrame(t *testing.T) {
	t.Parallel()

	raw, err := NewSessionResumedFrame(true, map[string]string{"hp": "42"})
	if err != nil {
		t.Fatalf("NewSessionResumedFrame() error = %v", err)
	}

	var f struct {
		Type         string            `json:"type"`
		MudConnected bool              `json:"mudConnected"`
		Variables    map[string]string `json:"variables"`
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if f.Type != TypeSessionResumed {
		t.Errorf("Type = %q, want %q", f.Type, TypeSessionResumed)
	}
	if !f.MudConnected {
		t.Error("MudConnected = false, want true")
	}
	if f.Variables["hp"] != "42" {
		t.Errorf("Variables = %v, want hp=42", f.Variables)
	}
}

func TestNewSessionResumedFrameNilVariables(t *testing.T) {
	t.Parallel()

	raw, err := NewSessionResumedFrame(false, nil)
	if err != nil {
		t.Fatalf("NewSessionResumedFrame() error = %v", err)
	}

	var f struct {
		Variables map[string]string `json:"variables"`
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if f.Variables == nil {
		t.Error("Variables = null, want empty object")
	}
}

func TestNewSessionNewFrame(t *testing.T) {
	t.Parallel()

	raw, err := NewSessionNewFrame(false)
	if err != nil {
		t.Fatalf("NewSessionNewFrame() error = %v", err)
	}
	if got, want := string(raw), `{"type":"session_new"}`; got != want {
		t.Errorf("frame = %s, want %s", got, want)
	}

	raw, err = NewSessionNewFrame(true)
	if err != nil {
		t.Fatalf("NewSessionNewFrame() error = %v", err)
	}
	var f struct {
		BridgeMode bool `json:"bridgeMode"`
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if !f.BridgeMode {
		t.Error("BridgeMode = false, want true")
	}
}

func TestNewMipChatFrameFlattens(t *testing.T) {
	t.Parallel()

	raw, err := NewMipChatFrame(mip.Chat{
		Message:  "hi there",
		ChatType: "channel",
		Channel:  "gossip",
		RawText:  "hi there",
	})
	if err != nil {
		t.Fatalf("NewMipChatFrame() error = %v", err)
	}

	var f map[string]any
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if f["type"] != TypeMipChat {
		t.Errorf("type = %v, want %q", f["type"], TypeMipChat)
	}
	if f["channel"] != "gossip" {
		t.Errorf("channel = %v, want gossip (fields must flatten into the envelope)", f["channel"])
	}
}

func TestNewBroadcastFrame(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 5, 1, 8, 30, 0, 0, time.UTC)
	raw, err := NewBroadcastFrame("reboot in 5", at)
	if err != nil {
		t.Fatalf("NewBroadcastFrame() error = %v", err)
	}

	var f struct {
		Type      string `json:"type"`
		Message   string `json:"message"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if f.Timestamp != at.UnixMilli() {
		t.Errorf("Timestamp = %d, want %d", f.Timestamp, at.UnixMilli())
	}
	if f.Message != "reboot in 5" {
		t.Errorf("Message = %q, want %q", f.Message, "reboot in 5")
	}
}

func TestEnvelopeDecode(t *testing.T) {
	t.Parallel()

	var env Envelope
	if err := json.Unmarshal([]byte(`{"type":"set_server","host":"3k.org","port":3000}`), &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != TypeSetServer {
		t.Errorf("Type = %q, want %q", env.Type, TypeSetServer)
	}

	var msg SetServer
	if err := json.Unmarshal([]byte(`{"type":"set_server","host":"3k.org","port":3000}`), &msg); err != nil {
		t.Fatalf("unmarshal set_server: %v", err)
	}
	if msg.Host != "3k.org" || msg.Port != 3000 {
		t.Errorf("SetServer = %+v, want 3k.org:3000", msg)
	}
}
