package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mudgate/mudgate/internal/config"
	"github.com/mudgate/mudgate/internal/eventlog"
	"github.com/mudgate/mudgate/internal/metrics"
	"github.com/mudgate/mudgate/internal/proto"
	"github.com/mudgate/mudgate/internal/store"
	"github.com/mudgate/mudgate/internal/upstream"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:                3000,
		StoreTimeout:        time.Second,
		IdleTimeout:         15 * time.Minute,
		SweepInterval:       time.Minute,
		StaleSessionMax:     120 * time.Second,
		QueueFlushDelay:     3 * time.Second,
		PatchDelay:          40 * time.Millisecond,
		AutologinTimeout:    time.Second,
		RestoreRetryDelay:   time.Second,
		OutboundBufferLimit: 150,
		ChatRingLimit:       100,
		BridgeBufferLimit:   500,
		LogRingLimit:        100,
	}
}

func newTestManager(t *testing.T, cfg *config.Config) *Manager {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	st := store.New("", "", time.Second, zerolog.Nop())
	m := NewManager(cfg, st, nil, eventlog.New(100, zerolog.Nop()), metrics.New(), zerolog.Nop())
	m.dial = func(ctx context.Context, target upstream.Target, events upstream.Events, logger zerolog.Logger) (upstream.Conn, error) {
		return nil, errors.New("tests do not dial")
	}
	return m
}

func token(c byte) string {
	return strings.Repeat(string(c), 64)
}

func testAuth() proto.Auth {
	return proto.Auth{
		Token:         token('a'),
		UserID:        "u1",
		CharacterID:   "c1",
		CharacterName: "Ada",
	}
}

type fakeBrowser struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (b *fakeBrowser) Enqueue(frame []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, frame)
	return true
}

func (b *fakeBrowser) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

func (b *fakeBrowser) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// decoded returns every frame as a generic map, in delivery order.
func (b *fakeBrowser) decoded() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]map[string]any, 0, len(b.frames))
	for _, fr := range b.frames {
		var m map[string]any
		if err := json.Unmarshal(fr, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func (b *fakeBrowser) ofType(frameType string) []map[string]any {
	var out []map[string]any
	for _, m := range b.decoded() {
		if m["type"] == frameType {
			out = append(out, m)
		}
	}
	return out
}

func (b *fakeBrowser) firstType() string {
	frames := b.decoded()
	if len(frames) == 0 {
		return ""
	}
	t, _ := frames[0]["type"].(string)
	return t
}

type fakeConn struct {
	mu          sync.Mutex
	writes      []string
	closeWrites int
	closes      int
}

func (c *fakeConn) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, string(data))
	return nil
}

func (c *fakeConn) CloseWrite() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeWrites++
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeConn) wrote() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

func (c *fakeConn) finCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeWrites
}

// installConn wires a fake upstream straight into the session, as if a dial to 3k just completed.
func installConn(s *Session) *fakeConn {
	fc := &fakeConn{}
	target, _ := upstream.ByCode("3k")
	s.mu.Lock()
	s.conn = fc
	s.target = target
	s.hasTarget = true
	s.setMudUpLocked(true)
	s.mu.Unlock()
	return fc
}

func feedUpstream(s *Session, data string) {
	s.mu.Lock()
	gen := s.connGen
	s.mu.Unlock()
	s.upstreamData(gen, []byte(data))
}

func syncAliases(s *Session) {
	s.HandleMessage(proto.TypeSetAliases, []byte(`{"aliases":[]}`))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAttachNewSession(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	b := &fakeBrowser{}

	s, err := m.Attach(b, testAuth())
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if got := b.firstType(); got != "session_new" {
		t.Errorf("first frame type = %q, want %q", got, "session_new")
	}
	if s.Token() != token('a') {
		t.Errorf("Token() = %q, want %q", s.Token(), token('a'))
	}
	if m.Count() != 1 {
		t.Errorf("Count() = %d, want 1", m.Count())
	}
}

func TestAttachRejectsBadToken(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	auth := testAuth()
	auth.Token = "short"

	if _, err := m.Attach(&fakeBrowser{}, auth); !errors.Is(err, ErrBadToken) {
		t.Fatalf("Attach() error = %v, want ErrBadToken", err)
	}
	if m.Count() != 0 {
		t.Errorf("Count() = %d, want 0", m.Count())
	}
}

func TestSecondBrowserDisplacesFirst(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	b1 := &fakeBrowser{}
	b2 := &fakeBrowser{}

	if _, err := m.Attach(b1, testAuth()); err != nil {
		t.Fatalf("first Attach() error = %v", err)
	}
	if _, err := m.Attach(b2, testAuth()); err != nil {
		t.Fatalf("second Attach() error = %v", err)
	}

	if got := len(b1.ofType("session_taken")); got != 1 {
		t.Errorf("old browser session_taken frames = %d, want 1", got)
	}
	if !b1.isClosed() {
		t.Error("old browser not closed")
	}
	if got := b2.firstType(); got != "session_resumed" {
		t.Errorf("new browser first frame = %q, want session_resumed", got)
	}
	if m.Count() != 1 {
		t.Errorf("Count() = %d, want 1", m.Count())
	}
}

func TestRekeyPreservesUpstream(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	b1 := &fakeBrowser{}
	b2 := &fakeBrowser{}

	s1, err := m.Attach(b1, testAuth())
	if err != nil {
		t.Fatalf("first Attach() error = %v", err)
	}
	fc := installConn(s1)

	auth2 := testAuth()
	auth2.Token = token('b')
	s2, err := m.Attach(b2, auth2)
	if err != nil {
		t.Fatalf("re-key Attach() error = %v", err)
	}

	if s2 != s1 {
		t.Fatal("re-key created a new session instead of moving the old one")
	}
	if s1.Token() != token('b') {
		t.Errorf("Token() = %q, want the new token", s1.Token())
	}
	if fc.finCount() != 0 {
		t.Error("upstream connection was half-closed during re-key")
	}
	if len(b1.ofType("session_taken")) != 1 || !b1.isClosed() {
		t.Error("old browser was not taken over")
	}
	resumed := b2.ofType("session_resumed")
	if len(resumed) != 1 {
		t.Fatalf("session_resumed frames = %d, want 1", len(resumed))
	}
	if resumed[0]["mudConnected"] != true {
		t.Errorf("session_resumed mudConnected = %v, want true", resumed[0]["mudConnected"])
	}
	if m.Count() != 1 {
		t.Errorf("Count() = %d, want 1", m.Count())
	}
}

func TestCommandsQueueUntilAliasSync(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	s, _ := m.Attach(&fakeBrowser{}, testAuth())
	fc := installConn(s)

	s.HandleCommand(proto.Command{Command: "info general"})
	if got := fc.wrote(); len(got) != 0 {
		t.Fatalf("writes before alias sync = %v, want none", got)
	}

	s.HandleMessage(proto.TypeSetAliases, []byte(`{"aliases":[{"id":"a1","pattern":"info","matchType":"exact","replacement":"priest","enabled":true}]}`))

	want := []string{"priest general\r\n"}
	if got := fc.wrote(); len(got) != 1 || got[0] != want[0] {
		t.Errorf("writes after sync = %v, want %v", got, want)
	}
}

func TestQueueSafetyFlush(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.QueueFlushDelay = 30 * time.Millisecond
	m := newTestManager(t, cfg)
	s, _ := m.Attach(&fakeBrowser{}, testAuth())
	fc := installConn(s)

	s.HandleCommand(proto.Command{Command: "look"})
	waitFor(t, "queued command flush", func() bool { return len(fc.wrote()) == 1 })
	if got := fc.wrote()[0]; got != "look\r\n" {
		t.Errorf("flushed write = %q, want %q", got, "look\r\n")
	}
}

func TestRawCommandBypassesExpansion(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	s, _ := m.Attach(&fakeBrowser{}, testAuth())
	fc := installConn(s)

	s.HandleCommand(proto.Command{Command: "say a;b", Raw: true})

	want := []string{"say a;b\r\n"}
	if got := fc.wrote(); len(got) != 1 || got[0] != want[0] {
		t.Errorf("raw writes = %v, want %v", got, want)
	}
}

func TestUpstreamDataFramedIntoMudFrames(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	b := &fakeBrowser{}
	s, _ := m.Attach(b, testAuth())
	installConn(s)

	feedUpstream(s, "Hello\nPassword:\xff\xf9")

	mud := b.ofType("mud")
	if len(mud) != 2 {
		t.Fatalf("mud frames = %d, want 2", len(mud))
	}
	if mud[0]["line"] != "Hello" || mud[1]["line"] != "Password:" {
		t.Errorf("mud lines = %v, %v, want Hello, Password:", mud[0]["line"], mud[1]["line"])
	}
	// The GA-flushed prompt frame must carry no empty extras on the wire.
	b.mu.Lock()
	last := string(b.frames[len(b.frames)-1])
	b.mu.Unlock()
	if last != `{"type":"mud","line":"Password:"}` {
		t.Errorf("prompt frame = %s, want minimal mud frame", last)
	}
}

func TestPacketPatchFlushesStalledPartial(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	b := &fakeBrowser{}
	s, _ := m.Attach(b, testAuth())
	installConn(s)

	feedUpstream(s, "prompt> ")
	if got := len(b.ofType("mud")); got != 0 {
		t.Fatalf("mud frames before patch delay = %d, want 0", got)
	}

	waitFor(t, "packet patch flush", func() bool { return len(b.ofType("mud")) == 1 })
	if got := b.ofType("mud")[0]["line"]; got != "prompt> " {
		t.Errorf("patched line = %q, want %q", got, "prompt> ")
	}
}

func TestPacketPatchCanceledByNewline(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	b := &fakeBrowser{}
	s, _ := m.Attach(b, testAuth())
	installConn(s)

	feedUpstream(s, "par")
	feedUpstream(s, "tial\n")

	time.Sleep(3 * testConfig().PatchDelay)
	mud := b.ofType("mud")
	if len(mud) != 1 {
		t.Fatalf("mud frames = %d, want 1", len(mud))
	}
	if mud[0]["line"] != "partial" {
		t.Errorf("line = %q, want %q", mud[0]["line"], "partial")
	}
}

func TestTriggerGagStillFiresLaterCommand(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	b := &fakeBrowser{}
	s, _ := m.Attach(b, testAuth())
	fc := installConn(s)

	s.HandleMessage(proto.TypeSetTriggers, []byte(`{"triggers":[
		{"id":"t1","pattern":"secret","enabled":true,"priority":3,"actions":[{"type":"gag"}]},
		{"id":"t2","pattern":"secret","enabled":true,"priority":5,"actions":[{"type":"command","command":"say found"}]}
	]}`))

	feedUpstream(s, "secret\n")

	if got := len(b.ofType("mud")); got != 0 {
		t.Errorf("gagged line produced %d mud frames, want 0", got)
	}
	want := []string{"say found\r\n"}
	if got := fc.wrote(); len(got) != 1 || got[0] != want[0] {
		t.Errorf("writes = %v, want %v", got, want)
	}
}

func TestTriggerCaptureStaysEscapedOnWire(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	s, _ := m.Attach(&fakeBrowser{}, testAuth())
	fc := installConn(s)

	s.HandleMessage(proto.TypeSetTriggers, []byte(`{"triggers":[
		{"id":"t1","pattern":"%w tells you: %1","enabled":true,"actions":[{"type":"command","command":"say You said: %1"}]}
	]}`))

	feedUpstream(s, "Bob tells you: ha; quit\n")

	want := []string{"say You said: ha\\; quit\r\n"}
	if got := fc.wrote(); len(got) != 1 || got[0] != want[0] {
		t.Errorf("writes = %v, want exactly %v", got, want)
	}
}

func TestInlineDirectiveSequencing(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	b := &fakeBrowser{}
	s, _ := m.Attach(b, testAuth())
	fc := installConn(s)
	syncAliases(s)

	s.HandleCommand(proto.Command{Command: "#var x 1;say $x;#math x $x+1;say $x"})

	want := []string{"say 1\r\n", "say 2\r\n"}
	got := fc.wrote()
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("writes = %v, want %v", got, want)
	}
	if got := len(b.ofType("client_command")); got != 2 {
		t.Errorf("client_command frames = %d, want 2", got)
	}
}

func TestBrowserEscapesInterpretedOnWire(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	s, _ := m.Attach(&fakeBrowser{}, testAuth())
	fc := installConn(s)
	syncAliases(s)

	s.HandleCommand(proto.Command{Command: `say a\;b`})

	want := []string{"say a;b\r\n"}
	if got := fc.wrote(); len(got) != 1 || got[0] != want[0] {
		t.Errorf("writes = %v, want %v", got, want)
	}
}

func TestDetachedOutputReplayedWithOverflowSummary(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	b1 := &fakeBrowser{}
	s, _ := m.Attach(b1, testAuth())
	installConn(s)
	s.DetachBrowser(b1)

	var sb strings.Builder
	for i := 0; i < 160; i++ {
		fmt.Fprintf(&sb, "line %d\n", i)
	}
	feedUpstream(s, sb.String())

	b2 := &fakeBrowser{}
	if _, err := m.Attach(b2, testAuth()); err != nil {
		t.Fatalf("reattach error = %v", err)
	}

	systems := b2.ofType("system")
	if len(systems) != 1 {
		t.Fatalf("system frames = %d, want 1 overflow summary", len(systems))
	}
	msg, _ := systems[0]["message"].(string)
	if !strings.Contains(msg, "10 lines") {
		t.Errorf("overflow summary = %q, want mention of 10 dropped lines", msg)
	}
	mud := b2.ofType("mud")
	if len(mud) != 150 {
		t.Fatalf("mud frames replayed = %d, want 150 (oldest 10 dropped)", len(mud))
	}
	if mud[0]["line"] != "line 10" || mud[149]["line"] != "line 159" {
		t.Errorf("replay spans %q..%q, want %q..%q", mud[0]["line"], mud[149]["line"], "line 10", "line 159")
	}
}

func TestChatRingReplayedInOrder(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	b1 := &fakeBrowser{}
	s, _ := m.Attach(b1, testAuth())
	s.HandleMessage(proto.TypeSetTriggers, []byte(`{"triggers":[
		{"id":"t1","pattern":"%w tells you: %1","enabled":true,"actions":[{"type":"chatmon","message":"%0","channel":"tells"}]}
	]}`))
	s.DetachBrowser(b1)

	for _, line := range []string{"Ann tells you: one", "Ben tells you: two", "Cal tells you: three"} {
		s.HandleMessage(proto.TypeTestLine, []byte(`{"line":"`+line+`"}`))
	}

	b2 := &fakeBrowser{}
	if _, err := m.Attach(b2, testAuth()); err != nil {
		t.Fatalf("reattach error = %v", err)
	}

	if got := b2.firstType(); got != "session_resumed" {
		t.Errorf("first frame = %q, want session_resumed", got)
	}
	chat := b2.ofType("trigger_chatmon")
	if len(chat) != 3 {
		t.Fatalf("trigger_chatmon frames = %d, want 3", len(chat))
	}
	for i, want := range []string{"Ann tells you: one", "Ben tells you: two", "Cal tells you: three"} {
		if chat[i]["message"] != want {
			t.Errorf("chat[%d] = %q, want %q", i, chat[i]["message"], want)
		}
	}
}

func TestMipNegotiationAndStats(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	b := &fakeBrowser{}
	s, _ := m.Attach(b, testAuth())
	fc := installConn(s)

	s.HandleMessage(proto.TypeSetMIP, []byte(`{"enabled":true,"mipId":"12345"}`))

	wrote := fc.wrote()
	if len(wrote) != 3 || !strings.HasPrefix(wrote[0], "3klient 12345~~") {
		t.Fatalf("init writes = %v, want the three 3klient negotiation commands", wrote)
	}

	feedUpstream(s, "You feel fine.%12345009FFFA450~B500\n")

	mud := b.ofType("mud")
	if len(mud) != 1 || mud[0]["line"] != "You feel fine." {
		t.Errorf("mud frames = %v, want the stripped text only", mud)
	}
	stats := b.ofType("mip_stats")
	if len(stats) != 1 {
		t.Fatalf("mip_stats frames = %d, want 1", len(stats))
	}
	inner, _ := stats[0]["stats"].(map[string]any)
	if inner["hp"] != float64(450) || inner["hpMax"] != float64(500) {
		t.Errorf("stats = %v, want hp 450/500", inner)
	}
}

func TestMipChatEntersRingAndReplays(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	b1 := &fakeBrowser{}
	s, _ := m.Attach(b1, testAuth())
	installConn(s)
	s.HandleMessage(proto.TypeSetMIP, []byte(`{"enabled":true,"mipId":"12345"}`))
	s.DetachBrowser(b1)

	feedUpstream(s, "%12345014CAAchat~Bubba: hi\n")

	b2 := &fakeBrowser{}
	if _, err := m.Attach(b2, testAuth()); err != nil {
		t.Fatalf("reattach error = %v", err)
	}
	chat := b2.ofType("mip_chat")
	if len(chat) != 1 {
		t.Fatalf("mip_chat frames = %d, want 1", len(chat))
	}
	if chat[0]["channel"] != "chat" {
		t.Errorf("channel = %q, want %q", chat[0]["channel"], "chat")
	}
	if raw, _ := chat[0]["rawText"].(string); !strings.Contains(raw, "Bubba: hi") {
		t.Errorf("rawText = %q, want it to contain the message", raw)
	}
}

func TestStatsSnapshotReemittedOnReattach(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	b1 := &fakeBrowser{}
	s, _ := m.Attach(b1, testAuth())
	installConn(s)
	s.HandleMessage(proto.TypeSetMIP, []byte(`{"enabled":true,"mipId":"12345"}`))

	feedUpstream(s, "%12345009FFFA450~B500\n")
	s.DetachBrowser(b1)

	b2 := &fakeBrowser{}
	if _, err := m.Attach(b2, testAuth()); err != nil {
		t.Fatalf("reattach error = %v", err)
	}
	stats := b2.ofType("mip_stats")
	if len(stats) != 1 {
		t.Fatalf("mip_stats frames after reattach = %d, want 1", len(stats))
	}
}

func TestKeepaliveAndHealthCheck(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	b := &fakeBrowser{}
	s, _ := m.Attach(b, testAuth())

	s.HandleMessage(proto.TypeKeepalive, nil)
	s.HandleMessage(proto.TypeHealthCheck, nil)

	if got := len(b.ofType("keepalive_ack")); got != 1 {
		t.Errorf("keepalive_ack frames = %d, want 1", got)
	}
	if got := len(b.ofType("health_ok")); got != 1 {
		t.Errorf("health_ok frames = %d, want 1", got)
	}
}

func TestSetServerRefusesUnknownTarget(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	dialed := false
	m.dial = func(ctx context.Context, target upstream.Target, events upstream.Events, logger zerolog.Logger) (upstream.Conn, error) {
		dialed = true
		return nil, errors.New("no")
	}
	b := &fakeBrowser{}
	s, _ := m.Attach(b, testAuth())

	s.HandleMessage(proto.TypeSetServer, []byte(`{"host":"evil.example.com","port":666}`))

	if dialed {
		t.Error("dial attempted for a target outside the allowlist")
	}
	systems := b.ofType("system")
	if len(systems) != 1 || !strings.Contains(systems[0]["message"].(string), "not on the allowed list") {
		t.Errorf("system frames = %v, want an allowlist refusal", systems)
	}
}

func TestSetServerDialsAllowlistedTarget(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	fc := &fakeConn{}
	var gotTarget upstream.Target
	var mu sync.Mutex
	m.dial = func(ctx context.Context, target upstream.Target, events upstream.Events, logger zerolog.Logger) (upstream.Conn, error) {
		mu.Lock()
		gotTarget = target
		mu.Unlock()
		return fc, nil
	}
	b := &fakeBrowser{}
	s, _ := m.Attach(b, testAuth())

	s.HandleMessage(proto.TypeSetServer, []byte(`{"host":"3k.org","port":3000}`))

	waitFor(t, "upstream connect", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.mudUp
	})
	mu.Lock()
	code := gotTarget.Code
	mu.Unlock()
	if code != "3k" {
		t.Errorf("dialed target code = %q, want %q", code, "3k")
	}
	waitFor(t, "connected notice", func() bool {
		for _, fr := range b.ofType("system") {
			if msg, _ := fr["message"].(string); strings.Contains(msg, "Connected to 3k.org:3000") {
				return true
			}
		}
		return false
	})
}

func TestDisconnectClosesSession(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	b := &fakeBrowser{}
	s, _ := m.Attach(b, testAuth())
	fc := installConn(s)

	s.HandleMessage(proto.TypeDisconnect, nil)

	if !s.isClosed() {
		t.Error("session not closed after disconnect")
	}
	if fc.finCount() != 1 {
		t.Errorf("CloseWrite calls = %d, want 1", fc.finCount())
	}
	if !b.isClosed() {
		t.Error("browser not closed")
	}
	if m.Count() != 0 {
		t.Errorf("Count() = %d, want 0", m.Count())
	}
}

func TestUpstreamCloseKeepsSessionAlive(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	b := &fakeBrowser{}
	s, _ := m.Attach(b, testAuth())
	installConn(s)

	s.mu.Lock()
	gen := s.connGen
	s.mu.Unlock()
	s.upstreamClosed(gen)

	if s.isClosed() {
		t.Error("session closed on upstream loss; the user should be able to reconnect")
	}
	if m.Count() != 1 {
		t.Errorf("Count() = %d, want 1", m.Count())
	}
	systems := b.ofType("system")
	if len(systems) != 1 || !strings.Contains(systems[0]["message"].(string), "closed") {
		t.Errorf("system frames = %v, want a connection-closed notice", systems)
	}
}

func TestTestLineRunsTriggerEngine(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	b := &fakeBrowser{}
	s, _ := m.Attach(b, testAuth())
	s.HandleMessage(proto.TypeSetTriggers, []byte(`{"triggers":[
		{"id":"t1","pattern":"ding","enabled":true,"actions":[{"type":"highlight","fgColor":"#ff0000"}]}
	]}`))

	s.HandleMessage(proto.TypeTestLine, []byte(`{"line":"ding"}`))

	mud := b.ofType("mud")
	if len(mud) != 1 {
		t.Fatalf("mud frames = %d, want 1", len(mud))
	}
	if mud[0]["highlight"] != true {
		t.Errorf("highlight = %v, want true", mud[0]["highlight"])
	}
	if line, _ := mud[0]["line"].(string); !strings.Contains(line, "<span") {
		t.Errorf("line = %q, want highlight markup", line)
	}
}

func TestMalformedPayloadKeepsSocket(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	b := &fakeBrowser{}
	s, _ := m.Attach(b, testAuth())

	s.HandleMessage(proto.TypeSetTriggers, []byte(`{not json`))

	if s.isClosed() {
		t.Error("session closed on malformed payload")
	}
	if got := len(b.ofType("error")); got != 1 {
		t.Errorf("error frames = %d, want 1", got)
	}
}
