package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mudgate/mudgate/internal/eventlog"
	"github.com/mudgate/mudgate/internal/metrics"
	"github.com/mudgate/mudgate/internal/proto"
	"github.com/mudgate/mudgate/internal/store"
	"github.com/mudgate/mudgate/internal/upstream"
)

// storeFixture is a fake preferences store covering the endpoints the manager hits during shutdown and restore.
type storeFixture struct {
	mu       sync.Mutex
	sessions []store.SessionRecord
	saved    []store.SessionRecord
	password string
	cleared  bool
}

func (f *storeFixture) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case r.URL.Path == "/api/persistent_sessions" && r.URL.Query().Get("action") == "list":
			_ = json.NewEncoder(w).Encode(map[string]any{"sessions": f.sessions})
		case r.URL.Path == "/api/persistent_sessions" && r.URL.Query().Get("action") == "save":
			var body struct {
				Sessions []store.SessionRecord `json:"sessions"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			f.saved = body.Sessions
			_, _ = w.Write([]byte(`{}`))
		case r.URL.Path == "/api/persistent_sessions" && r.URL.Query().Get("action") == "clear":
			f.cleared = true
			_, _ = w.Write([]byte(`{}`))
		case r.URL.Path == "/api/characters":
			_ = json.NewEncoder(w).Encode(map[string]string{"password": f.password})
		default:
			http.NotFound(w, r)
		}
	})
}

func newStoreManager(t *testing.T, f *storeFixture) (*Manager, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(f.handler())
	t.Cleanup(ts.Close)
	st := store.New(ts.URL, "admin-key", time.Second, zerolog.Nop())
	m := NewManager(testConfig(), st, nil, eventlog.New(100, zerolog.Nop()), metrics.New(), zerolog.Nop())
	return m, ts
}

func TestShutdownPersistsLiveSessions(t *testing.T) {
	t.Parallel()
	fixture := &storeFixture{}
	m, _ := newStoreManager(t, fixture)

	b := &fakeBrowser{}
	s, err := m.Attach(b, testAuth())
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	fc := installConn(s)

	m.Shutdown(context.Background())

	fixture.mu.Lock()
	saved := fixture.saved
	fixture.mu.Unlock()
	if len(saved) != 1 {
		t.Fatalf("persisted records = %d, want 1", len(saved))
	}
	rec := saved[0]
	if rec.Token != token('a') || rec.Server != "3k" || rec.CharacterName != "Ada" {
		t.Errorf("record = %+v, want token/server/name of the live session", rec)
	}
	if rec.PersistedAt == 0 {
		t.Error("record PersistedAt not stamped")
	}
	if fc.finCount() != 1 {
		t.Errorf("upstream CloseWrite calls = %d, want 1", fc.finCount())
	}
	var sawNotice bool
	for _, fr := range b.ofType("system") {
		if fr["subtype"] == "status_only" {
			sawNotice = true
		}
	}
	if !sawNotice {
		t.Error("browser did not receive the status_only restart notice")
	}
}

func TestShutdownSkipsSessionsWithoutUpstream(t *testing.T) {
	t.Parallel()
	fixture := &storeFixture{}
	m, _ := newStoreManager(t, fixture)

	if _, err := m.Attach(&fakeBrowser{}, testAuth()); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	m.Shutdown(context.Background())

	fixture.mu.Lock()
	defer fixture.mu.Unlock()
	if len(fixture.saved) != 0 {
		t.Errorf("persisted records = %d, want 0 for a session with no game link", len(fixture.saved))
	}
}

func TestRestoreDrivesAutologin(t *testing.T) {
	t.Parallel()
	fixture := &storeFixture{
		password: "sesame",
		sessions: []store.SessionRecord{{
			UserID:        "u9",
			CharacterID:   "c9",
			CharacterName: "Resty",
			Server:        "3k",
			Token:         token('r'),
			PersistedAt:   time.Now().UnixMilli(),
		}},
	}
	m, _ := newStoreManager(t, fixture)
	fc := &fakeConn{}
	m.dial = func(ctx context.Context, target upstream.Target, events upstream.Events, logger zerolog.Logger) (upstream.Conn, error) {
		return fc, nil
	}

	m.Restore(context.Background())

	if m.Count() != 1 {
		t.Fatalf("Count() = %d, want 1 restored shell", m.Count())
	}
	m.mu.Lock()
	s := m.sessions[token('r')]
	m.mu.Unlock()
	if s == nil {
		t.Fatal("restored session not registered under its token")
	}
	waitFor(t, "restore dial", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.mudUp
	})

	feedUpstream(s, "Welcome to 3Kingdoms!\nWhat is your name: ")
	waitFor(t, "name reply", func() bool {
		for _, w := range fc.wrote() {
			if w == "Resty\r\n" {
				return true
			}
		}
		return false
	})
	feedUpstream(s, "Password: ")
	waitFor(t, "password reply", func() bool {
		for _, w := range fc.wrote() {
			if w == "sesame\r\n" {
				return true
			}
		}
		return false
	})
	feedUpstream(s, "Welcome back, Resty!\n")

	s.mu.Lock()
	loginDone := s.login == nil
	s.mu.Unlock()
	if !loginDone {
		t.Error("login machine still installed after success text")
	}

	fixture.mu.Lock()
	cleared := fixture.cleared
	fixture.mu.Unlock()
	if !cleared {
		t.Error("store not cleared after restore")
	}
}

func TestRestoreSkipsStaleAndActiveRecords(t *testing.T) {
	t.Parallel()
	fixture := &storeFixture{
		password: "pw",
		sessions: []store.SessionRecord{
			{
				UserID: "u2", CharacterID: "c2", CharacterName: "Old",
				Server: "3k", Token: token('s'),
				PersistedAt: time.Now().Add(-10 * time.Minute).UnixMilli(),
			},
			{
				UserID: "u1", CharacterID: "c1", CharacterName: "Ada",
				Server: "3k", Token: token('z'),
				PersistedAt: time.Now().UnixMilli(),
			},
		},
	}
	m, _ := newStoreManager(t, fixture)

	if _, err := m.Attach(&fakeBrowser{}, testAuth()); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	m.Restore(context.Background())

	if m.Count() != 1 {
		t.Errorf("Count() = %d, want 1 (no records restored)", m.Count())
	}
	outcomes := map[string]bool{}
	for _, e := range m.events.Recent("session_restore") {
		if o, ok := e.Data["outcome"].(string); ok {
			outcomes[o] = true
		}
	}
	if !outcomes["stale"] || !outcomes["already_active"] {
		t.Errorf("restore outcomes = %v, want stale and already_active", outcomes)
	}
}

func TestRestoreRetryRunsSecondPass(t *testing.T) {
	t.Parallel()
	fixture := &storeFixture{
		password: "pw",
		sessions: []store.SessionRecord{{
			UserID: "u9", CharacterID: "c9", CharacterName: "Resty",
			Server: "3k", Token: token('r'),
			PersistedAt: time.Now().UnixMilli(),
		}},
	}
	m, _ := newStoreManager(t, fixture)
	m.dial = func(ctx context.Context, target upstream.Target, events upstream.Events, logger zerolog.Logger) (upstream.Conn, error) {
		return &fakeConn{}, nil
	}

	m.Restore(context.Background())
	if m.Count() != 1 {
		t.Fatalf("Count() after first pass = %d, want 1", m.Count())
	}

	// First attempt hits "already logged in" territory: the shell is torn
	// down and the retry pass gets a fresh try from the kept records.
	m.mu.Lock()
	s := m.sessions[token('r')]
	m.mu.Unlock()
	s.Close("login refused")
	if m.Count() != 0 {
		t.Fatalf("Count() after close = %d, want 0", m.Count())
	}

	m.RestoreRetry(context.Background())
	if m.Count() != 1 {
		t.Errorf("Count() after retry = %d, want 1", m.Count())
	}
}

func TestSweepIdleExemptsWizardsAndAttached(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)

	b1 := &fakeBrowser{}
	s1, _ := m.Attach(b1, testAuth())
	s1.DetachBrowser(b1)

	wizAuth := proto.Auth{Token: token('w'), UserID: "u2", CharacterID: "c2", CharacterName: "Merlin", IsWizard: true}
	b2 := &fakeBrowser{}
	s2, _ := m.Attach(b2, wizAuth)
	s2.DetachBrowser(b2)

	attachedAuth := proto.Auth{Token: token('x'), UserID: "u3", CharacterID: "c3", CharacterName: "Here"}
	if _, err := m.Attach(&fakeBrowser{}, attachedAuth); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	for _, s := range []*Session{s1, s2} {
		s.mu.Lock()
		s.disconnectedAt = time.Now().Add(-time.Hour)
		s.mu.Unlock()
	}

	if got := m.SweepIdle(); got != 1 {
		t.Errorf("SweepIdle() = %d, want 1", got)
	}
	if m.Count() != 2 {
		t.Errorf("Count() = %d, want 2 (wizard and attached survive)", m.Count())
	}
	if s1.isClosed() != true || s2.isClosed() != false {
		t.Error("wrong session swept")
	}
}

func TestBroadcastReachesOnlyAttachedBrowsers(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)

	b1 := &fakeBrowser{}
	if _, err := m.Attach(b1, testAuth()); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	auth2 := proto.Auth{Token: token('b'), UserID: "u2", CharacterID: "c2", CharacterName: "Gone"}
	b2 := &fakeBrowser{}
	s2, _ := m.Attach(b2, auth2)
	s2.DetachBrowser(b2)

	if got := m.Broadcast("maintenance at noon"); got != 1 {
		t.Errorf("Broadcast() = %d, want 1", got)
	}
	frames := b1.ofType("broadcast")
	if len(frames) != 1 {
		t.Fatalf("broadcast frames = %d, want 1", len(frames))
	}
	if frames[0]["message"] != "maintenance at noon" {
		t.Errorf("message = %q, want the broadcast text", frames[0]["message"])
	}
	if _, ok := frames[0]["timestamp"].(float64); !ok {
		t.Error("broadcast frame missing numeric timestamp")
	}
}

func TestTokenCollisionAcrossCharactersRefused(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	if _, err := m.Attach(&fakeBrowser{}, testAuth()); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	other := proto.Auth{Token: token('a'), UserID: "u2", CharacterID: "c2", CharacterName: "Mallory"}
	if _, err := m.Attach(&fakeBrowser{}, other); err != ErrTokenConflict {
		t.Fatalf("Attach() error = %v, want ErrTokenConflict", err)
	}
}
