package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mudgate/mudgate/internal/config"
	"github.com/mudgate/mudgate/internal/eventlog"
	"github.com/mudgate/mudgate/internal/metrics"
	"github.com/mudgate/mudgate/internal/proto"
	"github.com/mudgate/mudgate/internal/store"
	"github.com/mudgate/mudgate/internal/upstream"
)

const tokenLength = 64

var (
	// ErrBadToken rejects auth frames whose token is not the issued length.
	ErrBadToken = errors.New("session: token must be 64 characters")
	// ErrTokenConflict rejects a token already bound to a different character.
	ErrTokenConflict = errors.New("session: token belongs to another character")
	// ErrClosed reports the session closed while the browser was attaching.
	ErrClosed = errors.New("session: closed")
)

type ownerKey struct {
	userID      string
	characterID string
}

// Manager owns the two cross-session maps: token to session, and user+character to token. Its lock covers only
// map operations; session processing runs under each session's own lock.
type Manager struct {
	cfg     *config.Config
	log     zerolog.Logger
	store   *store.Client
	events  *eventlog.Log
	metrics *metrics.Metrics
	// bridge is nil in direct mode, where sessions own their TCP sockets.
	bridge *upstream.BridgeClient

	mu       sync.Mutex
	sessions map[string]*Session
	owners   map[ownerKey]string

	// restoreRecords holds the persisted list between the boot restore and
	// the direct-mode second pass.
	restoreRecords []store.SessionRecord

	// dial opens direct upstream connections; tests stub it.
	dial func(ctx context.Context, target upstream.Target, events upstream.Events, logger zerolog.Logger) (upstream.Conn, error)
	now  func() time.Time
}

// NewManager creates the session registry.
func NewManager(
	cfg *config.Config,
	st *store.Client,
	bridge *upstream.BridgeClient,
	events *eventlog.Log,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Manager {
	return &Manager{
		cfg:      cfg,
		log:      logger,
		store:    st,
		events:   events,
		metrics:  m,
		bridge:   bridge,
		sessions: make(map[string]*Session),
		owners:   make(map[ownerKey]string),
		dial: func(ctx context.Context, target upstream.Target, events upstream.Events, logger zerolog.Logger) (upstream.Conn, error) {
			return upstream.DialTCP(ctx, target, events, logger)
		},
		now: time.Now,
	}
}

// BridgeMode reports whether upstream sockets live in the bridge sidecar.
func (m *Manager) BridgeMode() bool {
	return m.bridge != nil
}

// Attach runs the auth binding rules and lands the browser on the session it now owns:
//
//  1. A different token already registered for the same user+character means the user switched devices:
//     re-key the existing session (upstream socket and all) under the new token and take its browser slot.
//  2. The same token with a browser attached: displace that browser.
//  3. The same token without a browser: pure resume.
//  4. Otherwise create a fresh session.
func (m *Manager) Attach(b Browser, auth proto.Auth) (*Session, error) {
	if len(auth.Token) != tokenLength {
		return nil, ErrBadToken
	}
	key := ownerKey{auth.UserID, auth.CharacterID}

	m.mu.Lock()
	m.purgeClosedLocked(key, auth.Token)

	var s *Session
	var isNew, rekeyed bool
	switch {
	case m.owners[key] != "" && m.owners[key] != auth.Token:
		oldToken := m.owners[key]
		s = m.sessions[oldToken]
		delete(m.sessions, oldToken)
		m.sessions[auth.Token] = s
		m.owners[key] = auth.Token
		rekeyed = true
	case m.sessions[auth.Token] != nil:
		s = m.sessions[auth.Token]
		if s.userID != auth.UserID || s.characterID != auth.CharacterID {
			m.mu.Unlock()
			m.log.Warn().Str("character", auth.CharacterName).Msg("token collision across characters refused")
			return nil, ErrTokenConflict
		}
	default:
		s = newSession(m, auth)
		if m.bridge != nil {
			// The bridge may still hold this token's socket from before a
			// restart; try to adopt it once the client's config is in.
			s.pendingResume = true
		}
		m.sessions[auth.Token] = s
		m.owners[key] = auth.Token
		isNew = true
	}
	m.mu.Unlock()

	if rekeyed {
		s.rekey(auth.Token)
	}
	if !s.attach(b, isNew) {
		return nil, ErrClosed
	}

	event := "session_resumed"
	if isNew {
		event = "session_created"
	} else if rekeyed {
		event = "session_rekeyed"
	}
	m.events.Record(event, map[string]any{
		"character": auth.CharacterName,
		"user":      auth.UserID,
	})
	return s, nil
}

// purgeClosedLocked drops map entries pointing at sessions that finished closing but raced deregistration.
func (m *Manager) purgeClosedLocked(key ownerKey, token string) {
	if tok := m.owners[key]; tok != "" {
		if s := m.sessions[tok]; s == nil || s.isClosed() {
			delete(m.sessions, tok)
			delete(m.owners, key)
		}
	}
	if s := m.sessions[token]; s != nil && s.isClosed() {
		delete(m.sessions, token)
	}
}

func (m *Manager) deregister(s *Session) {
	token := s.Token()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[token] == s {
		delete(m.sessions, token)
	}
	key := ownerKey{s.userID, s.characterID}
	if m.owners[key] == token {
		delete(m.owners, key)
	}
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) all() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// SweepIdle closes sessions whose browser has been gone past the idle timeout. Wizard sessions are exempt;
// wizards camp for days.
func (m *Manager) SweepIdle() int {
	cutoff := m.now().Add(-m.cfg.IdleTimeout)
	var victims []*Session
	for _, s := range m.all() {
		if s.idleSince(cutoff) {
			victims = append(victims, s)
		}
	}
	for _, s := range victims {
		s.Close("idle timeout")
	}
	if len(victims) > 0 {
		m.log.Info().Int("count", len(victims)).Msg("idle sessions swept")
	}
	return len(victims)
}

// Broadcast fans a system-level announcement to every attached browser and returns how many received it.
func (m *Manager) Broadcast(message string) int {
	fr, err := proto.NewBroadcastFrame(message, m.now())
	if err != nil {
		return 0
	}
	n := 0
	for _, s := range m.all() {
		if s.enqueueIfAttached(fr) {
			n++
		}
	}
	m.events.Record("broadcast", map[string]any{"message": message, "delivered": n})
	return n
}

// Info is one row of the admin session listing.
type Info struct {
	UserID           string `json:"userId"`
	CharacterName    string `json:"characterName"`
	Server           string `json:"server"`
	MudConnected     bool   `json:"mudConnected"`
	BrowserConnected bool   `json:"browserConnected"`
}

// Sessions lists every registered session for the admin surface, ordered by character name.
func (m *Manager) Sessions() []Info {
	sessions := m.all()
	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		info := Info{
			UserID:           s.userID,
			CharacterName:    s.characterName,
			MudConnected:     s.mudUp,
			BrowserConnected: s.browser != nil,
		}
		if s.hasTarget {
			info.Server = s.target.Code
		}
		s.mu.Unlock()
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CharacterName < infos[j].CharacterName })
	return infos
}
