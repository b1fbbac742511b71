// Package session holds the per-character state machine at the heart of the proxy: the upstream game socket,
// the line pipeline, the scripting engine, and the replay buffers that let a browser drop and reattach without
// losing the game connection. A Manager owns the token and user+character maps and drives restore after a
// process restart.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mudgate/mudgate/internal/config"
	"github.com/mudgate/mudgate/internal/mip"
	"github.com/mudgate/mudgate/internal/pipeline"
	"github.com/mudgate/mudgate/internal/proto"
	"github.com/mudgate/mudgate/internal/script"
	"github.com/mudgate/mudgate/internal/store"
	"github.com/mudgate/mudgate/internal/upstream"
)

// raceWindow is how long a server-side variable write outranks the browser's snapshot.
const raceWindow = 2 * time.Second

// Browser is the attached client socket. The gateway's websocket client implements it; tests substitute a
// recording fake. Enqueue reports false when the client's write queue is full and the client is being dropped.
type Browser interface {
	Enqueue(frame []byte) bool
	Close()
}

// Session is one character's connection through the proxy. Every mutation happens under mu; upstream reads,
// timer fires and browser messages all re-acquire it, so a session is its own unit of serialization.
type Session struct {
	mu sync.Mutex

	cfg     *config.Config
	log     zerolog.Logger
	manager *Manager

	token string
	// bridgeToken is the key the bridge entry was created under. Re-keying
	// changes token but never bridgeToken; the bridge has no rename operation.
	bridgeToken   string
	userID        string
	characterID   string
	characterName string
	isWizard      bool

	browser Browser
	conn    upstream.Conn
	// connGen orphans callbacks and dial results from a connection that has
	// since been replaced or torn down.
	connGen   int
	target    upstream.Target
	hasTarget bool
	mudUp     bool

	disconnectedAt time.Time
	closed         bool
	explicitQuit   bool
	restarting     bool
	aliasesSynced  bool
	// pendingResume marks a bridge-mode session that should try to adopt a
	// surviving bridge entry once the browser has shipped its trigger table.
	pendingResume bool
	restored      bool

	outBuf   [][]byte
	overflow bool
	dropped  int
	chatRing [][]byte

	cmdQueue   []string
	queueTimer *time.Timer

	framer     pipeline.Framer
	patchTimer *time.Timer

	mipOn      bool
	mipID      string
	mipDebug   bool
	stats      mip.Stats
	statsValid bool

	engine      *script.Engine
	tickerStop  chan struct{}
	delayTimers map[*time.Timer]struct{}

	prefs       map[string]proto.ChannelPref
	discordUser string

	login      *autologin
	loginTimer *time.Timer

	now func() time.Time
}

func newSession(m *Manager, auth proto.Auth) *Session {
	logger := m.log.With().
		Str("component", "session").
		Str("character", auth.CharacterName).
		Str("user", auth.UserID).
		Logger()
	vars := script.NewVars()
	s := &Session{
		cfg:            m.cfg,
		log:            logger,
		manager:        m,
		token:          auth.Token,
		bridgeToken:    auth.Token,
		userID:         auth.UserID,
		characterID:    auth.CharacterID,
		characterName:  auth.CharacterName,
		isWizard:       auth.IsWizard,
		disconnectedAt: m.now(),
		engine:         script.NewEngine(vars, logger),
		delayTimers:    make(map[*time.Timer]struct{}),
		now:            time.Now,
	}
	m.metrics.SessionsActive.Inc()
	return s
}

// Token returns the session's current token. It changes on re-key.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// CharacterName returns the character this session is bound to.
func (s *Session) CharacterName() string {
	return s.characterName
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) rekey(token string) {
	s.mu.Lock()
	old := s.token
	s.token = token
	s.mu.Unlock()
	s.log.Info().Str("oldToken", old[:8]).Str("newToken", token[:8]).Msg("session re-keyed")
}

// attach installs a browser, displacing any previous one, and runs the replay sequence: hello frame, overflow
// summary, buffered output in order, chat ring, then the current stats snapshot. It reports false when the
// session closed before the browser could land.
func (s *Session) attach(b Browser, isNew bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	if s.browser != nil {
		if fr, err := proto.NewSessionTakenFrame(); err == nil {
			s.browser.Enqueue(fr)
		}
		s.browser.Close()
		s.browser = nil
		s.manager.metrics.BrowsersConnected.Dec()
	}

	var hello []byte
	var err error
	if isNew {
		hello, err = proto.NewSessionNewFrame(s.manager.bridge != nil)
	} else {
		hello, err = proto.NewSessionResumedFrame(s.mudUp, s.engine.Vars().Snapshot())
	}
	if err != nil {
		s.log.Error().Err(err).Msg("hello frame marshal failed")
		return false
	}

	s.browser = b
	s.disconnectedAt = time.Time{}
	s.manager.metrics.BrowsersConnected.Inc()

	b.Enqueue(hello)
	if s.overflow {
		msg := fmt.Sprintf("%d lines of game output were dropped while no client was attached.", s.dropped)
		if fr, ferr := proto.NewSystemFrame(msg, ""); ferr == nil {
			b.Enqueue(fr)
		}
	}
	for _, fr := range s.outBuf {
		b.Enqueue(fr)
	}
	s.outBuf = nil
	s.overflow = false
	s.dropped = 0
	for _, fr := range s.chatRing {
		b.Enqueue(fr)
	}
	if s.statsValid {
		if fr, ferr := proto.NewMipStatsFrame(s.stats); ferr == nil {
			b.Enqueue(fr)
		}
	}
	return true
}

// DetachBrowser clears the browser slot after its socket died. The session stays registered so the user can
// reattach; the idle sweeper eventually reaps it.
func (s *Session) DetachBrowser(b Browser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browser != b {
		// Already displaced by a takeover; nothing to do.
		return
	}
	s.browser = nil
	s.disconnectedAt = s.now()
	s.manager.metrics.BrowsersConnected.Dec()
	s.log.Debug().Msg("browser detached")
}

func (s *Session) enqueueIfAttached(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browser == nil {
		return false
	}
	return s.browser.Enqueue(frame)
}

func (s *Session) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isWizard || s.browser != nil || s.disconnectedAt.IsZero() {
		return false
	}
	return s.disconnectedAt.Before(cutoff)
}

// deliverLocked routes an outbound frame: straight to the browser when one is attached, otherwise into the
// outbound buffer (head-drop). Chat-kind frames live in the chat ring instead, which replays on every attach,
// so they never enter the outbound buffer.
func (s *Session) deliverLocked(frame []byte, chat bool) {
	if chat {
		if len(s.chatRing) >= s.cfg.ChatRingLimit {
			s.chatRing = s.chatRing[1:]
		}
		s.chatRing = append(s.chatRing, frame)
		if s.browser != nil {
			s.browser.Enqueue(frame)
		}
		return
	}
	if s.browser != nil {
		s.browser.Enqueue(frame)
		return
	}
	if len(s.outBuf) >= s.cfg.OutboundBufferLimit {
		s.outBuf = s.outBuf[1:]
		s.overflow = true
		s.dropped++
	}
	s.outBuf = append(s.outBuf, frame)
}

func (s *Session) systemLocked(message, subtype string) {
	fr, err := proto.NewSystemFrame(message, subtype)
	if err != nil {
		return
	}
	s.deliverLocked(fr, false)
}

func (s *Session) errorLocked(message string) {
	fr, err := proto.NewErrorFrame(message)
	if err != nil {
		return
	}
	s.deliverLocked(fr, false)
}

// Close tears the session down once: cancels every timer, half-closes the upstream so the game server sees a
// clean FIN (with a one-second hard close behind it), closes the browser, and deregisters from the manager.
// During a bridge-mode restart the upstream is left alone; the bridge keeps it for the next process.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.connGen++
	s.stopTickersLocked()
	s.stopPatchTimerLocked()
	s.stopQueueTimerLocked()
	s.clearLoginLocked()
	for t := range s.delayTimers {
		t.Stop()
		delete(s.delayTimers, t)
	}

	conn := s.conn
	s.conn = nil
	browser := s.browser
	s.browser = nil
	wasUp := s.mudUp
	s.mudUp = false
	preserveUpstream := s.restarting && s.manager.bridge != nil
	s.mu.Unlock()

	if browser != nil {
		browser.Close()
		s.manager.metrics.BrowsersConnected.Dec()
	}
	if conn != nil && !preserveUpstream {
		if s.manager.bridge != nil {
			s.manager.bridge.Unregister(s.bridgeToken)
		}
		if err := conn.CloseWrite(); err != nil {
			_ = conn.Close()
		} else {
			time.AfterFunc(time.Second, func() { _ = conn.Close() })
		}
	}
	if wasUp {
		s.manager.metrics.UpstreamsConnected.Dec()
	}
	s.manager.metrics.SessionsActive.Dec()
	s.manager.events.Record("session_closed", map[string]any{
		"character": s.characterName,
		"reason":    reason,
	})
	s.log.Info().Str("reason", reason).Msg("session closed")
	s.manager.deregister(s)
}

// prepareShutdown warns the browser, flags the restart so close noise is suppressed, and returns the
// persistence record when the session holds a live upstream worth restoring.
func (s *Session) prepareShutdown(notice []byte) (store.SessionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restarting = true
	if s.browser != nil && notice != nil {
		s.browser.Enqueue(notice)
	}
	if !s.mudUp || !s.hasTarget {
		return store.SessionRecord{}, false
	}
	rec := store.SessionRecord{
		UserID:        s.userID,
		CharacterID:   s.characterID,
		CharacterName: s.characterName,
		Server:        s.target.Code,
		Token:         s.token,
		IsWizard:      s.isWizard,
		PersistedAt:   s.now().UnixMilli(),
	}
	if s.bridgeToken != s.token {
		rec.BridgeToken = s.bridgeToken
	}
	return rec, true
}

// halfCloseUpstream sends the FIN that lets the game server flag linkdeath right away. Direct-mode shutdown
// path; the process exits before the read side would matter.
func (s *Session) halfCloseUpstream() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.CloseWrite()
	}
}

func (s *Session) setMudUpLocked(up bool) {
	if s.mudUp == up {
		return
	}
	s.mudUp = up
	if up {
		s.manager.metrics.UpstreamsConnected.Inc()
	} else {
		s.manager.metrics.UpstreamsConnected.Dec()
	}
}

// connectLocked opens a fresh upstream connection to the current target, replacing any previous one. The direct
// TCP dial happens off the lock so a slow connect cannot stall browser traffic.
func (s *Session) connectLocked() {
	s.dropConnLocked()
	target := s.target

	if b := s.manager.bridge; b != nil {
		s.installBridgeLocked()
		if err := b.Init(s.bridgeToken, target); err != nil {
			s.log.Error().Err(err).Msg("bridge init failed")
			s.systemLocked("The connection bridge is unavailable, try again shortly.", "")
			s.dropConnLocked()
		}
		return
	}

	s.connGen++
	gen := s.connGen
	events := s.eventsFor(gen)
	go func() {
		conn, err := s.manager.dial(context.Background(), target, events, s.log)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed || gen != s.connGen {
			if err == nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			s.log.Error().Err(err).Str("addr", target.Addr()).Msg("upstream dial failed")
			s.systemLocked("Could not connect to "+target.Addr()+".", "")
			return
		}
		s.conn = conn
		s.framer.Reset()
		s.setMudUpLocked(true)
		s.systemLocked("Connected to "+target.Addr()+".", "")
	}()
}

// installBridgeLocked registers this session's callbacks under its bridge token and installs the bridge-backed
// conn. The caller follows up with an init or resume frame.
func (s *Session) installBridgeLocked() {
	s.connGen++
	s.manager.bridge.Register(s.bridgeToken, s.eventsFor(s.connGen))
	s.conn = upstream.NewBridgeConn(s.manager.bridge, s.bridgeToken)
}

// attemptBridgeResumeLocked asks the bridge for a surviving upstream entry under this session's token. Fired
// once the browser has shipped its trigger table, so replayed bytes meet a loaded trigger engine.
func (s *Session) attemptBridgeResumeLocked() {
	s.pendingResume = false
	b := s.manager.bridge
	if b == nil || s.conn != nil {
		return
	}
	s.installBridgeLocked()
	if err := b.Resume(s.bridgeToken); err != nil {
		s.log.Warn().Err(err).Msg("bridge resume failed")
		s.dropConnLocked()
	}
}

// reresumeBridge re-attaches this session's bridge entry after a control link drop and redial. The bridge
// buffered upstream output while the link was down; resume replays it through the normal pipeline.
func (s *Session) reresumeBridge() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.conn == nil || s.manager.bridge == nil {
		return false
	}
	if err := s.manager.bridge.Resume(s.bridgeToken); err != nil {
		s.log.Warn().Err(err).Msg("bridge re-resume failed")
		return false
	}
	return true
}

// dropConnLocked tears down the current upstream connection, if any, and orphans its pending callbacks.
func (s *Session) dropConnLocked() {
	s.connGen++
	s.stopPatchTimerLocked()
	if s.conn == nil {
		return
	}
	conn := s.conn
	s.conn = nil
	s.setMudUpLocked(false)
	s.framer.Reset()
	if s.manager.bridge != nil {
		s.manager.bridge.Unregister(s.bridgeToken)
	}
	// Close can block on a dead peer; never under the session lock.
	go func() { _ = conn.Close() }()
}

func (s *Session) eventsFor(gen int) upstream.Events {
	return upstream.Events{
		OnConnect:  func() { s.upstreamConnected(gen) },
		OnData:     func(data []byte) { s.upstreamData(gen, data) },
		OnClose:    func() { s.upstreamClosed(gen) },
		OnError:    func(err error) { s.upstreamError(gen, err) },
		OnBuffered: func(count int) { s.upstreamBuffered(gen, count) },
	}
}

func (s *Session) writeUpstreamLocked(data []byte) {
	if s.conn == nil {
		s.systemLocked("Not connected to a game server.", "")
		return
	}
	if err := s.conn.Write(data); err != nil {
		s.log.Error().Err(err).Msg("upstream write failed")
		return
	}
	s.manager.metrics.BytesUpTotal.Add(float64(len(data)))
}

func (s *Session) stopPatchTimerLocked() {
	if s.patchTimer != nil {
		s.patchTimer.Stop()
		s.patchTimer = nil
	}
}

// armPatchTimerLocked schedules the packet-patch flush: if no further upstream bytes arrive in time, the
// half-line sitting in the framer (usually a prompt without GA) is forced out as a line.
func (s *Session) armPatchTimerLocked() {
	s.stopPatchTimerLocked()
	var t *time.Timer
	t = time.AfterFunc(s.cfg.PatchDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed || s.patchTimer != t {
			return
		}
		s.patchTimer = nil
		if line, ok := s.framer.FlushPartial(); ok {
			s.processLineLocked(line)
		}
	})
	s.patchTimer = t
}

func (s *Session) stopQueueTimerLocked() {
	if s.queueTimer != nil {
		s.queueTimer.Stop()
		s.queueTimer = nil
	}
}

func (s *Session) stopTickersLocked() {
	if s.tickerStop != nil {
		close(s.tickerStop)
		s.tickerStop = nil
	}
}
