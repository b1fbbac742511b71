package session

import (
	"context"

	"github.com/mudgate/mudgate/internal/proto"
	"github.com/mudgate/mudgate/internal/store"
	"github.com/mudgate/mudgate/internal/upstream"
)

// Shutdown runs the graceful-exit sequence: warn every attached browser, persist the live sessions, then part
// with the upstream sockets. In bridge mode that means just closing the control WebSocket (the bridge keeps the
// sockets and starts buffering); in direct mode each upstream gets a FIN so the game server flags linkdeath.
func (m *Manager) Shutdown(ctx context.Context) {
	notice, err := proto.NewSystemFrame("The proxy is restarting, your connection will resume shortly.", proto.SubtypeStatusOnly)
	if err != nil {
		notice = nil
	}

	sessions := m.all()
	var records []store.SessionRecord
	for _, s := range sessions {
		if rec, live := s.prepareShutdown(notice); live {
			records = append(records, rec)
		}
	}

	if m.store.Configured() && len(records) > 0 {
		if err := m.store.SaveSessions(ctx, records); err != nil {
			m.log.Error().Err(err).Msg("session persist failed")
			m.events.Record("persist_failed", map[string]any{"error": err.Error()})
		} else {
			m.log.Info().Int("count", len(records)).Msg("sessions persisted")
			m.events.Record("sessions_persisted", map[string]any{"count": len(records)})
		}
	}

	if m.bridge != nil {
		_ = m.bridge.Close()
		return
	}
	for _, s := range sessions {
		s.halfCloseUpstream()
	}
}

// Restore brings persisted sessions back after a boot. Bridge mode resumes the preserved sockets under their
// original tokens; direct mode re-dials and drives the auto-login machine with the stored password. The store
// is cleared afterwards so a persist/restore race cannot resurrect the same sessions twice.
func (m *Manager) Restore(ctx context.Context) {
	if !m.store.Configured() {
		m.log.Info().Msg("store not configured, skipping session restore")
		return
	}
	records, err := m.store.ListSessions(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("session restore: list failed")
		m.events.Record("restore_failed", map[string]any{"error": err.Error()})
		return
	}
	if len(records) == 0 {
		return
	}
	m.log.Info().Int("count", len(records)).Msg("restoring persisted sessions")

	m.mu.Lock()
	m.restoreRecords = records
	m.mu.Unlock()

	m.restorePass(ctx, records)

	if err := m.store.ClearSessions(ctx); err != nil {
		m.log.Error().Err(err).Msg("session restore: clear failed")
	}
}

// ResumeBridgeEntries re-attaches every session holding a bridge upstream. The bridge client calls this after
// restoring a dropped control link; entries buffered on the bridge side replay through resume.
func (m *Manager) ResumeBridgeEntries() {
	n := 0
	for _, s := range m.all() {
		if s.reresumeBridge() {
			n++
		}
	}
	if n > 0 {
		m.log.Info().Int("count", n).Msg("bridge entries re-resumed after relink")
		m.events.Record("bridge_relink", map[string]any{"resumed": n})
	}
}

// RestoreRetry is the direct-mode second pass, catching characters whose old link had not dropped yet when the
// first attempt hit "already logged in".
func (m *Manager) RestoreRetry(ctx context.Context) {
	if m.bridge != nil {
		return
	}
	m.mu.Lock()
	records := m.restoreRecords
	m.restoreRecords = nil
	m.mu.Unlock()
	if len(records) == 0 {
		return
	}
	m.log.Info().Int("count", len(records)).Msg("running second restore pass")
	m.restorePass(ctx, records)
}

func (m *Manager) restorePass(ctx context.Context, records []store.SessionRecord) {
	for _, rec := range records {
		outcome := m.restoreOne(ctx, rec)
		m.metrics.RestoresTotal.WithLabelValues(outcome).Inc()
		m.events.Record("session_restore", map[string]any{
			"character": rec.CharacterName,
			"server":    rec.Server,
			"outcome":   outcome,
		})
		m.log.Info().Str("character", rec.CharacterName).Str("outcome", outcome).Msg("session restore attempted")
	}
}

func (m *Manager) restoreOne(ctx context.Context, rec store.SessionRecord) string {
	if len(rec.Token) != tokenLength {
		return "bad_record"
	}
	if rec.Stale(m.now(), m.cfg.StaleSessionMax) {
		return "stale"
	}
	target, ok := upstream.ByCode(rec.Server)
	if !ok {
		return "bad_record"
	}

	key := ownerKey{rec.UserID, rec.CharacterID}
	m.mu.Lock()
	if _, exists := m.owners[key]; exists {
		// A browser reconnected before restore got here; its session wins.
		m.mu.Unlock()
		return "already_active"
	}
	if _, exists := m.sessions[rec.Token]; exists {
		m.mu.Unlock()
		return "already_active"
	}
	s := newSession(m, proto.Auth{
		Token:         rec.Token,
		UserID:        rec.UserID,
		CharacterID:   rec.CharacterID,
		CharacterName: rec.CharacterName,
		IsWizard:      rec.IsWizard,
	})
	if rec.BridgeToken != "" {
		s.bridgeToken = rec.BridgeToken
	}
	m.sessions[rec.Token] = s
	m.owners[key] = rec.Token
	m.mu.Unlock()

	if m.bridge != nil {
		return s.resumeBridge(target)
	}

	password, err := m.store.GetCharacterPassword(ctx, rec.UserID, rec.CharacterID)
	if err != nil || password == "" {
		m.log.Warn().Err(err).Str("character", rec.CharacterName).Msg("no password for autologin")
		s.Close("no stored password")
		return "no_password"
	}
	s.startAutologin(target, rec.CharacterName, password)
	return "autologin"
}
