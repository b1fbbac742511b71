package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mudgate/mudgate/internal/mip"
	"github.com/mudgate/mudgate/internal/notify"
	"github.com/mudgate/mudgate/internal/proto"
	"github.com/mudgate/mudgate/internal/upstream"
)

// HandleMessage dispatches one parsed browser frame by type. Malformed payloads get an error frame but keep the
// socket; unknown types are logged and dropped so older clients don't get kicked for sending extras.
func (s *Session) HandleMessage(msgType string, raw []byte) {
	switch msgType {
	case proto.TypeCommand:
		var p proto.Command
		if !s.decode(msgType, raw, &p) {
			return
		}
		s.HandleCommand(p)

	case proto.TypeSetTriggers:
		var p proto.SetTriggers
		if !s.decode(msgType, raw, &p) {
			return
		}
		s.handleSetTriggers(p)

	case proto.TypeSetAliases:
		var p proto.SetAliases
		if !s.decode(msgType, raw, &p) {
			return
		}
		s.handleSetAliases(p)

	case proto.TypeSetTickers:
		var p proto.SetTickers
		if !s.decode(msgType, raw, &p) {
			return
		}
		s.handleSetTickers(p)

	case proto.TypeSetVariables:
		var p proto.SetVariables
		if !s.decode(msgType, raw, &p) {
			return
		}
		s.handleSetVariables(p)

	case proto.TypeSetFunctions:
		var p proto.SetFunctions
		if !s.decode(msgType, raw, &p) {
			return
		}
		s.handleSetFunctions(p)

	case proto.TypeSetMIP:
		var p proto.SetMIP
		if !s.decode(msgType, raw, &p) {
			return
		}
		s.handleSetMIP(p)

	case proto.TypeSetDiscordPrefs:
		var p proto.SetDiscordPrefs
		if !s.decode(msgType, raw, &p) {
			return
		}
		s.handleSetDiscordPrefs(p)

	case proto.TypeSetServer:
		var p proto.SetServer
		if !s.decode(msgType, raw, &p) {
			return
		}
		s.handleSetServer(p)

	case proto.TypeKeepalive:
		s.reply(proto.NewKeepaliveAckFrame())

	case proto.TypeHealthCheck:
		s.reply(proto.NewHealthOkFrame())

	case proto.TypeReconnect:
		s.handleReconnect()

	case proto.TypeTestLine:
		var p proto.TestLine
		if !s.decode(msgType, raw, &p) {
			return
		}
		s.handleTestLine(p)

	case proto.TypeDisconnect:
		s.handleDisconnect()

	default:
		s.log.Debug().Str("type", msgType).Msg("unknown message type dropped")
	}
}

func (s *Session) decode(msgType string, raw []byte, out any) bool {
	if err := json.Unmarshal(raw, out); err != nil {
		s.log.Warn().Err(err).Str("type", msgType).Msg("malformed payload")
		s.mu.Lock()
		s.errorLocked("malformed " + msgType + " payload")
		s.mu.Unlock()
		return false
	}
	return true
}

func (s *Session) reply(frame []byte, err error) {
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.deliverLocked(frame, false)
}

func (s *Session) handleSetTriggers(p proto.SetTriggers) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.engine.SetTriggers(p.Triggers)
	s.log.Debug().Int("count", len(p.Triggers)).Msg("triggers replaced")
	if s.pendingResume {
		// The trigger table is the last piece of config a reconnecting client
		// loads; only now is it safe to let the bridge replay buffered output.
		s.attemptBridgeResumeLocked()
	}
}

func (s *Session) handleSetAliases(p proto.SetAliases) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.engine.SetAliases(p.Aliases)
	s.log.Debug().Int("count", len(p.Aliases)).Msg("aliases replaced")
	s.drainQueueLocked()
}

func (s *Session) handleSetTickers(p proto.SetTickers) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.engine.SetTickers(p.Tickers)
	s.restartTickersLocked()
}

func (s *Session) handleSetVariables(p proto.SetVariables) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.engine.Vars().MergeSnapshot(p.Variables, raceWindow)
}

func (s *Session) handleSetFunctions(p proto.SetFunctions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.engine.SetFunctions(p.Functions)
}

func (s *Session) handleSetMIP(p proto.SetMIP) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if p.Enabled && !mip.ValidID(p.MIPID) {
		s.errorLocked("invalid mip id")
		return
	}
	wasOn := s.mipOn
	s.mipOn = p.Enabled
	s.mipID = p.MIPID
	s.mipDebug = p.Debug
	if p.Enabled && !wasOn && s.mudUp {
		for _, cmd := range mip.InitCommands(s.mipID) {
			s.writeUpstreamLocked([]byte(cmd + "\r\n"))
		}
	}
	s.log.Debug().Bool("enabled", p.Enabled).Str("mipId", p.MIPID).Msg("sideband state changed")
}

func (s *Session) handleSetDiscordPrefs(p proto.SetDiscordPrefs) {
	prefs := make(map[string]proto.ChannelPref, len(p.ChannelPrefs))
	for channel, pref := range p.ChannelPrefs {
		if pref.Discord && !notify.ValidWebhook(pref.WebhookURL) {
			s.log.Warn().Str("channel", channel).Msg("discord pref dropped, webhook url not allowed")
			pref.Discord = false
			pref.WebhookURL = ""
		}
		prefs[channel] = pref
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.prefs = prefs
	s.discordUser = p.Username
}

func (s *Session) handleSetServer(p proto.SetServer) {
	target, ok := upstream.Lookup(p.Host, p.Port)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if !ok {
		s.log.Warn().Str("host", p.Host).Int("port", p.Port).Msg("refused upstream target")
		s.systemLocked("That game server is not on the allowed list.", "")
		return
	}
	if s.mudUp && s.hasTarget && s.target == target {
		// Already connected there, likely via a bridge resume that beat the
		// client's connect click. Don't cut a live link.
		return
	}
	s.target = target
	s.hasTarget = true
	s.connectLocked()
}

func (s *Session) handleReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if !s.hasTarget {
		s.systemLocked("Pick a game server first.", "")
		return
	}
	s.systemLocked("Reconnecting to "+s.target.Addr()+".", "")
	s.connectLocked()
}

func (s *Session) handleTestLine(p proto.TestLine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.processLineLocked(p.Line)
}

// handleDisconnect is the one path where the user, not a failure, ends the session. The persisted record for
// this token (if any survived a recent restart) is removed so a later restore cannot log the character back in.
func (s *Session) handleDisconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.explicitQuit = true
	token := s.token
	s.mu.Unlock()

	if st := s.manager.store; st.Configured() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
			defer cancel()
			if err := st.RemoveSession(ctx, token); err != nil {
				s.log.Debug().Err(err).Msg("persisted session removal failed")
			}
		}()
	}
	s.Close("user disconnect")
}

// startAutologin is the direct-mode restore path: dial the target and drive the login dialog with the stored
// credentials. Normal line processing stays suppressed until the machine reaches a verdict.
func (s *Session) startAutologin(target upstream.Target, name, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.restored = true
	s.target = target
	s.hasTarget = true
	s.login = newAutologin(name, password)

	var t *time.Timer
	t = time.AfterFunc(s.cfg.AutologinTimeout, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed || s.loginTimer != t {
			return
		}
		s.loginTimer = nil
		if s.login != nil {
			s.failLoginLocked("timeout")
		}
	})
	s.loginTimer = t
	s.connectLocked()
}

// resumeBridge is the bridge-mode restore path: register under the persisted bridge token and ask for the
// surviving socket. The entry answering with a buffered frame marks the link live.
func (s *Session) resumeBridge(target upstream.Target) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "closed"
	}
	s.restored = true
	s.target = target
	s.hasTarget = true
	s.installBridgeLocked()
	if err := s.manager.bridge.Resume(s.bridgeToken); err != nil {
		s.log.Warn().Err(err).Msg("bridge resume failed")
		s.dropConnLocked()
		return "bridge_down"
	}
	return "resumed"
}

func (s *Session) feedLoginLocked(text string) bool {
	verdict, reply := s.login.feed(text)
	if reply != "" && s.conn != nil {
		if err := s.conn.Write([]byte(reply)); err != nil {
			s.log.Error().Err(err).Msg("autologin write failed")
		}
	}
	switch verdict {
	case loginSuccess:
		s.clearLoginLocked()
		s.manager.metrics.RestoresTotal.WithLabelValues("autologin_ok").Inc()
		s.manager.events.Record("autologin_success", map[string]any{"character": s.characterName})
		s.log.Info().Msg("autologin complete")
		return true
	case loginFailed:
		s.failLoginLocked(s.login.reason)
		return false
	}
	return false
}

// failLoginLocked destroys the socket but keeps the session shell; the user's browser can still claim it and
// connect manually.
func (s *Session) failLoginLocked(reason string) {
	s.clearLoginLocked()
	s.manager.metrics.RestoresTotal.WithLabelValues("autologin_failed").Inc()
	s.manager.events.Record("autologin_failed", map[string]any{
		"character": s.characterName,
		"reason":    reason,
	})
	s.log.Warn().Str("reason", reason).Msg("autologin failed")
	s.dropConnLocked()
}

func (s *Session) clearLoginLocked() {
	s.login = nil
	if s.loginTimer != nil {
		s.loginTimer.Stop()
		s.loginTimer = nil
	}
}
