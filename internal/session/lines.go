package session

import (
	"context"
	"time"

	"github.com/mudgate/mudgate/internal/mip"
	"github.com/mudgate/mudgate/internal/notify"
	"github.com/mudgate/mudgate/internal/proto"
	"github.com/mudgate/mudgate/internal/script"
	"github.com/mudgate/mudgate/internal/telnet"
)

const notifyTimeout = 5 * time.Second

// upstreamData is the hot path: telnet negotiation is stripped, the autologin machine gets first look during a
// restore, and the framer cuts the stream into lines. A remaining partial arms the packet-patch timer.
func (s *Session) upstreamData(gen int, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.connGen {
		return
	}
	s.manager.metrics.BytesDownTotal.Add(float64(len(data)))

	clean, hadGA := telnet.Strip(data)
	if s.login != nil {
		if !s.feedLoginLocked(string(clean)) {
			return
		}
		// Login just succeeded; let the welcome text flow through normally.
	}

	s.stopPatchTimerLocked()
	for _, line := range s.framer.Feed(string(clean), hadGA) {
		s.processLineLocked(line)
	}
	if s.framer.HasPartial() {
		s.armPatchTimerLocked()
	}
}

func (s *Session) upstreamConnected(gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.connGen {
		return
	}
	s.framer.Reset()
	s.setMudUpLocked(true)
	s.systemLocked("Connected to "+s.target.Addr()+".", "")
}

// upstreamBuffered arrives when the bridge replays bytes that piled up while no proxy was attached. It doubles
// as the resume acknowledgement: an entry that answers is an entry that still holds the socket.
func (s *Session) upstreamBuffered(gen int, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.connGen {
		return
	}
	s.setMudUpLocked(true)
	s.log.Info().Int("chunks", count).Msg("bridge resumed upstream")
	if count > 0 {
		s.systemLocked("Connection restored, replaying buffered output.", proto.SubtypeStatusOnly)
	}
}

func (s *Session) upstreamClosed(gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.connGen {
		return
	}
	s.conn = nil
	s.connGen++
	s.setMudUpLocked(false)
	s.stopPatchTimerLocked()
	if s.login != nil {
		s.failLoginLocked("connection closed during login")
		return
	}
	if line, ok := s.framer.FlushPartial(); ok {
		s.processLineLocked(line)
	}
	if !s.restarting {
		s.systemLocked("Connection to "+s.target.Addr()+" closed.", "")
	}
	s.log.Info().Msg("upstream closed")
}

func (s *Session) upstreamError(gen int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.connGen {
		return
	}
	s.log.Warn().Err(err).Msg("upstream error")
	if !s.restarting {
		s.systemLocked("Game connection error: "+err.Error(), "")
	}
	if !s.mudUp {
		// Connect or bridge resume failed before the link was ever up; free
		// the slot so a set_server can start over.
		s.dropConnLocked()
	}
}

// processLineLocked demultiplexes sideband frames out of a framed line, then hands the remaining text to the
// trigger engine. A line can carry text, a frame, and more text; the tail may itself hold another frame.
func (s *Session) processLineLocked(line string) {
	s.manager.metrics.LinesTotal.Inc()
	if s.mipOn {
		if before, fr, after, found := mip.Extract(line, s.mipID); found {
			if before != "" {
				s.renderLineLocked(before)
			}
			s.handleFrameLocked(fr)
			if after != "" {
				s.processLineLocked(after)
			}
			return
		}
	}
	s.renderLineLocked(line)
}

// renderLineLocked runs one text line through the trigger engine and fans out everything it produced: the
// (possibly substituted or gagged) line itself, fired commands, chat-monitor copies, and webhook notifications.
func (s *Session) renderLineLocked(line string) {
	res := s.engine.ProcessLine(line)

	for _, id := range res.Disabled {
		if fr, err := proto.NewDisableTriggerFrame(id); err == nil {
			s.deliverLocked(fr, false)
		}
		s.systemLocked("Trigger disabled after firing 50 times in 2 seconds.", "")
		s.manager.events.Record("trigger_disabled", map[string]any{
			"trigger":   id,
			"character": s.characterName,
		})
	}

	if !res.Gag {
		if fr, err := proto.NewMudFrame(res.Line, res.Highlight, res.Sound); err == nil {
			s.deliverLocked(fr, false)
		}
	}

	if len(res.Commands) > 0 {
		s.manager.metrics.TriggerFiresTotal.Add(float64(len(res.Commands)))
	}
	for _, cmd := range res.Commands {
		s.runCommandLocked(cmd, script.OriginTrigger)
	}

	for _, note := range res.Chatmon {
		msg := s.engine.Vars().Substitute(note.Message)
		if fr, err := proto.NewTriggerChatmonFrame(msg, note.Channel); err == nil {
			s.deliverLocked(fr, true)
		}
	}
	for _, note := range res.Discord {
		s.notifyDiscordLocked(note.WebhookURL, s.engine.Vars().Substitute(note.Message))
	}
}

// handleFrameLocked dispatches one extracted sideband frame. Unregistered frames are stripped from the text but
// never interpreted; anything else would let the game server spoof another session's id.
func (s *Session) handleFrameLocked(fr mip.Frame) {
	if s.mipDebug {
		if b, err := proto.NewMipDebugFrame(fr.Type, fr.Payload); err == nil {
			s.deliverLocked(b, false)
		}
	}
	if !fr.Registered {
		return
	}

	if chat, ok := mip.ParseChat(fr); ok {
		s.manager.metrics.ChatTotal.Inc()
		if b, err := proto.NewMipChatFrame(chat); err == nil {
			s.deliverLocked(b, true)
		}
		s.fanOutChatLocked(chat)
		return
	}

	if s.stats.Apply(fr) {
		s.statsValid = true
		if b, err := proto.NewMipStatsFrame(s.stats); err == nil {
			s.deliverLocked(b, false)
		}
	}
}

// fanOutChatLocked relays a chat line to its channel's webhook, but only while no browser is attached; with the
// client open the user is already reading the chat window.
func (s *Session) fanOutChatLocked(chat mip.Chat) {
	if s.browser != nil {
		return
	}
	pref, ok := s.prefs[chat.Channel]
	if !ok || !pref.Discord {
		return
	}
	s.notifyDiscordLocked(pref.WebhookURL, chat.RawText)
}

func (s *Session) notifyDiscordLocked(webhook, message string) {
	if !notify.ValidWebhook(webhook) {
		s.log.Warn().Msg("notification dropped, webhook url not allowed")
		return
	}
	message = notify.Sanitize(message)
	username := s.discordUser
	if username == "" {
		username = s.characterName
	}
	st := s.manager.store
	log := s.log
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := st.SendDiscord(ctx, webhook, message, username); err != nil {
			log.Error().Err(err).Msg("discord relay failed")
		}
	}()
}
