package session

import (
	"time"

	"github.com/mudgate/mudgate/internal/proto"
	"github.com/mudgate/mudgate/internal/script"
)

// HandleCommand processes one command message from the browser. Raw commands bypass expansion entirely; normal
// ones queue until the alias table has arrived so a reconnect cannot leak unexpanded text to the game.
func (s *Session) HandleCommand(cmd proto.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.manager.metrics.CommandsTotal.Inc()

	if cmd.Raw {
		s.writeUpstreamLocked([]byte(cmd.Command + "\r\n"))
		return
	}
	if !s.aliasesSynced {
		s.queueCommandLocked(cmd.Command)
		return
	}
	s.runCommandLocked(cmd.Command, script.OriginBrowser)
}

func (s *Session) queueCommandLocked(command string) {
	s.cmdQueue = append(s.cmdQueue, command)
	if s.queueTimer != nil {
		return
	}
	// Safety flush: a client that never sends set_aliases must not swallow
	// the user's commands forever.
	var t *time.Timer
	t = time.AfterFunc(s.cfg.QueueFlushDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed || s.queueTimer != t {
			return
		}
		s.queueTimer = nil
		s.log.Debug().Int("queued", len(s.cmdQueue)).Msg("alias sync timed out, draining command queue")
		s.drainQueueLocked()
	})
	s.queueTimer = t
}

func (s *Session) drainQueueLocked() {
	s.aliasesSynced = true
	s.stopQueueTimerLocked()
	queue := s.cmdQueue
	s.cmdQueue = nil
	for _, c := range queue {
		s.runCommandLocked(c, script.OriginBrowser)
	}
}

// runCommandLocked expands one input and routes every product: game lines upstream, directive echoes back to
// the browser, delayed commands onto timers.
func (s *Session) runCommandLocked(input string, origin script.Origin) {
	res := s.engine.Expand(input, origin)
	for _, c := range res.ClientCommands {
		if fr, err := proto.NewClientCommandFrame(c); err == nil {
			s.deliverLocked(fr, false)
		}
	}
	for _, e := range res.Echo {
		if fr, err := proto.NewMudFrame(e, false, ""); err == nil {
			s.deliverLocked(fr, false)
		}
	}
	for _, d := range res.Delayed {
		s.scheduleDelayLocked(d)
	}
	for _, line := range res.Upstream {
		s.forwardLocked(line, origin)
	}
}

// forwardLocked writes one expanded command line upstream. Browser and ticker text gets the output-time escape
// pass; trigger bodies do not, so escaped captures stay neutralized on the wire.
func (s *Session) forwardLocked(line string, origin script.Origin) {
	if origin != script.OriginTrigger {
		line = script.Unescape(line)
	}
	s.writeUpstreamLocked([]byte(line + "\r\n"))
}

func (s *Session) scheduleDelayLocked(d script.Delayed) {
	var t *time.Timer
	t = time.AfterFunc(d.After, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.delayTimers, t)
		if s.closed {
			return
		}
		s.runCommandLocked(d.Command, script.OriginTicker)
	})
	s.delayTimers[t] = struct{}{}
}

// restartTickersLocked replaces the running ticker goroutines with the engine's current table. Intervals below
// 100ms are clamped; a ticker only fires while the game link is up.
func (s *Session) restartTickersLocked() {
	s.stopTickersLocked()
	tickers := s.engine.Tickers()
	if len(tickers) == 0 {
		return
	}
	stop := make(chan struct{})
	s.tickerStop = stop
	for _, tk := range tickers {
		if !tk.Enabled || tk.Command == "" {
			continue
		}
		interval := time.Duration(tk.Interval * float64(time.Second))
		if interval < 100*time.Millisecond {
			interval = 100 * time.Millisecond
		}
		go s.runTicker(tk.Command, interval, stop)
	}
}

func (s *Session) runTicker(command string, interval time.Duration, stop chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return
			}
			if s.mudUp {
				s.runCommandLocked(command, script.OriginTicker)
			}
			s.mu.Unlock()
		}
	}
}
