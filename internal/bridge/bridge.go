// Package bridge implements the relay sidecar that owns upstream TCP sockets on behalf of the proxy. The
// proxy speaks to it over a single control WebSocket. Game connections are keyed by session token and outlive
// the control connection, so a proxy restart costs nothing but the few seconds of output that lands in the
// per-entry buffer.
package bridge

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/mudgate/mudgate/internal/upstream"
)

const (
	writeWait   = 10 * time.Second
	dialTimeout = 15 * time.Second
	readChunk   = 4096

	// finGrace is how long a destroyed connection gets to drain after the FIN before it is torn down.
	finGrace = time.Second
)

// Server relays bytes between upstream game sockets and the proxy's control WebSocket. While the proxy is
// away, each entry's output accumulates in a bounded buffer (oldest chunks dropped first) and replays on
// resume.
type Server struct {
	log      zerolog.Logger
	bufLimit int

	mu      sync.Mutex
	ctrl    *websocket.Conn
	entries map[string]*entry

	// ctrlWriteMu serializes writes to the control socket across entry pumps and the control handler.
	ctrlWriteMu sync.Mutex

	dial func(host string, port int) (net.Conn, error)
}

// NewServer creates a relay keeping at most bufLimit chunks per detached entry.
func NewServer(bufLimit int, logger zerolog.Logger) *Server {
	return &Server{
		log:      logger.With().Str("component", "bridge").Logger(),
		bufLimit: bufLimit,
		entries:  make(map[string]*entry),
		dial: func(host string, port int) (net.Conn, error) {
			return net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), dialTimeout)
		},
	}
}

// entry is one upstream game socket. attached reports whether the current control connection has claimed it;
// detached entries buffer instead of sending.
type entry struct {
	token string

	mu       sync.Mutex
	conn     net.Conn
	attached bool
	closed   bool
	buf      [][]byte
	dropped  int
}

func (e *entry) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *entry) markClosed() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// teardown closes the upstream socket with a clean FIN so the game sees a normal quit rather than a dead link.
func (e *entry) teardown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	conn := e.conn
	e.mu.Unlock()

	if conn == nil {
		return
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
		time.AfterFunc(finGrace, func() { _ = conn.Close() })
		return
	}
	_ = conn.Close()
}

// HandleControl runs the read loop for one proxy control connection. A newer connection displaces the current
// one. When the loop exits, every entry flips to buffering until the proxy comes back and resumes it.
func (s *Server) HandleControl(conn *websocket.Conn) {
	s.mu.Lock()
	old := s.ctrl
	s.ctrl = conn
	s.mu.Unlock()
	if old != nil {
		s.log.Warn().Msg("control connection replaced")
		_ = old.Close()
	}
	s.log.Info().Msg("proxy control connection established")

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var fr upstream.BridgeFrame
		if err := json.Unmarshal(msg, &fr); err != nil {
			s.log.Warn().Err(err).Msg("invalid control frame")
			continue
		}
		s.handleFrame(fr)
	}

	s.mu.Lock()
	if s.ctrl == conn {
		s.ctrl = nil
		for _, e := range s.entries {
			e.mu.Lock()
			e.attached = false
			e.mu.Unlock()
		}
		s.log.Info().Int("entries", len(s.entries)).Msg("proxy control connection lost, buffering")
	}
	s.mu.Unlock()
	_ = conn.Close()
}

// EntryCount returns the number of live upstream sockets, for the health endpoint.
func (s *Server) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Server) handleFrame(fr upstream.BridgeFrame) {
	switch fr.Type {
	case upstream.BridgeTypeInit:
		s.handleInit(fr)
	case upstream.BridgeTypeData:
		s.handleData(fr)
	case upstream.BridgeTypeResume:
		s.handleResume(fr)
	case upstream.BridgeTypeDestroy:
		s.handleDestroy(fr)
	default:
		s.log.Debug().Str("frame_type", fr.Type).Msg("unknown control frame type")
	}
}

// handleInit opens a fresh upstream socket for the token, replacing any prior entry. The dial runs off the
// control loop; the proxy hears connected or error when it settles.
func (s *Server) handleInit(fr upstream.BridgeFrame) {
	if fr.Token == "" || fr.Host == "" || fr.Port == 0 {
		s.sendError(fr.Token, "bad init frame")
		return
	}

	e := &entry{token: fr.Token, attached: true}

	s.mu.Lock()
	if old, ok := s.entries[fr.Token]; ok {
		go old.teardown()
	}
	s.entries[fr.Token] = e
	s.mu.Unlock()

	go s.connect(e, fr.Host, fr.Port)
}

func (s *Server) connect(e *entry, host string, port int) {
	conn, err := s.dial(host, port)
	if err != nil {
		s.log.Warn().Err(err).Str("token", short(e.token)).Msg("upstream dial failed")
		s.removeEntry(e)
		s.sendError(e.token, "connect failed: "+err.Error())
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = conn.Close()
		return
	}
	e.conn = conn
	e.mu.Unlock()

	s.log.Info().Str("token", short(e.token)).Str("addr", conn.RemoteAddr().String()).Msg("upstream connected")
	s.send(upstream.BridgeFrame{Type: upstream.BridgeTypeConnected, Token: e.token})
	s.pump(e)
}

// pump copies upstream bytes to the proxy until the socket dies. A socket the proxy destroyed goes quietly;
// anything else is reported so the session can tell the player.
func (s *Server) pump(e *entry) {
	buf := make([]byte, readChunk)
	for {
		n, err := e.conn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			s.deliver(e, chunk)
		}
		if err != nil {
			quiet := e.isClosed()
			e.markClosed()
			s.removeEntry(e)
			if quiet {
				return
			}
			if errors.Is(err, io.EOF) {
				s.log.Info().Str("token", short(e.token)).Msg("upstream closed by game server")
				s.send(upstream.BridgeFrame{Type: upstream.BridgeTypeEnd, Token: e.token})
			} else {
				s.log.Warn().Err(err).Str("token", short(e.token)).Msg("upstream read failed")
				s.sendError(e.token, err.Error())
			}
			return
		}
	}
}

// deliver forwards one upstream chunk, or buffers it when the proxy is away or the write misses.
func (s *Server) deliver(e *entry, chunk []byte) {
	e.mu.Lock()
	attached := e.attached
	e.mu.Unlock()

	if attached {
		sent := s.send(upstream.BridgeFrame{
			Type:  upstream.BridgeTypeData,
			Token: e.token,
			Data:  base64.StdEncoding.EncodeToString(chunk),
		})
		if sent {
			return
		}
	}

	e.mu.Lock()
	if len(e.buf) >= s.bufLimit {
		e.buf = e.buf[1:]
		e.dropped++
	}
	e.buf = append(e.buf, chunk)
	e.mu.Unlock()
}

func (s *Server) handleData(fr upstream.BridgeFrame) {
	e := s.lookup(fr.Token)
	if e == nil {
		s.sendError(fr.Token, "unknown token")
		return
	}

	data, err := base64.StdEncoding.DecodeString(fr.Data)
	if err != nil {
		s.sendError(fr.Token, "bad data encoding")
		return
	}

	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		s.log.Debug().Str("token", short(fr.Token)).Msg("write before connect dropped")
		return
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if _, err := conn.Write(data); err != nil {
		s.log.Warn().Err(err).Str("token", short(fr.Token)).Msg("upstream write failed")
		e.markClosed()
		s.removeEntry(e)
		_ = conn.Close()
		s.sendError(e.token, "upstream write failed: "+err.Error())
	}
}

// handleResume re-attaches an entry to the current control connection. The buffered count goes first so the
// session knows a replay is coming, then the chunks in arrival order. Holding the entry lock across the
// replay keeps freshly pumped bytes behind the buffered ones.
func (s *Server) handleResume(fr upstream.BridgeFrame) {
	e := s.lookup(fr.Token)
	if e == nil {
		s.sendError(fr.Token, "unknown token")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.attached = true

	s.send(upstream.BridgeFrame{Type: upstream.BridgeTypeBuffered, Token: fr.Token, Count: len(e.buf)})
	for _, chunk := range e.buf {
		s.send(upstream.BridgeFrame{
			Type:  upstream.BridgeTypeData,
			Token: fr.Token,
			Data:  base64.StdEncoding.EncodeToString(chunk),
		})
	}
	if e.dropped > 0 {
		s.log.Warn().Int("dropped", e.dropped).Str("token", short(fr.Token)).Msg("buffer overflowed while detached")
	}
	s.log.Info().Int("replayed", len(e.buf)).Str("token", short(fr.Token)).Msg("entry resumed")
	e.buf = nil
	e.dropped = 0
}

func (s *Server) handleDestroy(fr upstream.BridgeFrame) {
	s.mu.Lock()
	e, ok := s.entries[fr.Token]
	if ok {
		delete(s.entries, fr.Token)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.log.Info().Str("token", short(fr.Token)).Msg("entry destroyed")
	e.teardown()
}

func (s *Server) lookup(token string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[token]
}

func (s *Server) removeEntry(e *entry) {
	s.mu.Lock()
	if s.entries[e.token] == e {
		delete(s.entries, e.token)
	}
	s.mu.Unlock()
}

// send writes one frame to the current control connection. It reports false when no proxy is attached or the
// write fails, in which case callers fall back to buffering.
func (s *Server) send(fr upstream.BridgeFrame) bool {
	s.mu.Lock()
	ctrl := s.ctrl
	s.mu.Unlock()
	if ctrl == nil {
		return false
	}

	data, err := json.Marshal(fr)
	if err != nil {
		return false
	}

	s.ctrlWriteMu.Lock()
	defer s.ctrlWriteMu.Unlock()
	_ = ctrl.SetWriteDeadline(time.Now().Add(writeWait))
	return ctrl.WriteMessage(websocket.TextMessage, data) == nil
}

func (s *Server) sendError(token, message string) {
	s.send(upstream.BridgeFrame{Type: upstream.BridgeTypeError, Token: token, Message: message})
}

func short(token string) string {
	if len(token) > 8 {
		return token[:8]
	}
	return token
}
