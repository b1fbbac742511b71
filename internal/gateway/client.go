package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/mudgate/mudgate/internal/proto"
	"github.com/mudgate/mudgate/internal/session"
)

const (
	// maxMessageSize is the maximum size in bytes of a single inbound WebSocket message. Trigger and alias
	// tables arrive as one frame each, so the cap sits well above any typed command.
	maxMessageSize = 256 * 1024

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// authTimeout is how long a connection has to send its auth frame after connecting.
	authTimeout = 30 * time.Second

	// readIdleLimit is how long the connection may sit silent before the read loop gives up. Browsers send
	// keepalive frames well inside this window.
	readIdleLimit = 120 * time.Second
)

// Client is one browser WebSocket connection. Each client runs two goroutines (readPump and writePump) and
// implements session.Browser so the session layer can push frames at it without knowing about sockets.
type Client struct {
	gw   *Gateway
	conn *websocket.Conn
	log  zerolog.Logger

	send     chan []byte
	sendOnce sync.Once

	// sess is set exactly once, after a successful auth frame.
	mu   sync.RWMutex
	sess *session.Session
}

func newClient(gw *Gateway, conn *websocket.Conn, logger zerolog.Logger) *Client {
	return &Client{
		gw:   gw,
		conn: conn,
		send: make(chan []byte, 256),
		log:  logger,
	}
}

// Enqueue hands an outbound frame to the write pump. A full buffer means the browser stopped reading; the
// frame is dropped and the socket closed so backpressure never stalls the session. The send channel itself is
// only closed by the read pump's teardown, after the session has let go of this client.
func (c *Client) Enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		c.log.Warn().Msg("browser send buffer full, closing connection")
		_ = c.conn.Close()
		return false
	}
}

// Close implements session.Browser. The session calls it when this browser is displaced or the session ends.
// Only the send channel is closed here: the write pump drains whatever is queued (the session_taken frame,
// usually) and then tears the socket down itself.
func (c *Client) Close() {
	c.closeSend()
}

func (c *Client) closeSend() {
	c.sendOnce.Do(func() { close(c.send) })
}

func (c *Client) session() *session.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sess
}

// readPump reads messages from the WebSocket and routes them: the first frame must be auth, everything after
// goes to the session. It runs in the upgrade handler's goroutine and owns connection teardown. The session
// outlives the connection; only an explicit disconnect message ends it.
func (c *Client) readPump() {
	defer func() {
		if s := c.session(); s != nil {
			s.DetachBrowser(c)
		}
		c.closeSend()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(authTimeout))

	authTimer := time.AfterFunc(authTimeout, func() {
		if c.session() == nil {
			c.log.Debug().Msg("client did not authenticate in time")
			c.closeWithCode(CloseNotAuthenticated, "auth timeout")
		}
	})
	defer authTimer.Stop()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readIdleLimit))

		var env proto.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.closeWithCode(CloseDecodeError, "invalid JSON")
			return
		}

		s := c.session()
		if s == nil {
			if env.Type != proto.TypeAuth {
				if fr, ferr := proto.NewErrorFrame("authentication required"); ferr == nil {
					c.writeFrame(fr)
				}
				c.closeWithCode(CloseNotAuthenticated, "authentication required")
				return
			}
			authTimer.Stop()
			if !c.handleAuth(message) {
				return
			}
			continue
		}

		if env.Type == proto.TypeAuth {
			// The browser's reconnect loop can re-send auth on a live socket; dropping it is friendlier
			// than kicking a healthy connection.
			c.log.Debug().Msg("duplicate auth frame ignored")
			continue
		}

		s.HandleMessage(env.Type, message)
	}
}

// writePump writes messages from the send channel to the WebSocket connection. It runs in its own goroutine
// and exits when the send channel is closed.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.log.Debug().Err(err).Msg("websocket write error")
			return
		}
	}
}

// handleAuth binds the connection to a session. A refused auth gets one error frame before the close so the
// browser can show something better than a bare close code.
func (c *Client) handleAuth(raw []byte) bool {
	var a proto.Auth
	if err := json.Unmarshal(raw, &a); err != nil {
		c.closeWithCode(CloseDecodeError, "invalid auth payload")
		return false
	}

	s, err := c.gw.manager.Attach(c, a)
	if err != nil {
		c.log.Debug().Err(err).Str("character", a.CharacterName).Msg("auth refused")
		if fr, ferr := proto.NewErrorFrame(authErrorMessage(err)); ferr == nil {
			c.writeFrame(fr)
		}
		c.closeWithCode(CloseAuthFailed, "auth refused")
		return false
	}

	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()
	c.log.Info().Str("character", a.CharacterName).Msg("browser authenticated")
	return true
}

func authErrorMessage(err error) string {
	switch {
	case errors.Is(err, session.ErrBadToken):
		return "Invalid session token."
	case errors.Is(err, session.ErrTokenConflict):
		return "That session token belongs to another character."
	case errors.Is(err, session.ErrClosed):
		return "The session is shutting down, please reconnect."
	default:
		return "Authentication failed."
	}
}

// writeFrame writes one frame directly, bypassing the write pump. Only valid before a session is bound,
// while the pump has nothing of its own to send.
func (c *Client) writeFrame(frame []byte) {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.TextMessage, frame)
}

// closeWithCode sends a WebSocket close frame with the given code and reason, then closes the underlying
// connection.
func (c *Client) closeWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.conn.Close()
}
