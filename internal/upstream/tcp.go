package upstream

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
	readBufSize  = 4096
)

// Events are the callbacks a connection delivers on. They fire from the connection's read goroutine; receivers
// do their own locking. OnConnect is only used by the bridge path, where the TCP dial completes asynchronously.
type Events struct {
	OnConnect  func()
	OnData     func(data []byte)
	OnClose    func()
	OnError    func(err error)
	OnBuffered func(count int)
}

// Conn is the session's handle on an upstream connection, direct or bridged.
type Conn interface {
	// Write sends bytes to the game server.
	Write(data []byte) error
	// CloseWrite half-closes so the server sees a clean FIN and can flag linkdeath.
	CloseWrite() error
	// Close tears the connection down.
	Close() error
}

// TCPConn is the direct path: one TCP socket per session, read by a dedicated goroutine.
type TCPConn struct {
	conn   net.Conn
	events Events
	log    zerolog.Logger
	closed atomic.Bool
}

// DialTCP opens a direct connection to the target and starts the read loop. OnConnect is not fired; a nil error
// means connected.
func DialTCP(ctx context.Context, target Target, events Events, logger zerolog.Logger) (*TCPConn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", target.Addr())
	if err != nil {
		return nil, err
	}

	c := &TCPConn{
		conn:   conn,
		events: events,
		log:    logger.With().Str("component", "upstream").Str("target", target.Addr()).Logger(),
	}
	go c.readLoop()
	return c, nil
}

func (c *TCPConn) readLoop() {
	buf := make([]byte, readBufSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 && c.events.OnData != nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			c.events.OnData(data)
		}
		if err != nil {
			if !c.closed.Load() && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.log.Debug().Err(err).Msg("upstream read error")
				if c.events.OnError != nil {
					c.events.OnError(err)
				}
			}
			if c.events.OnClose != nil {
				c.events.OnClose()
			}
			return
		}
	}
}

// Write sends bytes to the game server with a bounded deadline.
func (c *TCPConn) Write(data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := c.conn.Write(data)
	return err
}

// CloseWrite sends a FIN but keeps reading, so the game server can log the character out on its own schedule.
func (c *TCPConn) CloseWrite() error {
	if tcp, ok := c.conn.(*net.TCPConn); ok {
		return tcp.CloseWrite()
	}
	return c.conn.Close()
}

// Close tears the socket down. Idempotent.
func (c *TCPConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}
