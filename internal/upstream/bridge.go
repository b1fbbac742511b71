package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"
)

// ErrBridgeDown is returned for writes attempted while the bridge control socket is gone.
var ErrBridgeDown = errors.New("upstream: bridge connection down")

// BridgeFrame is one control message between the proxy and the bridge relay. The same shape travels both
// directions; Data carries upstream bytes as base64.
type BridgeFrame struct {
	Type    string `json:"type"`
	Token   string `json:"token,omitempty"`
	Host    string `json:"host,omitempty"`
	Port    int    `json:"port,omitempty"`
	Data    string `json:"data,omitempty"`
	Count   int    `json:"count,omitempty"`
	Message string `json:"message,omitempty"`
}

// Frame types, proxy to bridge.
const (
	BridgeTypeInit    = "init"
	BridgeTypeData    = "data"
	BridgeTypeResume  = "resume"
	BridgeTypeDestroy = "destroy"
)

// Frame types, bridge to proxy.
const (
	BridgeTypeConnected = "connected"
	BridgeTypeClose     = "close"
	BridgeTypeError     = "error"
	BridgeTypeEnd       = "end"
	BridgeTypeBuffered  = "buffered"
)

// BridgeClient is the proxy's control connection to the bridge relay. One client serves every session; frames
// are routed to sessions by token. A dropped control link redials itself with backoff, so the pointer handed to
// the session layer stays valid for the life of the process.
type BridgeClient struct {
	url string
	log zerolog.Logger

	mu       sync.Mutex
	ws       *websocket.Conn
	routes   map[string]Events
	closed   bool
	onRelink func()

	done chan struct{}
}

// DialBridge connects to the bridge relay and starts routing inbound frames. The initial dial must succeed;
// later link losses are redialed internally.
func DialBridge(ctx context.Context, url string, logger zerolog.Logger) (*BridgeClient, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	b := &BridgeClient{
		url:    url,
		log:    logger.With().Str("component", "bridge-client").Logger(),
		ws:     ws,
		routes: make(map[string]Events),
		done:   make(chan struct{}),
	}
	go b.run()
	return b, nil
}

// Done is closed when the client is shut down for good via Close.
func (b *BridgeClient) Done() <-chan struct{} {
	return b.done
}

// OnRelink registers a callback fired each time the control connection is re-established after a drop. The
// session manager uses it to re-resume live entries, which the bridge buffered in the meantime.
func (b *BridgeClient) OnRelink(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onRelink = fn
}

// Register routes a token's frames to the given callbacks.
func (b *BridgeClient) Register(token string, events Events) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routes[token] = events
}

// Unregister stops routing for a token.
func (b *BridgeClient) Unregister(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.routes, token)
}

// Init asks the bridge to open a fresh upstream socket for token, replacing any prior entry.
func (b *BridgeClient) Init(token string, target Target) error {
	return b.send(BridgeFrame{Type: BridgeTypeInit, Token: token, Host: target.Host, Port: target.Port})
}

// Send writes bytes to the token's upstream socket.
func (b *BridgeClient) Send(token string, data []byte) error {
	return b.send(BridgeFrame{
		Type:  BridgeTypeData,
		Token: token,
		Data:  base64.StdEncoding.EncodeToString(data),
	})
}

// Resume re-attaches to an entry surviving from before a proxy restart. The bridge replays buffered data first.
func (b *BridgeClient) Resume(token string) error {
	return b.send(BridgeFrame{Type: BridgeTypeResume, Token: token})
}

// Destroy closes the token's upstream socket with a clean FIN and drops the entry.
func (b *BridgeClient) Destroy(token string) error {
	return b.send(BridgeFrame{Type: BridgeTypeDestroy, Token: token})
}

// Close shuts the control connection permanently. Bridge entries survive, which is the point.
func (b *BridgeClient) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	if b.ws == nil {
		return nil
	}
	err := b.ws.Close()
	b.ws = nil
	return err
}

func (b *BridgeClient) send(fr BridgeFrame) error {
	data, err := json.Marshal(fr)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ws == nil {
		return ErrBridgeDown
	}
	_ = b.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return b.ws.WriteMessage(websocket.TextMessage, data)
}

func (b *BridgeClient) run() {
	for {
		b.mu.Lock()
		ws, closed := b.ws, b.closed
		b.mu.Unlock()
		if closed || ws == nil {
			return
		}

		err := b.readFrames(ws)

		b.mu.Lock()
		if b.ws == ws {
			// Nil out the dead socket so sends fail with ErrBridgeDown
			// instead of timing out on a corpse.
			b.ws = nil
		}
		closed = b.closed
		b.mu.Unlock()
		_ = ws.Close()
		if closed {
			return
		}

		b.log.Warn().Err(err).Msg("bridge control connection lost, redialing")
		if !b.redial() {
			return
		}
	}
}

// readFrames pumps one control connection until it errors.
func (b *BridgeClient) readFrames(ws *websocket.Conn) error {
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		var fr BridgeFrame
		if err := json.Unmarshal(msg, &fr); err != nil {
			b.log.Warn().Err(err).Msg("bridge sent invalid frame")
			continue
		}
		b.dispatch(fr)
	}
}

// redial reconnects with exponential backoff, capped at 30s. Returns false when the client was closed while
// retrying.
func (b *BridgeClient) redial() bool {
	delay := time.Second
	for {
		select {
		case <-b.done:
			return false
		case <-time.After(delay):
		}

		ws, _, err := websocket.DefaultDialer.Dial(b.url, nil)
		if err != nil {
			if delay < 30*time.Second {
				delay *= 2
			}
			b.log.Warn().Err(err).Dur("next_try", delay).Msg("bridge redial failed")
			continue
		}

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			_ = ws.Close()
			return false
		}
		b.ws = ws
		relink := b.onRelink
		b.mu.Unlock()

		b.log.Info().Msg("bridge control connection restored")
		if relink != nil {
			relink()
		}
		return true
	}
}

func (b *BridgeClient) dispatch(fr BridgeFrame) {
	b.mu.Lock()
	events, ok := b.routes[fr.Token]
	b.mu.Unlock()
	if !ok {
		b.log.Debug().Str("frame_type", fr.Type).Msg("bridge frame for unknown token")
		return
	}

	switch fr.Type {
	case BridgeTypeConnected:
		if events.OnConnect != nil {
			events.OnConnect()
		}
	case BridgeTypeData:
		data, err := base64.StdEncoding.DecodeString(fr.Data)
		if err != nil {
			b.log.Warn().Err(err).Msg("bridge data frame not base64")
			return
		}
		if events.OnData != nil {
			events.OnData(data)
		}
	case BridgeTypeBuffered:
		if events.OnBuffered != nil {
			events.OnBuffered(fr.Count)
		}
	case BridgeTypeClose, BridgeTypeEnd:
		if events.OnClose != nil {
			events.OnClose()
		}
	case BridgeTypeError:
		if events.OnError != nil {
			events.OnError(errors.New(fr.Message))
		}
	default:
		b.log.Debug().Str("frame_type", fr.Type).Msg("bridge sent unknown frame type")
	}
}

// BridgeConn adapts one token's bridge entry to the Conn interface.
type BridgeConn struct {
	bridge *BridgeClient
	token  string
}

// NewBridgeConn wraps a registered token as a Conn.
func NewBridgeConn(bridge *BridgeClient, token string) *BridgeConn {
	return &BridgeConn{bridge: bridge, token: token}
}

// Write sends bytes through the bridge to the game server.
func (c *BridgeConn) Write(data []byte) error {
	return c.bridge.Send(c.token, data)
}

// CloseWrite asks the bridge for a clean FIN. The bridge destroys the entry; there is no half-open state to keep.
func (c *BridgeConn) CloseWrite() error {
	return c.bridge.Destroy(c.token)
}

// Close destroys the bridge entry.
func (c *BridgeConn) Close() error {
	return c.bridge.Destroy(c.token)
}
