// Package transport opens live-feed connections.
//
// A connection reports its lifecycle through Handlers. Every connection
// reports exactly one terminal callback, OnError or OnClose, unless it is
// torn down first. Teardown is idempotent and synchronous: once it returns,
// no handler of that connection runs again. Handlers are called with an
// internal lock held and must not block or call Teardown.
package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handlers receive the events of one connection.
type Handlers struct {
	OnOpen    func()
	OnMessage func(frame []byte)
	OnClose   func(reason string)
	OnError   func(reason string)
}

// Teardown closes a connection and detaches its handlers.
type Teardown func()

// Transport opens connections. Connect never fails synchronously; dial
// failures are reported through OnError.
type Transport interface {
	Connect(endpoint string, h Handlers) Teardown
}

// Options configures the WebSocket transport.
type Options struct {
	HandshakeTimeout time.Duration
	// PongWait is the read deadline extended by every pong.
	PongWait time.Duration
	// PingInterval must be shorter than PongWait.
	PingInterval time.Duration
	WriteWait    time.Duration
	ReadLimit    int64
	Header       http.Header
	Logger       *zap.Logger
}

// DefaultOptions returns the default WebSocket tuning.
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 10 * time.Second,
		PongWait:         60 * time.Second,
		PingInterval:     30 * time.Second,
		WriteWait:        10 * time.Second,
		ReadLimit:        1 << 20,
	}
}

// WebSocket is the gorilla/websocket Transport.
type WebSocket struct {
	dialer *websocket.Dialer
	opts   Options
	logger *zap.Logger
}

// New creates a WebSocket transport.
func New(opts Options) *WebSocket {
	def := DefaultOptions()
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = def.HandshakeTimeout
	}
	if opts.PongWait <= 0 {
		opts.PongWait = def.PongWait
	}
	if opts.PingInterval <= 0 || opts.PingInterval >= opts.PongWait {
		opts.PingInterval = opts.PongWait / 2
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = def.WriteWait
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = def.ReadLimit
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &WebSocket{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		opts:   opts,
		logger: opts.Logger.Named("transport"),
	}
}

// Connect dials endpoint in the background and reports through h.
func (t *WebSocket) Connect(endpoint string, h Handlers) Teardown {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		transport: t,
		endpoint:  endpoint,
		handlers:  h,
		cancel:    cancel,
	}
	go c.run(ctx)
	return c.teardown
}

type conn struct {
	transport *WebSocket
	endpoint  string
	handlers  Handlers
	cancel    context.CancelFunc

	mu         sync.Mutex
	ws         *websocket.Conn
	closed     bool
	terminated bool
	once       sync.Once
}

func (c *conn) run(ctx context.Context) {
	logger := c.transport.logger.With(zap.String("endpoint", c.endpoint))

	ws, _, err := c.transport.dialer.DialContext(ctx, c.endpoint, c.transport.opts.Header)
	if err != nil {
		if ctx.Err() == nil {
			logger.Debug("dial failed", zap.Error(err))
		}
		c.terminate(false, err.Error())
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close()
		return
	}
	c.ws = ws
	c.mu.Unlock()

	opts := c.transport.opts
	ws.SetReadLimit(opts.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	c.emit(c.handlers.OnOpen)

	done := make(chan struct{})
	defer close(done)
	go c.heartbeat(ws, done)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				var ce *websocket.CloseError
				reason := "closed"
				if errors.As(err, &ce) && ce.Text != "" {
					reason = ce.Text
				}
				c.terminate(true, reason)
			} else {
				logger.Debug("read failed", zap.Error(err))
				c.terminate(false, err.Error())
			}
			_ = ws.Close()
			return
		}
		c.emitMessage(data)
	}
}

// heartbeat pings the server until the read loop exits.
func (c *conn) heartbeat(ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.transport.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.transport.opts.WriteWait)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (c *conn) emit(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.terminated || f == nil {
		return
	}
	f()
}

func (c *conn) emitMessage(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.terminated || c.handlers.OnMessage == nil {
		return
	}
	c.handlers.OnMessage(frame)
}

// terminate delivers the single terminal callback of the connection.
func (c *conn) terminate(clean bool, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.terminated {
		return
	}
	c.terminated = true
	if clean {
		if c.handlers.OnClose != nil {
			c.handlers.OnClose(reason)
		}
		return
	}
	if c.handlers.OnError != nil {
		c.handlers.OnError(reason)
	}
}

func (c *conn) teardown() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		ws := c.ws
		c.mu.Unlock()

		c.cancel()
		if ws != nil {
			deadline := time.Now().Add(c.transport.opts.WriteWait)
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "teardown"), deadline)
			_ = ws.Close()
		}
	})
}
