package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-pka/internal/metrics"
	"github.com/kubilitics/kubilitics-pka/internal/models"
	"github.com/kubilitics/kubilitics-pka/internal/stream/coordinator"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 4096
)

// defaultOrigins are the dashboard dev servers allowed when no origins
// are configured.
var defaultOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Client-to-server message types.
const (
	wsRefetch = "refetch"
	wsScan    = "scan"
)

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	origins := allowedOrigins
	if len(origins) == 0 {
		origins = defaultOrigins
	}
	allowAll := false
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[strings.ToLower(o)] = struct{}{}
	}

	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowAll {
				return true
			}
			_, ok := allowed[strings.ToLower(origin)]
			return ok
		},
	}
}

func corsOrigins(allowedOrigins []string) []string {
	if len(allowedOrigins) == 0 {
		return defaultOrigins
	}
	return allowedOrigins
}

// wsClient is one dashboard tab. Every tab watches the gateway's shared
// ingestion coordinator.
type wsClient struct {
	id     string
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex
}

func (c *wsClient) send(msg WSMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

func (s *Server) handleIngestionWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		id:     uuid.NewString(),
		conn:   conn,
		logger: s.logger.With(zap.String("client", r.RemoteAddr)),
	}
	client.logger = client.logger.With(zap.String("client_id", client.id))

	metrics.GatewayWebSocketClients.Inc()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer metrics.GatewayWebSocketClients.Dec()
		s.serveClient(client)
	}()
}

func (s *Server) serveClient(c *wsClient) {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	defer c.conn.Close()

	current, views, unsubscribe := s.deps.Ingestion.Subscribe()
	defer unsubscribe()

	c.logger.Debug("websocket client connected")

	go s.readPump(ctx, cancel, c)

	if err := c.send(viewMessage(current)); err != nil {
		return
	}

	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.writeMu.Lock()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			c.writeMu.Unlock()
			c.logger.Debug("websocket client disconnected")
			return
		case v, ok := <-views:
			if !ok {
				return
			}
			if err := c.send(viewMessage(v)); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
			if err := c.send(WSMessage{Type: "heartbeat", Timestamp: time.Now()}); err != nil {
				return
			}
		}
	}
}

// readPump handles client requests and detects disconnects.
func (s *Server) readPump(ctx context.Context, cancel context.CancelFunc, c *wsClient) {
	defer cancel()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Type {
		case wsRefetch:
			go func() { _ = s.deps.Ingestion.Refetch(ctx) }()
		case wsScan:
			go func() {
				accepted, err := s.deps.API.TriggerScan(ctx, models.ScanRequest{})
				reply := WSMessage{Type: "scan", Data: accepted, Timestamp: time.Now()}
				if err != nil {
					reply.Error = err.Error()
				}
				_ = c.send(reply)
			}()
		default:
			_ = c.send(WSMessage{Type: "error", Error: "unknown message type: " + msg.Type, Timestamp: time.Now()})
		}
	}
}

func viewMessage(v coordinator.View[models.StatusSnapshot]) WSMessage {
	return WSMessage{Type: "view", Data: newViewResponse(v), Timestamp: time.Now()}
}
