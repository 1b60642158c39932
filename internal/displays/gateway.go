// Package displays pushes generation lifecycle events to connected credits
// pages over WebSocket, so a browser source can load a new generation as soon
// as it is created and react when another display finishes rolling it.
package displays

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"credits-generator/internal/events"
	"credits-generator/internal/observability/logging"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4 * 1024
	sendBuffer     = 16
)

// DefaultHeartbeatInterval is how often idle connections are pinged.
const DefaultHeartbeatInterval = 30 * time.Second

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	Logger *slog.Logger
	// HeartbeatInterval controls how often ping frames are sent. Connections
	// that miss two heartbeats are dropped.
	HeartbeatInterval time.Duration
	// CheckOrigin overrides the upgrader's origin check. Nil accepts every
	// origin; the HTTP layer filters cross-origin requests before the upgrade.
	CheckOrigin func(r *http.Request) bool
}

// Gateway tracks connected displays and fans events out to them.
type Gateway struct {
	logger            *slog.Logger
	heartbeatInterval time.Duration
	upgrader          websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

// NewGateway builds a Gateway with no connected displays.
func NewGateway(cfg GatewayConfig) *Gateway {
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Gateway{
		logger:            logging.WithComponent(logging.OrDefault(cfg.Logger), "displays"),
		heartbeatInterval: interval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      checkOrigin,
		},
		clients: make(map[*client]struct{}),
	}
}

// HandleConnection upgrades the request and registers the display. The
// optional generationId query parameter limits delivery to events for that
// generation.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	c := &client{
		gateway:      g,
		conn:         conn,
		generationID: r.URL.Query().Get("generationId"),
		send:         make(chan []byte, sendBuffer),
	}
	if !g.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	g.logger.Debug("display connected", "generation_id", c.generationID, "displays", g.Count())

	go c.writeLoop()
	go c.readLoop()
}

// Broadcast delivers event to every display watching its generation. Slow
// displays miss the event rather than stall the caller.
func (g *Gateway) Broadcast(event events.Event) {
	payload, err := json.Marshal(outboundMessage{Type: "event", Event: event})
	if err != nil {
		g.logger.Error("failed to marshal display event", "error", err)
		return
	}
	generationID := event.String("generationId")

	g.mu.RLock()
	defer g.mu.RUnlock()
	for c := range g.clients {
		if c.generationID != "" && c.generationID != generationID {
			continue
		}
		select {
		case c.send <- payload:
		default:
			g.logger.Warn("display send buffer full, dropping event", "type", event.Type)
		}
	}
}

// Count reports the number of connected displays.
func (g *Gateway) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// Close disconnects every display and rejects new connections.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	for c := range g.clients {
		delete(g.clients, c)
		close(c.send)
	}
	return nil
}

func (g *Gateway) register(c *client) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.clients[c] = struct{}{}
	return true
}

// unregister removes c and closes its send channel exactly once. The channel
// is closed under the write lock so Broadcast never sends on it afterwards.
func (g *Gateway) unregister(c *client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.clients[c]; !ok {
		return
	}
	delete(g.clients, c)
	close(c.send)
}

type outboundMessage struct {
	Type  string       `json:"type"`
	Event events.Event `json:"event"`
}

type client struct {
	gateway      *Gateway
	conn         *websocket.Conn
	generationID string
	send         chan []byte
}

// writeLoop owns every write to the connection. It exits when the send
// channel is closed or a write fails.
func (c *client) writeLoop() {
	ticker := time.NewTicker(c.gateway.heartbeatInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.gateway.unregister(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.gateway.unregister(c)
				return
			}
		}
	}
}

// readLoop discards inbound frames and keeps the read deadline fresh on
// pongs. Displays never send commands.
func (c *client) readLoop() {
	defer c.gateway.unregister(c)
	deadline := 2 * c.gateway.heartbeatInterval
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.gateway.logger.Debug("display disconnected", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
	}
}
