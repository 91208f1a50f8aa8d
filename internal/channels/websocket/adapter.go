// Package websocket provides a gorilla/websocket-backed channel adapter,
// the transport contract a WebSocket client (such as a mobile app) speaks
// to the gateway.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dlowe/steward/internal/channels"
	"github.com/dlowe/steward/pkg/models"
)

const (
	maxPayloadBytes = 1 << 20
	pongWait        = 45 * time.Second
	pingInterval    = 15 * time.Second
	writeWait       = 10 * time.Second
	sendQueueDepth  = 64
)

// frame is the wire envelope exchanged with WebSocket clients.
type frame struct {
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
}

// Config configures the WebSocket adapter.
type Config struct {
	// ReadBufferSize/WriteBufferSize size the upgrader's I/O buffers.
	ReadBufferSize  int
	WriteBufferSize int

	// CheckOrigin validates the Origin header on upgrade; nil allows all
	// origins, matching local-development defaults.
	CheckOrigin func(r *http.Request) bool

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ReadBufferSize == 0 {
		out.ReadBufferSize = 8192
	}
	if out.WriteBufferSize == 0 {
		out.WriteBufferSize = 8192
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Adapter implements channels.Adapter as an http.Handler that upgrades
// incoming requests to WebSocket connections, fanning inbound frames into
// a single Messages() channel and routing outbound Send calls to the
// connection matching the target channel ID.
type Adapter struct {
	config   Config
	upgrader websocket.Upgrader
	logger   *slog.Logger
	health   *channels.BaseHealthAdapter

	messages chan *models.Message

	mu      sync.RWMutex
	conns   map[string]*connection
	closing bool
	wg      sync.WaitGroup
}

type connection struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// NewAdapter creates a WebSocket adapter from the given configuration.
func NewAdapter(config Config) *Adapter {
	cfg := config.withDefaults()
	a := &Adapter{
		config: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
		logger:   cfg.Logger.With("adapter", "websocket"),
		messages: make(chan *models.Message, 64),
		conns:    make(map[string]*connection),
	}
	a.health = channels.NewBaseHealthAdapter(models.ChannelWebSocket, a.logger)
	return a
}

// Type returns the channel type.
func (a *Adapter) Type() models.ChannelType {
	return models.ChannelWebSocket
}

// Start marks the adapter ready to accept upgrades. The adapter itself
// accepts connections lazily via ServeHTTP, so Start has nothing to spin up.
func (a *Adapter) Start(ctx context.Context) error {
	a.health.SetStatus(true, "")
	return nil
}

// Stop closes all active connections.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	a.closing = true
	conns := make([]*connection, 0, len(a.conns))
	for _, c := range a.conns {
		conns = append(conns, c)
	}
	a.mu.Unlock()

	for _, c := range conns {
		_ = c.conn.Close()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("websocket adapter stop timed out waiting for connections to close")
	}

	a.health.SetStatus(false, "stopped")
	close(a.messages)
	return nil
}

// Send routes a message to the connection registered under msg.ChannelID.
func (a *Adapter) Send(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return channels.ErrInvalidInput("message is required", nil)
	}

	a.mu.RLock()
	c, ok := a.conns[msg.ChannelID]
	a.mu.RUnlock()
	if !ok {
		a.health.RecordMessageFailed()
		return channels.ErrNotFound("no websocket connection for channel id", nil).WithContext("channel_id", msg.ChannelID)
	}

	payload, err := json.Marshal(frame{ChannelID: msg.ChannelID, Content: msg.Content})
	if err != nil {
		return channels.ErrInvalidInput("marshal frame failed", err)
	}

	select {
	case c.send <- payload:
		a.health.RecordMessageSent()
		return nil
	default:
		a.health.RecordMessageFailed()
		return channels.ErrUnavailable("send queue full, dropping message", nil)
	}
}

// Messages returns the channel for receiving inbound messages.
func (a *Adapter) Messages() <-chan *models.Message {
	return a.messages
}

// Status returns the current adapter status.
func (a *Adapter) Status() channels.Status {
	return a.health.Status()
}

// HealthCheck reports healthy based on adapter status.
func (a *Adapter) HealthCheck(ctx context.Context) channels.HealthStatus {
	return a.health.HealthCheck(ctx)
}

// Metrics returns the current metrics snapshot.
func (a *Adapter) Metrics() channels.MetricsSnapshot {
	return a.health.Metrics()
}

// ServeHTTP upgrades the request to a WebSocket connection and serves it
// until the client disconnects or the adapter is stopped.
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.RLock()
	closing := a.closing
	a.mu.RUnlock()
	if closing {
		http.Error(w, "adapter is stopping", http.StatusServiceUnavailable)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &connection{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendQueueDepth),
	}

	a.mu.Lock()
	a.conns[c.id] = c
	a.mu.Unlock()
	a.health.RecordConnectionOpened()

	a.wg.Add(1)
	defer a.wg.Done()

	go a.writeLoop(c)
	a.readLoop(c)
}

func (a *Adapter) readLoop(c *connection) {
	defer a.dropConnection(c)

	c.conn.SetReadLimit(maxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			a.health.RecordError(channels.ErrCodeInvalidInput)
			continue
		}
		if f.ChannelID == "" {
			f.ChannelID = c.id
		}

		msg := &models.Message{
			ID:        uuid.NewString(),
			Channel:   models.ChannelWebSocket,
			ChannelID: f.ChannelID,
			Direction: models.DirectionInbound,
			Role:      models.RoleUser,
			Content:   f.Content,
			CreatedAt: time.Now(),
		}

		a.health.RecordMessageReceived()
		a.messages <- msg
	}
}

func (a *Adapter) writeLoop(c *connection) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (a *Adapter) dropConnection(c *connection) {
	a.mu.Lock()
	delete(a.conns, c.id)
	a.mu.Unlock()
	close(c.send)
	_ = c.conn.Close()
	a.health.RecordConnectionClosed()
}
