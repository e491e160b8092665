package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"telemetry-bridge/bridge/internal/metrics"
	"telemetry-bridge/bridge/internal/pipeline"
)

const (
	FeedPath = "/api/v1/events/ws"

	feedClientBuffer = 64
	feedWriteTimeout = 10 * time.Second
	feedPongTimeout  = 60 * time.Second
	feedPingInterval = 30 * time.Second
)

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *feedClient) close() {
	c.once.Do(func() { close(c.send) })
}

// EventFeed streams dispatch outcomes to websocket clients. A client that
// cannot keep up loses messages instead of slowing the sender.
type EventFeed struct {
	upgrader websocket.Upgrader
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[*feedClient]struct{}
	closed  bool
}

func NewEventFeed(m *metrics.Metrics, logger *slog.Logger) *EventFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventFeed{
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(_ *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		metrics: m,
		logger:  logger.With("component", "event-feed"),
		clients: make(map[*feedClient]struct{}),
	}
}

// Observe implements pipeline.Observer.
func (f *EventFeed) Observe(o pipeline.Outcome) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.clients) == 0 {
		return
	}

	data, err := json.Marshal(o)
	if err != nil {
		f.logger.Warn("Outcome encode failed", "event_id", o.Envelope.ID, "error", err)
		return
	}
	for c := range f.clients {
		select {
		case c.send <- data:
		default:
			f.metrics.ChannelDrops.WithLabelValues("websocket").Inc()
		}
	}
}

// Clients returns the number of connected clients.
func (f *EventFeed) Clients() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

func (f *EventFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &feedClient{conn: conn, send: make(chan []byte, feedClientBuffer)}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		conn.Close()
		return
	}
	f.clients[c] = struct{}{}
	f.mu.Unlock()
	f.logger.Info("Feed client connected", "remote", r.RemoteAddr)

	go f.writeLoop(c)
	f.readLoop(c)
	f.logger.Info("Feed client disconnected", "remote", r.RemoteAddr)
}

// readLoop only watches for the client going away; inbound messages are
// ignored.
func (f *EventFeed) readLoop(c *feedClient) {
	defer f.remove(c)

	c.conn.SetReadLimit(1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(feedPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(feedPongTimeout))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *EventFeed) writeLoop(c *feedClient) {
	ticker := time.NewTicker(feedPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *EventFeed) remove(c *feedClient) {
	f.mu.Lock()
	if _, ok := f.clients[c]; ok {
		delete(f.clients, c)
		c.close()
	}
	f.mu.Unlock()
}

// Close disconnects every client and refuses new ones.
func (f *EventFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for c := range f.clients {
		delete(f.clients, c)
		c.close()
	}
}
