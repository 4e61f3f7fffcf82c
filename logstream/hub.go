// Package logstream fans log entries out to WebSocket clients.
//
// A Hub is a logging.Handler and an http.Handler at once: register it with a
// controller and mount it on an HTTP server, and every entry the controller
// dispatches is sent to each connected client as one JSON text message in the
// same wire format the application publishes.
//
// Clients are never allowed to slow the poller down. Each client has a
// bounded queue; when it is full the oldest queued entry is dropped.
package logstream

import (
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/weave/logging"
	"github.com/c360/weave/metric"
)

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 5 * time.Second
	pingInterval        = 30 * time.Second
	pongWait            = 2 * pingInterval
	maxClientMessage    = 512
)

// Option configures a Hub.
type Option func(*Hub)

// WithQueueSize sets how many entries may wait for a slow client.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// WithWriteTimeout bounds each write to a client.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// WithMetrics registers the hub's metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(h *Hub) {
		h.metrics = newHubMetrics(registry, h.logger)
	}
}

// WithCheckOrigin replaces the origin check of the upgrader. By default every
// origin is accepted.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(h *Hub) {
		h.upgrader.CheckOrigin = fn
	}
}

// Hub broadcasts log entries to WebSocket clients.
type Hub struct {
	logger       *slog.Logger
	upgrader     websocket.Upgrader
	queueSize    int
	writeTimeout time.Duration
	metrics      *hubMetrics

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

type client struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Int64
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// NewHub creates a hub with no clients.
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		logger: logger.With("component", "logstream"),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		queueSize:    defaultQueueSize,
		writeTimeout: defaultWriteTimeout,
		clients:      make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// OnLog implements logging.Handler.
func (h *Hub) OnLog(entry logging.Entry) {
	data, err := logging.Encode(entry)
	if err != nil {
		h.logger.Warn("Failed to encode log entry", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		h.enqueue(c, data)
	}
}

// enqueue never blocks: a full queue loses its oldest entry.
func (h *Hub) enqueue(c *client, data []byte) {
	for {
		select {
		case c.send <- data:
			h.metrics.sent()
			return
		default:
		}
		select {
		case <-c.send:
			c.dropped.Add(1)
			h.metrics.drop()
		default:
		}
	}
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, h.queueSize),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.wg.Add(2)
	h.mu.Unlock()

	h.metrics.connected(count)
	h.logger.Debug("Log stream client connected", "remote", r.RemoteAddr, "clients", count)

	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *Hub) remove(c *client) {
	c.close()

	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.metrics.connected(count)
		h.logger.Debug("Log stream client disconnected",
			"remote", c.conn.RemoteAddr().String(),
			"dropped", c.dropped.Load(),
			"clients", count)
	}
}

func (h *Hub) writeLoop(c *client) {
	defer h.wg.Done()
	defer h.remove(c)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				return
			}
		}
	}
}

// readLoop discards client messages; it exists to process control frames and
// notice when the peer goes away.
func (h *Hub) readLoop(c *client) {
	defer h.wg.Done()
	defer h.remove(c)

	c.conn.SetReadLimit(maxClientMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Close disconnects every client and waits for their goroutines. Later
// connections are refused.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	for _, c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), deadline)
		c.close()
	}
	h.wg.Wait()
	return nil
}

type hubMetrics struct {
	clients prometheus.Gauge
	sentN   prometheus.Counter
	dropped prometheus.Counter
}

func newHubMetrics(registry *metric.MetricsRegistry, logger *slog.Logger) *hubMetrics {
	if registry == nil {
		return nil
	}
	m := &hubMetrics{
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "weave",
			Subsystem: "logstream",
			Name:      "clients_connected",
			Help:      "Number of connected log stream clients",
		}),
		sentN: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weave",
			Subsystem: "logstream",
			Name:      "entries_queued_total",
			Help:      "Log entries queued for log stream clients",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weave",
			Subsystem: "logstream",
			Name:      "entries_dropped_total",
			Help:      "Log entries dropped because a client fell behind",
		}),
	}
	for name, err := range map[string]error{
		"clients_connected":     registry.RegisterGauge("logstream", "clients_connected", m.clients),
		"entries_queued_total":  registry.RegisterCounter("logstream", "entries_queued_total", m.sentN),
		"entries_dropped_total": registry.RegisterCounter("logstream", "entries_dropped_total", m.dropped),
	} {
		if err != nil {
			logger.Warn("Failed to register metric", "metric", name, "error", err)
		}
	}
	return m
}

func (m *hubMetrics) connected(n int) {
	if m != nil {
		m.clients.Set(float64(n))
	}
}

func (m *hubMetrics) sent() {
	if m != nil {
		m.sentN.Inc()
	}
}

func (m *hubMetrics) drop() {
	if m != nil {
		m.dropped.Inc()
	}
}
