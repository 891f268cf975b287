package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/service_kernel/pkg/logger"
)

var (
	ErrUnknownSession = errors.New("transport: unknown session")
	ErrHubClosed      = errors.New("transport: hub closed")
)

// HubConfig tunes heartbeats and idleness.
type HubConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	ReadLimit    int64         `yaml:"read_limit"`
}

// DefaultHubConfig pings every 30s and treats 90s of silence as inactive.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		PingInterval: 30 * time.Second,
		IdleTimeout:  90 * time.Second,
		WriteTimeout: 10 * time.Second,
		ReadLimit:    1 << 20,
	}
}

// MessageFunc receives every data frame a session sends.
type MessageFunc func(s Session, data []byte)

// Hub upgrades HTTP requests to websocket sessions and tracks them. A session
// is active while it has sent a frame or answered a ping within IdleTimeout.
// Reads never time out on their own; the maintenance daemon hangs up idle
// sessions.
type Hub struct {
	cfg      HubConfig
	upgrader websocket.Upgrader
	onMsg    MessageFunc
	log      *logrus.Entry
	now      func() time.Time

	mu     sync.RWMutex
	conns  map[string]*conn
	closed bool
	wg     sync.WaitGroup
}

// NewHub creates a hub. Zero fields of cfg take their defaults.
func NewHub(cfg HubConfig, onMsg MessageFunc) *Hub {
	def := DefaultHubConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	return &Hub{
		cfg:      cfg,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		onMsg:    onMsg,
		log:      logrus.NewEntry(logger.NewDefault("transport").Logger),
		now:      time.Now,
		conns:    make(map[string]*conn),
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, ErrHubClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	c := &conn{id: uuid.NewString(), ws: ws, remote: r.RemoteAddr, done: make(chan struct{})}
	c.touch(h.now())
	ws.SetReadLimit(h.cfg.ReadLimit)
	ws.SetPongHandler(func(string) error {
		c.touch(h.now())
		return nil
	})

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = ws.Close()
		return
	}
	h.conns[c.id] = c
	h.wg.Add(2)
	h.mu.Unlock()

	h.log.WithField("session", c.id).WithField("remote", c.remote).Debug("session opened")
	go h.readLoop(c)
	go h.pingLoop(c)
}

func (h *Hub) readLoop(c *conn) {
	defer h.wg.Done()
	defer h.drop(c)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.touch(h.now())
		if h.onMsg != nil {
			h.onMsg(c, data)
		}
	}
}

func (h *Hub) pingLoop(c *conn) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.control(websocket.PingMessage, nil, h.cfg.WriteTimeout); err != nil {
				return
			}
		}
	}
}

func (h *Hub) drop(c *conn) {
	h.mu.Lock()
	if h.conns[c.id] == c {
		delete(h.conns, c.id)
	}
	h.mu.Unlock()
	c.close()
}

func (h *Hub) lookup(s Session) (*conn, bool) {
	if s == nil {
		return nil, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[s.ID()]
	return c, ok
}

// Sessions returns a snapshot of the open sessions.
func (h *Hub) Sessions() []Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Session, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

// IsActive reports whether s is open and was heard from within IdleTimeout.
func (h *Hub) IsActive(s Session) bool {
	c, ok := h.lookup(s)
	if !ok {
		return false
	}
	return h.now().Sub(c.LastSeen()) <= h.cfg.IdleTimeout
}

// Hangup sends a close frame and closes the session.
func (h *Hub) Hangup(s Session) error {
	c, ok := h.lookup(s)
	if !ok {
		return ErrUnknownSession
	}
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "inactive")
	_ = c.control(websocket.CloseMessage, msg, h.cfg.WriteTimeout)
	h.drop(c)
	return nil
}

// Send writes a text frame to s.
func (h *Hub) Send(s Session, data []byte) error {
	c, ok := h.lookup(s)
	if !ok {
		return ErrUnknownSession
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close hangs up every session and waits, bounded by ctx, for their
// goroutines to exit. New upgrades are refused afterwards.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	for _, s := range h.Sessions() {
		_ = h.Hangup(s)
	}
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type conn struct {
	id       string
	ws       *websocket.Conn
	remote   string
	lastSeen atomic.Int64

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (c *conn) ID() string          { return c.id }
func (c *conn) RemoteAddr() string  { return c.remote }
func (c *conn) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

func (c *conn) touch(t time.Time) { c.lastSeen.Store(t.UnixNano()) }

func (c *conn) control(kind int, data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(kind, data, time.Now().Add(timeout))
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

var _ Liveness = (*Hub)(nil)
