package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/persona-relay/internal/metrics"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// ErrNoAdapter is returned by Deliver when no platform adapter is subscribed.
var ErrNoAdapter = errors.New("no platform adapter connected")

const defaultWriteTimeout = 5 * time.Second

// Outbound is an unprompted message pushed to platform adapters.
type Outbound struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
}

// Hub fans unprompted replies out to every connected platform adapter.
type Hub struct {
	mu             sync.RWMutex
	subscribers    map[string]*websocket.Conn
	originPatterns []string
	writeTimeout   time.Duration
	metrics        *metrics.Metrics
	logger         *slog.Logger
}

// NewHub creates an empty Hub. originPatterns is passed to the websocket
// handshake; nil accepts same-origin requests only. m may be nil.
func NewHub(originPatterns []string, m *metrics.Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers:    make(map[string]*websocket.Conn),
		originPatterns: originPatterns,
		writeTimeout:   defaultWriteTimeout,
		metrics:        m,
		logger:         logger.With("component", "hub"),
	}
}

// ServeHTTP upgrades the request and keeps the subscription open until the
// adapter disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Error("failed to accept websocket", "error", err, "ip", r.RemoteAddr)
		return
	}

	id := uuid.NewString()
	h.register(id, conn)
	defer h.unregister(id, conn)

	ctx := conn.CloseRead(r.Context())
	<-ctx.Done()

	if closeErr := conn.Close(websocket.StatusNormalClosure, "subscription ended"); closeErr != nil {
		h.logger.Debug("failed to close websocket", "error", closeErr, "subscriber", id)
	}
}

// Deliver pushes text for channelID to every subscriber. It succeeds when at
// least one adapter received the message.
func (h *Hub) Deliver(ctx context.Context, channelID, text string) error {
	msg := Outbound{ID: uuid.NewString(), ChannelID: channelID, Content: text}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode outbound message: %w", err)
	}

	h.mu.RLock()
	conns := make(map[string]*websocket.Conn, len(h.subscribers))
	for id, c := range h.subscribers {
		conns[id] = c
	}
	h.mu.RUnlock()

	if len(conns) == 0 {
		return ErrNoAdapter
	}

	delivered := 0
	var lastErr error
	for id, c := range conns {
		writeCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
		err := c.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			lastErr = err
			h.logger.Warn("outbound write failed", "subscriber", id, "error", err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return fmt.Errorf("deliver to channel %s: %w", channelID, lastErr)
	}
	h.logger.Debug("outbound message delivered", "id", msg.ID, "channel", channelID, "subscribers", delivered)
	return nil
}

// Subscribers returns the number of connected adapters.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.subscribers {
		_ = c.Close(websocket.StatusGoingAway, "relay shutting down")
		delete(h.subscribers, id)
	}
	h.metrics.SetSubscribers(0)
}

func (h *Hub) register(id string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[id] = conn
	h.metrics.SetSubscribers(len(h.subscribers))
	h.logger.Info("platform adapter subscribed", "subscriber", id)
}

func (h *Hub) unregister(id string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.subscribers[id]; ok && current == conn {
		delete(h.subscribers, id)
		h.metrics.SetSubscribers(len(h.subscribers))
		h.logger.Info("platform adapter unsubscribed", "subscriber", id)
	}
}
