// Package realtime streams lifecycle events to connected parties over
// WebSocket. The hub is a notify sink: every event published by the
// transaction and dispute services is delivered to the clients of its
// recipients, and to operators connected with the admin secret.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/trustline/internal/auth"
	"github.com/mbd888/trustline/internal/metrics"
	"github.com/mbd888/trustline/internal/notify"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// ErrBackpressure is returned by Notify when the broadcast queue is full.
var ErrBackpressure = errors.New("realtime: broadcast queue full")

// Subscription narrows what a client receives. Empty fields match
// everything the client is entitled to.
type Subscription struct {
	Kinds          []notify.Kind `json:"kinds"`
	TransactionIDs []string      `json:"transactionIds"`
}

// Client represents a WebSocket connection
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
	admin  bool

	mu  sync.RWMutex
	sub Subscription
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Hub manages all WebSocket connections
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan notify.Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan notify.Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "user_id", client.userID, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "user_id", client.userID, "total", n)

		case ev := <-h.broadcast:
			h.totalEvents.Add(1)
			payload, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("event encoding failed", "kind", ev.Kind, "error", err)
				continue
			}
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if shouldSend(client, ev) {
					select {
					case client.send <- payload:
					default:
						slow = append(slow, client)
					}
				}
			}
			h.mu.RUnlock()
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// shouldSend reports whether client may and wants to see ev. Non-admin
// clients only ever receive events addressed to them.
func shouldSend(client *Client, ev notify.Event) bool {
	if !client.admin && !ev.For(client.userID) {
		return false
	}

	client.mu.RLock()
	sub := client.sub
	client.mu.RUnlock()

	if len(sub.Kinds) > 0 && !contains(sub.Kinds, ev.Kind) {
		return false
	}
	if len(sub.TransactionIDs) > 0 && !contains(sub.TransactionIDs, ev.TransactionID) {
		return false
	}
	return true
}

func contains[T comparable](xs []T, x T) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// Notify queues ev for delivery. It never blocks; a full queue drops the
// event and returns ErrBackpressure.
func (h *Hub) Notify(_ context.Context, ev notify.Event) error {
	select {
	case h.broadcast <- ev:
		return nil
	default:
		h.logger.Warn("broadcast channel full, dropping event", "kind", ev.Kind)
		return ErrBackpressure
	}
}

var _ notify.Notifier = (*Hub)(nil)

// Stats returns hub statistics
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket handles GET /ws. The route must sit behind
// auth.Middleware; admin callers (X-Admin-Secret) see every event.
func (h *Hub) HandleWebSocket(adminSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		select {
		case <-h.done:
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting_down", "message": "Server shutting down"})
			return
		default:
		}

		userID := auth.UserID(c)
		admin := auth.HasAdminSecret(c, adminSecret)
		if userID == "" && !admin {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Pass it as 'Authorization: Bearer sk_...' or ?token=",
			})
			return
		}

		h.mu.RLock()
		n := len(h.clients)
		h.mu.RUnlock()
		if n >= h.maxClients {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "too_many_connections", "message": "Too many connections"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.Warn("websocket upgrade failed", "error", err)
			return
		}

		client := &Client{
			hub:    h,
			conn:   conn,
			send:   make(chan []byte, 256),
			userID: userID,
			admin:  admin,
		}
		h.register <- client

		go client.writePump()
		go client.readPump()
	}
}

// readPump reads subscription updates from the client.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			break
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
