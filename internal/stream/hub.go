// Package stream pushes each published game state to connected WebSocket
// spectators. The feed is one-way; client frames are read only to service
// the keepalive protocol.
package stream

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/swarmplay/backend/internal/store"
)

const (
	pongWait   = 60 * time.Second // time allowed to read the next pong
	pingPeriod = 30 * time.Second // must be < pongWait
	writeWait  = 10 * time.Second // time allowed to write a frame
	sendBuffer = 64               // per-client outbound buffer
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The feed carries no client-specific data, so any origin may watch.
	CheckOrigin: func(*http.Request) bool { return true },
}

// client is one connected spectator. All writes to conn go through the
// send channel and writePump; readPump owns all reads.
type client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// Hub fans the game's state channel out to every connected client.
type Hub struct {
	client      store.Client
	gameID      string
	mu          sync.RWMutex
	clients     map[string]*client
	cancel      func()
	unsubscribe func()
}

// NewHub creates a hub for one game's state feed.
func NewHub(c store.Client, gameID string) *Hub {
	return &Hub{client: c, gameID: gameID, clients: make(map[string]*client)}
}

// Start subscribes to the game's state channel and begins relaying.
func (h *Hub) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	unsub, err := h.client.Subscribe(ctx, store.GameStateChannel(h.gameID), h.broadcast)
	if err != nil {
		cancel()
		return err
	}
	h.unsubscribe = unsub
	slog.Info("[Stream] Hub subscribed", "game_id", h.gameID)
	return nil
}

// Stop disconnects every client and ends the subscription.
func (h *Hub) Stop() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	if h.cancel != nil {
		h.cancel()
	}
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// ClientCount reports connected spectators.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcast queues a payload on every client. A client whose buffer is
// full is disconnected rather than allowed to stall the feed.
func (h *Hub) broadcast(payload []byte) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- payload:
		default:
			slog.Warn("[Stream] Dropping slow client", "client_id", c.id)
			c.close()
		}
	}
}

// HandleWebSocket upgrades the request and starts the client's pumps.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[Stream] WebSocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:   uuid.New().String(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	// On connect, replay the latest published state so the spectator is
	// not blank until the next tick.
	if raw, err := h.client.Get(r.Context(), store.GameStateKey(h.gameID)); err == nil {
		c.send <- []byte(raw)
	}

	slog.Info("[Stream] Client connected", "client_id", c.id, "game_id", h.gameID)
	go c.writePump()
	go c.readPump()
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.mu.Lock()
		delete(c.hub.clients, c.id)
		c.hub.mu.Unlock()
		c.conn.Close()
		slog.Info("[Stream] Client disconnected", "client_id", c.id)
	})
}

// writePump is the only goroutine that writes to the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump discards inbound frames; its job is pong handling and noticing
// the peer going away.
func (c *client) readPump() {
	defer c.close()
	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
