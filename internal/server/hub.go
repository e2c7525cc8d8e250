package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roach88/recordcache/internal/draft"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
)

// Change message types.
const (
	ChangeQueueEvent     = "queue"
	ChangeRecordsChanged = "records"
)

// ChangeMessage is one notification on the change stream.
type ChangeMessage struct {
	Type  string       `json:"type"`
	Event *draft.Event `json:"event,omitempty"`
	Keys  []string     `json:"keys,omitempty"`
}

type hubClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// ChangeHub fans draft queue events and graph changes out to websocket
// subscribers.
type ChangeHub struct {
	mu      sync.RWMutex
	clients map[string]*hubClient

	register   chan *hubClient
	unregister chan *hubClient
	done       chan struct{}
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

// NewChangeHub returns a hub. Run must be running for clients to attach.
func NewChangeHub(logger *slog.Logger) *ChangeHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangeHub{
		clients:    make(map[string]*hubClient),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Run registers and unregisters clients until ctx is done, then closes every
// connection.
func (h *ChangeHub) Run(ctx context.Context) {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			h.mu.Unlock()
			h.logger.Debug("change stream client registered", "client_id", c.id)
		case c := <-h.unregister:
			h.remove(c)
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *ChangeHub) remove(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
		h.logger.Debug("change stream client unregistered", "client_id", c.id)
	}
}

func (h *ChangeHub) detach(c *hubClient) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Clients returns the number of attached clients.
func (h *ChangeHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish sends msg to every client. A client whose buffer is full is
// dropped.
func (h *ChangeHub) Publish(msg ChangeMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("marshal change message", "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("change stream client too slow, dropping", "client_id", c.id)
			go h.detach(c)
		}
	}
}

// OnQueueChanged is a draft.Listener forwarding queue events.
func (h *ChangeHub) OnQueueChanged(_ context.Context, ev draft.Event) error {
	h.Publish(ChangeMessage{Type: ChangeQueueEvent, Event: &ev})
	return nil
}

// OnGraphChanged is a graph.Listener forwarding changed record keys.
func (h *ChangeHub) OnGraphChanged(_ context.Context, changed []string) {
	h.Publish(ChangeMessage{Type: ChangeRecordsChanged, Keys: changed})
}

// ServeHTTP upgrades the request to a websocket subscribed to changes.
func (h *ChangeHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &hubClient{id: uuid.NewString(), conn: conn, send: make(chan []byte, sendBufferSize)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}
	go h.writePump(c)
	h.readPump(c)
}

// readPump discards client messages and notices disconnects.
func (h *ChangeHub) readPump(c *hubClient) {
	defer func() {
		h.detach(c)
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read failed", "client_id", c.id, "error", err)
			}
			return
		}
	}
}

func (h *ChangeHub) writePump(c *hubClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
