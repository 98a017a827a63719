// Package ws pushes vehicle status changes to dashboard websocket clients.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/autopeer-io/occupeye/internal/monitor/core"
	"github.com/autopeer-io/occupeye/internal/monitor/core/model"
	"github.com/autopeer-io/occupeye/pkg/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// clientBuffer is how many messages a client may lag behind before it is dropped.
	clientBuffer = 64
)

// Message is what clients receive.
type Message struct {
	Type      string                 `json:"type"`
	VehicleID string                 `json:"vehicleId,omitempty"`
	Status    *model.VehicleStatus   `json:"status,omitempty"`
	Vehicles  []*model.VehicleStatus `json:"vehicles,omitempty"`
}

const (
	MessageSnapshot = "snapshot"
	MessageStatus   = "status"
	MessageRemoved  = "removed"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans status messages out to every connected client.
type Hub struct {
	reader core.StatusReader

	clients    map[*client]struct{}
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	done       chan struct{}

	mu    sync.RWMutex
	count int
}

var _ core.StatusSink = (*Hub)(nil)

func NewHub(reader core.StatusReader) *Hub {
	return &Hub{
		reader:     reader,
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
	}
}

// Run owns the client set until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return nil

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.setCount(len(h.clients))
			log.Debug("Dashboard client connected", "total", len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
				log.Debug("Dashboard client disconnected", "total", len(h.clients))
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					log.Warn("Dropping slow dashboard client", "remote", c.conn.RemoteAddr().String())
					h.drop(c)
				}
			}
		}
	}
}

func (h *Hub) drop(c *client) {
	delete(h.clients, c)
	close(c.send)
	h.setCount(len(h.clients))
}

func (h *Hub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Update broadcasts a status change. It never blocks; when the hub is
// backed up the message is dropped and clients catch up on the next one.
func (h *Hub) Update(status *model.VehicleStatus) {
	h.publish(Message{Type: MessageStatus, VehicleID: status.VehicleID, Status: status})
}

func (h *Hub) Forget(vehicleID string) {
	h.publish(Message{Type: MessageRemoved, VehicleID: vehicleID})
}

func (h *Hub) publish(m Message) {
	data, err := json.Marshal(m)
	if err != nil {
		log.Error(err, "Failed to encode dashboard message")
		return
	}
	select {
	case h.broadcast <- data:
	default:
		log.Warn("Dashboard broadcast queue full, dropping update", "vehicleID", m.VehicleID)
	}
}

// ServeHTTP upgrades the request, sends the current snapshot and then streams updates.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}

	snapshot, _ := json.Marshal(Message{Type: MessageSnapshot, Vehicles: h.reader.List()})
	c.send <- snapshot

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go c.writePump()
	c.readPump(h)
}

// readPump discards client input and notices when the client goes away.
func (c *client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
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

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
