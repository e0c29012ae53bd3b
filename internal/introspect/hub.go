package introspect

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peerchat/peerchat/internal/logging"
)

// wsClient is one connected dashboard: a renderer of the Event stream
// over a websocket. Read-only —
// it carries no identity, auth, or command channel, since /ws/events
// never accepts input (spec SPEC_FULL §6.5).
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans Event occurrences out to every connected dashboard over a
// register/unregister/broadcast channel loop, with no database-backed
// client registry or command/response plumbing.
type Hub struct {
	clientsMu sync.RWMutex
	clients   map[string]*wsClient

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte

	log *logging.Logger
}

// NewHub creates an empty event fan-out hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*wsClient),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan []byte, 256),
		log:        logging.New("introspect"),
	}
}

// Run drives the hub's main loop until stopCh closes.
func (h *Hub) Run(stopCh <-chan struct{}) {
	for {
		select {
		case c := <-h.register:
			h.clientsMu.Lock()
			h.clients[c.id] = c
			h.clientsMu.Unlock()

		case c := <-h.unregister:
			h.clientsMu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			h.clientsMu.Unlock()

		case data := <-h.broadcast:
			h.clientsMu.RLock()
			for _, c := range h.clients {
				select {
				case c.send <- data:
				default:
					h.log.Warnf("dashboard client %s send buffer full, dropping event", c.id)
				}
			}
			h.clientsMu.RUnlock()

		case <-stopCh:
			return
		}
	}
}

// Broadcast encodes ev and fans it out to every connected dashboard.
// Non-blocking: a full broadcast channel drops the event rather than
// stalling the orchestrator/router caller.
func (h *Hub) Broadcast(ev Event) {
	data, err := ev.ToJSON()
	if err != nil {
		h.log.Warnf("marshal event %+v: %v", ev, err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.log.Warnf("broadcast channel full, dropping event kind=%s", ev.Kind)
	}
}

// ClientCount reports the number of connected dashboards, for /metrics.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards any client input — the feed is one-directional — but
// still must drain the socket so pong control frames get processed and a
// client-initiated close is observed.
func (c *wsClient) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
