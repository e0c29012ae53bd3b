package introspect

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The introspection surface binds to introspect_addr only (spec
	// SPEC_FULL §6.5), never the directory or peer wire ports, so an
	// open CheckOrigin does not expose this to the peer network.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWSEvents upgrades GET /ws/events to a websocket and registers the
// connection with the hub. There is no server_id/mac_address/
// registration_key handshake: this endpoint is local-only and read-only,
// so every connection is accepted.
func (s *Server) handleWSEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("ws upgrade from %s: %v", r.RemoteAddr, err)
		return
	}

	c := &wsClient{id: uuid.New().String(), conn: conn, send: make(chan []byte, 64)}
	s.hub.register <- c
	go c.writePump()
	go c.readPump(s.hub)
}
