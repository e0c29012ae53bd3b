package introspect

import (
	"encoding/json"
	"time"
)

// Event is the single shape fed to every introspection renderer: the
// websocket dashboard feed and (via the metrics Collector) Prometheus
// counters. The shell does not consume it. One asynchronous occurrence,
// one struct (spec SPEC_FULL §6.5 — "a websocket is just another
// renderer of the identical event stream").
type Event struct {
	Kind   string    `json:"kind"`
	Peer   string    `json:"peer,omitempty"`
	MsgID  string    `json:"msg_id,omitempty"`
	Src    string    `json:"src,omitempty"`
	Dst    string    `json:"dst,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Event kinds sourced from the orchestrator's lifecycle EventHandler.
const (
	EventPeerConnected    = "peer_connected"
	EventPeerDisconnected = "peer_disconnected"
	EventPeerFailed       = "peer_failed"
	EventSessionBusy      = "session_busy"
)

// Event kinds sourced from the router's DeliveryEvent outcomes.
const (
	EventDelivered  = "delivered"
	EventRelayed    = "relayed"
	EventDroppedTTL = "dropped_ttl"
	// EventDroppedLoop is counted by Collector.Observe; the router emits
	// no event of this kind.
	EventDroppedLoop = "dropped_loop"
	EventNoRoute    = "no_route"
)

// NewPeerEvent builds an Event from an orchestrator lifecycle callback.
func NewPeerEvent(kind, peer, detail string) Event {
	return Event{Kind: kind, Peer: peer, Detail: detail, At: time.Now()}
}

// ToJSON marshals an Event for the websocket feed.
func (e Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// ParseEvent parses an Event previously produced by ToJSON. Used by tests
// and by any future non-browser consumer of /ws/events.
func ParseEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, err
	}
	return e, nil
}
