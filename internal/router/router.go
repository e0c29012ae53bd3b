// Package router implements the message router: seen-set deduplication,
// a dest->next-hop route cache, a pending-acknowledgement map, and the
// relay engine that originates, forwards, and acknowledges SEND/PUB/
// WHO_HAS traffic (spec §4.5).
//
// The router never dials or accepts connections itself; it is handed
// frames by sessions (via the orchestrator) and reaches peers exclusively
// through the SessionSender it is constructed with. This mirrors the
// teacher's hub: a central coordinator reached only through narrow
// channel-shaped operations, never touching a client's socket directly.
package router

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/peerchat/peerchat/internal/identity"
	"github.com/peerchat/peerchat/internal/logging"
	"github.com/peerchat/peerchat/internal/wire"
)

// Defaults per spec §4.5 / §6.4.
const (
	DefaultSeenCapacity  = 4096
	DefaultSeenRetention = 2 * time.Minute
	DefaultRouteTTL      = 60 * time.Second
	DefaultAckDeadline   = 5 * time.Second
	DefaultRelayTTL      = 8

	// DefaultDiscoverTimeout is the WHO_HAS wait of spec §4.5 "Origination":
	// how long Originate parks a send awaiting a WHO_HAS_HIT before failing
	// it with no_route.
	DefaultDiscoverTimeout = 2 * time.Second
)

// errBusy means a session to the next hop exists but its outbound queue is
// full; errNoRoute means no session or cached route reaches the destination
// at all. Originate floods WHO_HAS only on errNoRoute.
var (
	errBusy    = errors.New("router: destination busy")
	errNoRoute = errors.New("router: no route to destination")
)

// SessionSender is the narrow surface the router uses to reach live peer
// sessions; implemented by the orchestrator, which alone owns the session
// set (spec §3 Ownership).
type SessionSender interface {
	// SendTo enqueues f on the session open to id. ok is false if no such
	// session exists; busy is true if the session's outbound queue is full.
	SendTo(id identity.ID, f wire.Frame) (ok, busy bool)
	// Sessions lists every identity with a currently OPEN session.
	Sessions() []identity.ID
	// SessionsInNamespace lists OPEN sessions whose identity is in ns.
	SessionsInNamespace(ns string) []identity.ID
}

// AckWaiter is notified when an originated SEND is acknowledged or times
// out waiting for one.
type AckWaiter func(delivered bool)

// Config tunes the router's bookkeeping limits.
type Config struct {
	SeenCapacity    int
	SeenRetention   time.Duration
	RouteTTL        time.Duration
	AckDeadline     time.Duration
	DiscoverTimeout time.Duration
	RelayTTL        int
}

func (c *Config) setDefaults() {
	if c.SeenCapacity <= 0 {
		c.SeenCapacity = DefaultSeenCapacity
	}
	if c.SeenRetention <= 0 {
		c.SeenRetention = DefaultSeenRetention
	}
	if c.RouteTTL <= 0 {
		c.RouteTTL = DefaultRouteTTL
	}
	if c.AckDeadline <= 0 {
		c.AckDeadline = DefaultAckDeadline
	}
	if c.DiscoverTimeout <= 0 {
		c.DiscoverTimeout = DefaultDiscoverTimeout
	}
	if c.RelayTTL <= 0 {
		c.RelayTTL = DefaultRelayTTL
	}
}

type seenKey struct {
	src, msgID string
}

type seenEntry struct {
	key seenKey
	at  time.Time
}

type routeEntry struct {
	nextHop identity.ID
	at      time.Time
}

type pendingAck struct {
	deadline time.Time
	waiter   AckWaiter
	timer    *time.Timer
}

// pendingSend parks a SEND that had no direct session or fresh route cache
// entry at origination, awaiting a WHO_HAS_HIT to tell it where to go (spec
// §4.5 "Origination").
type pendingSend struct {
	frame     wire.Frame
	sendMsgID string
	timer     *time.Timer
}

// DeliveryEvent is emitted on routing decisions, for the introspection
// server's event feed (SPEC_FULL §6.5). Frames dropped as seen-set
// duplicates produce no event.
type DeliveryEvent struct {
	MsgID    string
	Src      string
	Dst      string
	Outcome  string // "delivered", "relayed", "dropped_ttl", "no_route"
	At       time.Time
}

// EventHandler receives router delivery events; nil is a valid no-op.
type EventHandler func(DeliveryEvent)

// Router implements spec §4.5.
type Router struct {
	self   identity.ID
	sender SessionSender
	cfg    Config
	log    *logging.Logger
	onEvt  EventHandler

	mu        sync.Mutex
	seenOrder *list.List
	seenIndex map[seenKey]*list.Element
	routes    map[string]routeEntry
	pending   map[string]*pendingAck
	awaiting  map[string]*pendingSend
}

// New constructs a Router for identity self, reaching peers through sender.
func New(self identity.ID, sender SessionSender, cfg Config, onEvt EventHandler) *Router {
	cfg.setDefaults()
	return &Router{
		self:      self,
		sender:    sender,
		cfg:       cfg,
		log:       logging.New("router"),
		onEvt:     onEvt,
		seenOrder: list.New(),
		seenIndex: make(map[seenKey]*list.Element),
		routes:    make(map[string]routeEntry),
		pending:   make(map[string]*pendingAck),
		awaiting:  make(map[string]*pendingSend),
	}
}

func (r *Router) emit(ev DeliveryEvent) {
	ev.At = time.Now()
	if r.onEvt != nil {
		r.onEvt(ev)
	}
}

// markSeen records (src, msg_id) and reports whether it was already seen
// (spec §4.5 dedup). Evicts by age first, then by capacity (oldest
// inserted first; a repeat sighting does not refresh an entry).
func (r *Router) markSeen(src, msgID string) bool {
	k := seenKey{src, msgID}
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.cfg.SeenRetention)
	for e := r.seenOrder.Front(); e != nil; {
		next := e.Next()
		se := e.Value.(seenEntry)
		if se.at.After(cutoff) {
			break
		}
		delete(r.seenIndex, se.key)
		r.seenOrder.Remove(e)
		e = next
	}

	if _, ok := r.seenIndex[k]; ok {
		return true
	}
	for r.seenOrder.Len() >= r.cfg.SeenCapacity {
		front := r.seenOrder.Front()
		if front == nil {
			break
		}
		delete(r.seenIndex, front.Value.(seenEntry).key)
		r.seenOrder.Remove(front)
	}
	elem := r.seenOrder.PushBack(seenEntry{key: k, at: time.Now()})
	r.seenIndex[k] = elem
	return false
}

func (r *Router) recordRoute(dst string, via identity.ID) {
	r.mu.Lock()
	r.routes[dst] = routeEntry{nextHop: via, at: time.Now()}
	r.mu.Unlock()
}

func (r *Router) lookupRoute(dst string) (identity.ID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.routes[dst]
	if !ok || time.Since(e.at) > r.cfg.RouteTTL {
		return identity.ID{}, false
	}
	return e.nextHop, true
}

// Originate sends a unicast SEND to dst ("name@namespace"), tracking the
// pending ACK and invoking waiter on delivery or timeout (spec §4.5,
// "Origination").
func (r *Router) Originate(dst, payload string, waiter AckWaiter) (string, error) {
	if _, err := identity.Parse(dst); err != nil {
		return "", fmt.Errorf("router: originate to invalid destination %q: %w", dst, err)
	}

	msgID := uuid.NewString()
	f := wire.Frame{
		Type:    wire.KindSend,
		MsgID:   msgID,
		Src:     r.self.String(),
		Dst:     dst,
		Payload: payload,
		TTL:     r.cfg.RelayTTL,
	}
	r.markSeen(r.self.String(), msgID)

	if waiter != nil {
		r.trackAck(msgID, waiter)
	}
	err := r.forward(f)
	if err == nil {
		return msgID, nil
	}
	if errors.Is(err, errNoRoute) {
		r.parkForDiscovery(dst, f, msgID)
		return msgID, nil
	}
	r.clearAck(msgID)
	return "", err
}

// parkForDiscovery floods a WHO_HAS probe for dst and holds f until either a
// matching WHO_HAS_HIT arrives (completePendingSend) or discoverTimeout
// elapses (failPendingSend), per spec §4.5 "Origination".
func (r *Router) parkForDiscovery(dst string, f wire.Frame, sendMsgID string) {
	probeID := uuid.NewString()
	probe := wire.Frame{Type: wire.KindWhoHas, MsgID: probeID, Src: r.self.String(), Dst: dst, TTL: r.cfg.RelayTTL}
	r.markSeen(r.self.String(), probeID)

	timer := time.AfterFunc(r.cfg.DiscoverTimeout, func() {
		r.failPendingSend(probeID)
	})
	r.mu.Lock()
	r.awaiting[probeID] = &pendingSend{frame: f, sendMsgID: sendMsgID, timer: timer}
	r.mu.Unlock()

	r.floodExcluding(probe, identity.ID{})
}

// completePendingSend forwards the SEND parked under probeMsgID once a
// WHO_HAS_HIT resolves where dst lives.
func (r *Router) completePendingSend(probeMsgID string) {
	r.mu.Lock()
	p, ok := r.awaiting[probeMsgID]
	if ok {
		delete(r.awaiting, probeMsgID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	p.timer.Stop()

	if err := r.forward(p.frame); err != nil {
		r.emit(DeliveryEvent{MsgID: p.frame.MsgID, Src: p.frame.Src, Dst: p.frame.Dst, Outcome: "no_route"})
		r.resolveAck(p.sendMsgID, false)
	}
}

// failPendingSend fails the send parked under probeMsgID after the
// discovery-wait elapses with no WHO_HAS_HIT (spec §4.5, scenario 4).
func (r *Router) failPendingSend(probeMsgID string) {
	r.mu.Lock()
	p, ok := r.awaiting[probeMsgID]
	if ok {
		delete(r.awaiting, probeMsgID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.emit(DeliveryEvent{MsgID: p.frame.MsgID, Src: p.frame.Src, Dst: p.frame.Dst, Outcome: "no_route"})
	r.resolveAck(p.sendMsgID, false)
}

// Publish sends a namespace broadcast (spec §4.5, "Broadcast").
func (r *Router) Publish(namespace, payload string) (string, error) {
	msgID := uuid.NewString()
	f := wire.Frame{
		Type:    wire.KindPub,
		MsgID:   msgID,
		Src:     r.self.String(),
		Dst:     wire.NamespaceDest(namespace),
		Payload: payload,
		TTL:     r.cfg.RelayTTL,
	}
	r.markSeen(r.self.String(), msgID)
	r.floodExcluding(f, identity.ID{})
	return msgID, nil
}

// HandleInbound processes one frame received on a session from remote
// (spec §4.5). Any frame type other than SEND/ACK/PUB/WHO_HAS/WHO_HAS_HIT
// is not the router's concern and must not be passed here.
func (r *Router) HandleInbound(remote identity.ID, f wire.Frame) {
	switch f.Type {
	case wire.KindSend:
		r.handleSend(remote, f)
	case wire.KindPub:
		r.handlePub(remote, f)
	case wire.KindAck:
		r.handleAck(remote, f)
	case wire.KindWhoHas:
		r.handleWhoHas(remote, f)
	case wire.KindWhoHasHit:
		r.handleWhoHasHit(remote, f)
	default:
		r.log.Warnf("router received non-routable frame type %s from %s", f.Type, remote)
	}
}

func (r *Router) handleSend(remote identity.ID, f wire.Frame) {
	r.recordRoute(f.Src, remote)

	if r.markSeen(f.Src, f.MsgID) {
		return // already handled, no re-ACK: sender will have its own ACK already
	}

	if f.Dst == r.self.String() {
		r.sendAck(f.Src, f.MsgID)
		r.emit(DeliveryEvent{MsgID: f.MsgID, Src: f.Src, Dst: f.Dst, Outcome: "delivered"})
		return
	}

	if f.TTL <= 1 {
		r.emit(DeliveryEvent{MsgID: f.MsgID, Src: f.Src, Dst: f.Dst, Outcome: "dropped_ttl"})
		return
	}
	next := f
	next.TTL = f.TTL - 1
	next.Via = r.self.String()
	if err := r.forwardExcluding(next, remote); err != nil {
		r.emit(DeliveryEvent{MsgID: f.MsgID, Src: f.Src, Dst: f.Dst, Outcome: "no_route"})
		return
	}
	r.emit(DeliveryEvent{MsgID: f.MsgID, Src: f.Src, Dst: f.Dst, Outcome: "relayed"})
}

func (r *Router) handlePub(remote identity.ID, f wire.Frame) {
	r.recordRoute(f.Src, remote)

	if r.markSeen(f.Src, f.MsgID) {
		return
	}
	ns, ok := wire.IsNamespaceDest(f.Dst)
	if !ok {
		return
	}

	// Deliver locally if we belong to the namespace.
	if r.self.Namespace == ns {
		r.emit(DeliveryEvent{MsgID: f.MsgID, Src: f.Src, Dst: f.Dst, Outcome: "delivered"})
	}

	if f.TTL <= 1 {
		return
	}
	next := f
	next.TTL = f.TTL - 1
	next.Via = r.self.String()
	r.floodExcluding(next, remote)
}

func (r *Router) handleAck(remote identity.ID, f wire.Frame) {
	if f.Dst != "" && f.Dst != r.self.String() {
		// Not ours: relay the ACK back toward its originator via the
		// split-horizon reverse route recorded for the original SEND.
		if f.TTL > 1 {
			next := f
			next.TTL = f.TTL - 1
			r.forwardExcluding(next, remote)
		}
		return
	}
	r.resolveAck(f.Ref, true)
}

func (r *Router) handleWhoHas(remote identity.ID, f wire.Frame) {
	r.recordRoute(f.Src, remote)
	if r.markSeen(f.Src, f.MsgID) {
		return
	}
	target := mustParse(f.Dst)
	for _, id := range r.sender.Sessions() {
		if id == target {
			// Src carries the target's identity, not the finder's own, so
			// every hop's recordRoute below keys its reverse-path entry to
			// the identity the parked send will actually forward to.
			hit := wire.Frame{Type: wire.KindWhoHasHit, MsgID: f.MsgID, Src: f.Dst, Dst: f.Src, TTL: r.cfg.RelayTTL}
			r.forward(hit)
			return
		}
	}
	if f.TTL <= 1 {
		return
	}
	next := f
	next.TTL = f.TTL - 1
	next.Via = r.self.String()
	r.floodExcluding(next, remote)
}

func (r *Router) handleWhoHasHit(remote identity.ID, f wire.Frame) {
	r.recordRoute(f.Src, remote)
	if r.markSeen(f.Src, f.MsgID) {
		return
	}
	if f.Dst == r.self.String() {
		r.emit(DeliveryEvent{MsgID: f.MsgID, Src: f.Src, Dst: f.Dst, Outcome: "delivered"})
		r.completePendingSend(f.MsgID)
		return
	}
	if f.TTL <= 1 {
		return
	}
	next := f
	next.TTL = f.TTL - 1
	r.forwardExcluding(next, remote)
}

// WhoHas floods a discovery probe for name@namespace when no live route is
// known (spec §4.5, "Discovery probe").
func (r *Router) WhoHas(dst string) (string, error) {
	msgID := uuid.NewString()
	f := wire.Frame{Type: wire.KindWhoHas, MsgID: msgID, Src: r.self.String(), Dst: dst, TTL: r.cfg.RelayTTL}
	r.markSeen(r.self.String(), msgID)
	r.floodExcluding(f, identity.ID{})
	return msgID, nil
}

// sendAck replies to a delivered SEND, addressing the ACK to the original
// sender (to = f.Src) rather than the immediate previous hop, so a relay in
// the middle of a multi-hop path forwards it on rather than mistaking it
// for its own.
func (r *Router) sendAck(to, ref string) {
	ack := wire.Frame{Type: wire.KindAck, Ref: ref, Src: r.self.String(), Dst: to, TTL: r.cfg.RelayTTL}
	r.forward(ack)
}

// forward sends f to its Dst over a direct session if one exists, otherwise
// via a fresh cached route, otherwise failing with no-route.
func (r *Router) forward(f wire.Frame) error {
	return r.forwardExcluding(f, identity.ID{})
}

// forwardExcluding is forward with split-horizon: never hands f back out on
// the session it arrived on (exclude), per spec §4.5 "never forwarded back
// on the inbound session."
func (r *Router) forwardExcluding(f wire.Frame, exclude identity.ID) error {
	dstID, err := identity.Parse(f.Dst)
	if err != nil {
		// Namespace destination: not a direct send, caller should flood.
		return fmt.Errorf("router: forward called with non-identity destination %q: %w", f.Dst, errNoRoute)
	}

	if dstID != exclude {
		if ok, busy := r.sender.SendTo(dstID, f); ok {
			if busy {
				return fmt.Errorf("router: session to %s busy: %w", dstID, errBusy)
			}
			return nil
		}
	}
	if next, ok := r.lookupRoute(f.Dst); ok && next != exclude {
		if ok2, busy := r.sender.SendTo(next, f); ok2 {
			if busy {
				return fmt.Errorf("router: next-hop %s busy: %w", next, errBusy)
			}
			return nil
		}
	}
	return fmt.Errorf("router: no route to %s: %w", f.Dst, errNoRoute)
}

// floodExcluding sends f to every open session except exclude, used for
// PUB and WHO_HAS propagation.
func (r *Router) floodExcluding(f wire.Frame, exclude identity.ID) {
	for _, id := range r.sender.Sessions() {
		if id == exclude {
			continue
		}
		r.sender.SendTo(id, f)
	}
}

func (r *Router) trackAck(msgID string, waiter AckWaiter) {
	deadline := time.Now().Add(r.cfg.AckDeadline)
	timer := time.AfterFunc(r.cfg.AckDeadline, func() {
		r.resolveAck(msgID, false)
	})
	r.mu.Lock()
	r.pending[msgID] = &pendingAck{deadline: deadline, waiter: waiter, timer: timer}
	r.mu.Unlock()
}

func (r *Router) clearAck(msgID string) {
	r.mu.Lock()
	p, ok := r.pending[msgID]
	if ok {
		delete(r.pending, msgID)
	}
	r.mu.Unlock()
	if ok && p.timer != nil {
		p.timer.Stop()
	}
}

func (r *Router) resolveAck(msgID string, delivered bool) {
	r.mu.Lock()
	p, ok := r.pending[msgID]
	if ok {
		delete(r.pending, msgID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	p.timer.Stop()
	if p.waiter != nil {
		p.waiter(delivered)
	}
}

// PendingCount reports the number of in-flight ACK waits, for introspection.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// SeenCount reports the current seen-set size, for introspection.
func (r *Router) SeenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seenOrder.Len()
}

func mustParse(s string) identity.ID {
	id, err := identity.Parse(s)
	if err != nil {
		return identity.ID{}
	}
	return id
}
