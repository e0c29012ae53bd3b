// Package session implements one persistent TCP peer session: handshake,
// framed I/O, keep-alive/RTT, and the CLOSING/CLOSED lifecycle of spec §4.3.
//
// A Session owns its socket and its inbound/outbound queues exclusively
// (spec §3 Ownership); it never touches the peer table, seen-set, or route
// cache directly. Inbound frames are handed to the router through the
// FrameHandler callback; lifecycle transitions are handed to the
// orchestrator through the CloseHandler callback. This mirrors the
// reference corpus's persistent-control-connection client: a reader
// goroutine, a writer goroutine draining a bounded outbound channel, and a
// keep-alive ticker, coordinated through channels and atomics plus one
// small mutex guarding the outstanding ping nonce.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/peerchat/peerchat/internal/identity"
	"github.com/peerchat/peerchat/internal/logging"
	"github.com/peerchat/peerchat/internal/wire"
)

// State is the session lifecycle state of spec §4.3.
type State int32

const (
	StateNew State = iota
	StateHandshaking
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "HANDSHAKING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "NEW"
	}
}

// Tunable defaults (spec §4.3, §4.4, §6.4).
const (
	DefaultPingInterval   = 30 * time.Second
	HandshakeTimeout      = 5 * time.Second
	DefaultOutboundQueue  = 256
	maxMissedPings        = 3
)

// ErrBusy is returned by Send when the outbound queue is full (spec §5,
// "Backpressure").
var ErrBusy = errors.New("session: outbound queue full")

// FrameHandler receives one inbound application frame (anything other than
// HELLO/HELLO_OK/PING/PONG/BYE, which the session itself consumes).
type FrameHandler func(s *Session, f wire.Frame)

// CloseHandler is invoked exactly once when a session transitions to
// CLOSED, with the reason it closed for.
type CloseHandler func(s *Session, reason string)

// RTTHandler reports one keep-alive round-trip sample.
type RTTHandler func(remote identity.ID, sample time.Duration)

// Stats is a point-in-time snapshot of one session's counters, surfaced to
// the introspection server and shell (spec SPEC_FULL §4.3 addition).
type Stats struct {
	Remote      identity.ID
	State       State
	FramesIn    int64
	FramesOut   int64
	OpenedAt    time.Time
	MissedPings int32
}

// Session is one persistent TCP conversation with a remote peer.
type Session struct {
	id    string
	local identity.ID

	conn  net.Conn
	codec *wire.Codec

	remoteMu sync.RWMutex
	remote   identity.ID
	features []string

	state    int32 // atomic State
	openedAt time.Time

	outbound chan wire.Frame
	stopCh   chan struct{}
	closeOnce sync.Once

	framesIn  int64
	framesOut int64

	pingInterval time.Duration
	missedPings  int32
	pendingMu    sync.Mutex
	pendingNonce string
	pendingSent  time.Time

	onFrame FrameHandler
	onClose CloseHandler
	onRTT   RTTHandler

	log *logging.Logger
}

// config groups the construction parameters shared by dial and accept.
type config struct {
	local        identity.ID
	features     []string
	pingInterval time.Duration
	queueCap     int
}

func newSession(conn net.Conn, cfg config) *Session {
	if cfg.pingInterval <= 0 {
		cfg.pingInterval = DefaultPingInterval
	}
	if cfg.queueCap <= 0 {
		cfg.queueCap = DefaultOutboundQueue
	}
	return &Session{
		id:           uuid.NewString()[:8],
		local:        cfg.local,
		conn:         conn,
		codec:        wire.NewCodec(conn),
		features:     cfg.features,
		outbound:     make(chan wire.Frame, cfg.queueCap),
		stopCh:       make(chan struct{}),
		pingInterval: cfg.pingInterval,
		log:          logging.New("session"),
	}
}

// Option customizes Dial/Accept beyond their required arguments.
type Option func(*config)

// WithPingInterval overrides the default 30s keep-alive interval.
func WithPingInterval(d time.Duration) Option {
	return func(c *config) { c.pingInterval = d }
}

// WithOutboundQueue overrides the default 256-frame outbound queue depth.
func WithOutboundQueue(n int) Option {
	return func(c *config) { c.queueCap = n }
}

// Dial opens an outbound TCP connection and performs the initiator side of
// the HELLO/HELLO_OK handshake (spec §4.3).
func Dial(ctx context.Context, addr string, local identity.ID, features []string, opts ...Option) (*Session, error) {
	cfg := config{local: local, features: features}
	for _, o := range opts {
		o(&cfg)
	}

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("session: dial %s: %w", addr, err)
	}

	s := newSession(conn, cfg)
	atomic.StoreInt32(&s.state, int32(StateHandshaking))

	if err := s.codec.WriteFrame(wire.Frame{Type: wire.KindHello, Identity: local.String(), Features: features}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("session: send HELLO: %w", err)
	}
	resp, err := s.codec.ReadFrame(HandshakeTimeout)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("session: await HELLO_OK: %w", err)
	}
	if resp.Type == wire.KindError {
		conn.Close()
		return nil, fmt.Errorf("session: handshake refused: %s", resp.Code)
	}
	if resp.Type != wire.KindHelloOK {
		conn.Close()
		return nil, fmt.Errorf("session: unexpected frame %q during handshake", resp.Type)
	}
	remote, err := identity.Parse(resp.Identity)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("session: malformed remote identity %q", resp.Identity)
	}

	s.remoteMu.Lock()
	s.remote = remote
	s.features = intersectFeatures(features, resp.Features)
	s.remoteMu.Unlock()

	atomic.StoreInt32(&s.state, int32(StateOpen))
	s.openedAt = time.Now()
	return s, nil
}

// Accept performs the responder side of the handshake over an already
// accepted inbound connection (spec §4.3); used by the listener.
func Accept(conn net.Conn, local identity.ID, features []string, opts ...Option) (*Session, error) {
	cfg := config{local: local, features: features}
	for _, o := range opts {
		o(&cfg)
	}

	s := newSession(conn, cfg)
	atomic.StoreInt32(&s.state, int32(StateHandshaking))

	req, err := s.codec.ReadFrame(HandshakeTimeout)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("session: await HELLO: %w", err)
	}
	if req.Type != wire.KindHello {
		s.codec.WriteFrame(wire.Frame{Type: wire.KindError, Code: "bad_format", Detail: "expected HELLO"})
		conn.Close()
		return nil, fmt.Errorf("session: expected HELLO, got %q", req.Type)
	}
	remote, err := identity.Parse(req.Identity)
	if err != nil {
		s.codec.WriteFrame(wire.Frame{Type: wire.KindError, Code: "bad_format", Detail: "malformed identity"})
		conn.Close()
		return nil, fmt.Errorf("session: malformed remote identity %q", req.Identity)
	}

	negotiated := intersectFeatures(features, req.Features)
	if err := s.codec.WriteFrame(wire.Frame{Type: wire.KindHelloOK, Identity: local.String(), Features: negotiated}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("session: send HELLO_OK: %w", err)
	}

	s.remoteMu.Lock()
	s.remote = remote
	s.features = negotiated
	s.remoteMu.Unlock()

	atomic.StoreInt32(&s.state, int32(StateOpen))
	s.openedAt = time.Now()
	return s, nil
}

func intersectFeatures(a, b []string) []string {
	set := make(map[string]bool, len(b))
	for _, f := range b {
		set[f] = true
	}
	var out []string
	for _, f := range a {
		if set[f] {
			out = append(out, f)
		}
	}
	return out
}

// Start launches the reader, writer, and keep-alive goroutines. Must be
// called exactly once, after a successful Dial/Accept.
func (s *Session) Start(onFrame FrameHandler, onClose CloseHandler, onRTT RTTHandler) {
	s.onFrame = onFrame
	s.onClose = onClose
	s.onRTT = onRTT

	go s.writeLoop()
	go s.keepAliveLoop()
	go s.readLoop()
}

// ID returns the session's short diagnostic identifier.
func (s *Session) ID() string { return s.id }

// Remote returns the negotiated remote identity (valid once OPEN).
func (s *Session) Remote() identity.ID {
	s.remoteMu.RLock()
	defer s.remoteMu.RUnlock()
	return s.remote
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(atomic.LoadInt32(&s.state)) }

// Stats returns a point-in-time snapshot for introspection.
func (s *Session) Stats() Stats {
	return Stats{
		Remote:      s.Remote(),
		State:       s.State(),
		FramesIn:    atomic.LoadInt64(&s.framesIn),
		FramesOut:   atomic.LoadInt64(&s.framesOut),
		OpenedAt:    s.openedAt,
		MissedPings: atomic.LoadInt32(&s.missedPings),
	}
}

// Send enqueues a frame for transmission. Returns ErrBusy immediately if
// the outbound queue is full (spec §5 backpressure); never blocks.
func (s *Session) Send(f wire.Frame) error {
	if s.State() != StateOpen {
		return fmt.Errorf("session: not open (state=%s)", s.State())
	}
	select {
	case s.outbound <- f:
		return nil
	default:
		return ErrBusy
	}
}

// enqueueControl is used internally for PING/PONG/ERROR replies; it drops
// the frame rather than blocking the reader when the queue is full.
func (s *Session) enqueueControl(f wire.Frame) {
	select {
	case s.outbound <- f:
	default:
		s.log.Warnf("session %s: dropped control frame %s, queue full", s.id, f.Type)
	}
}

// Close transitions the session to CLOSING, best-effort sends BYE, then
// shuts the socket and reports CLOSED via the CloseHandler. Idempotent.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		atomic.StoreInt32(&s.state, int32(StateClosing))
		// Best-effort BYE; never block the caller on a full queue.
		select {
		case s.outbound <- wire.Frame{Type: wire.KindBye, Reason: reason}:
		default:
		}
		// Give the writer a brief window to flush BYE before we yank the
		// socket out from under it.
		time.Sleep(50 * time.Millisecond)

		close(s.stopCh)
		s.conn.Close()
		atomic.StoreInt32(&s.state, int32(StateClosed))

		s.log.Infof("session %s (%s) closed: %s", s.id, s.Remote(), reason)
		if s.onClose != nil {
			s.onClose(s, reason)
		}
	})
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		case f := <-s.outbound:
			if err := s.codec.WriteFrame(f); err != nil {
				s.log.Warnf("session %s: write error: %v", s.id, err)
				go s.Close("write_error")
				return
			}
			atomic.AddInt64(&s.framesOut, 1)
		}
	}
}

func (s *Session) keepAliveLoop() {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			outstanding := atomic.AddInt32(&s.missedPings, 1)
			if outstanding >= maxMissedPings {
				go s.Close("keepalive_timeout")
				return
			}
			nonce := uuid.NewString()
			now := time.Now()
			s.pendingMu.Lock()
			s.pendingNonce = nonce
			s.pendingSent = now
			s.pendingMu.Unlock()
			s.enqueueControl(wire.Frame{Type: wire.KindPing, Nonce: nonce, TSend: now.UnixNano()})
		}
	}
}

func (s *Session) readLoop() {
	for {
		f, err := s.codec.ReadFrame(0)
		if err != nil {
			if errors.Is(err, wire.ErrLineTooLong) {
				s.enqueueControl(wire.Frame{Type: wire.KindError, Code: "line_too_long", Limit: wire.MaxLineLen})
				go s.Close("line_too_long")
				return
			}
			go s.Close("read_error")
			return
		}
		atomic.AddInt64(&s.framesIn, 1)
		s.dispatch(f)
	}
}

func (s *Session) dispatch(f wire.Frame) {
	switch f.Type {
	case wire.KindPing:
		s.enqueueControl(wire.Frame{Type: wire.KindPong, Nonce: f.Nonce})
	case wire.KindPong:
		s.pendingMu.Lock()
		match := f.Nonce != "" && f.Nonce == s.pendingNonce
		sentAt := s.pendingSent
		s.pendingMu.Unlock()
		if match {
			atomic.StoreInt32(&s.missedPings, 0)
			if s.onRTT != nil {
				s.onRTT(s.Remote(), time.Since(sentAt))
			}
		}
	case wire.KindBye:
		go s.Close("remote_bye")
	case wire.KindHello, wire.KindHelloOK:
		s.log.Warnf("session %s: unexpected %s after handshake", s.id, f.Type)
	default:
		if s.onFrame != nil {
			s.onFrame(s, f)
		}
	}
}
