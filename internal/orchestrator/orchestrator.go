// Package orchestrator owns the peer table and the live session set, and
// drives the three background workers of spec §4.4: periodic discovery
// against the rendezvous directory, a bounded-concurrency connection
// reconciler, and an exponential-backoff reconnect scheduler. It is the
// only component that dials or accepts sessions (spec §3 Ownership).
//
// The worker lifecycle is one goroutine per concern, coordinated through
// context cancellation rather than a shared done channel, using
// golang.org/x/sync/errgroup rather than hand-rolled select-on-ctx.Done()
// loops.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/peerchat/peerchat/internal/directory"
	"github.com/peerchat/peerchat/internal/identity"
	"github.com/peerchat/peerchat/internal/logging"
	"github.com/peerchat/peerchat/internal/peertable"
	"github.com/peerchat/peerchat/internal/router"
	"github.com/peerchat/peerchat/internal/session"
	"github.com/peerchat/peerchat/internal/wire"
)

// Defaults per spec §4.4 / §6.4.
const (
	DefaultDiscoveryInterval    = 15 * time.Second
	DefaultWildcardEveryNTicks  = 4
	DefaultReconcileInterval    = 30 * time.Second
	DefaultMaxOutboundDials     = 8
	DefaultReconnectBackoffBase = 1 * time.Second
	DefaultMaxReconnectBackoff  = 5 * time.Minute
	DefaultMaxReconnectAttempts = 5
	DefaultMaxSessions          = 64
)

// Config tunes the orchestrator and is loaded from the process config
// (SPEC_FULL §6.4).
type Config struct {
	Self       identity.ID
	Features   []string
	ListenAddr string

	DiscoveryInterval    time.Duration
	ReconcileInterval     time.Duration
	MaxOutboundDials      int
	ReconnectBackoffBase  time.Duration
	MaxReconnectBackoff   time.Duration
	MaxReconnectAttempts  int
	MaxSessions           int
	PingInterval          time.Duration
}

func (c *Config) setDefaults() {
	if c.DiscoveryInterval <= 0 {
		c.DiscoveryInterval = DefaultDiscoveryInterval
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = DefaultReconcileInterval
	}
	if c.MaxOutboundDials <= 0 {
		c.MaxOutboundDials = DefaultMaxOutboundDials
	}
	if c.ReconnectBackoffBase <= 0 {
		c.ReconnectBackoffBase = DefaultReconnectBackoffBase
	}
	if c.MaxReconnectBackoff <= 0 {
		c.MaxReconnectBackoff = DefaultMaxReconnectBackoff
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
}

// EventHandler receives lifecycle notifications for the introspection
// server's event feed (SPEC_FULL §6.5): "peer_connected", "peer_disconnected",
// "peer_failed", "session_busy".
type EventHandler func(kind string, peer identity.ID, detail string)

// Orchestrator wires the directory client, peer table, session set, and
// router together and drives the background workers.
type Orchestrator struct {
	cfg   Config
	dir   *directory.Client
	table *peertable.Table
	rtr   *router.Router
	log   *logging.Logger
	onEvt EventHandler

	ln *session.Listener

	mu       sync.Mutex
	sessions map[string]*session.Session // keyed by remote identity string

	dialSem *semaphore.Weighted
}

// New constructs an Orchestrator. The Router is created by the caller
// (main) with this Orchestrator passed as its router.SessionSender, since
// the two packages otherwise would import each other.
func New(cfg Config, dir *directory.Client, table *peertable.Table, onEvt EventHandler) *Orchestrator {
	cfg.setDefaults()
	return &Orchestrator{
		cfg:      cfg,
		dir:      dir,
		table:    table,
		log:      logging.New("orchestrator"),
		onEvt:    onEvt,
		sessions: make(map[string]*session.Session),
		dialSem:  semaphore.NewWeighted(int64(cfg.MaxOutboundDials)),
	}
}

// AttachRouter wires the router that will receive inbound application
// frames. Must be called before Run.
func (o *Orchestrator) AttachRouter(r *router.Router) { o.rtr = r }

func (o *Orchestrator) emit(kind string, peer identity.ID, detail string) {
	if o.onEvt != nil {
		o.onEvt(kind, peer, detail)
	}
}

// --- router.SessionSender ---

// SendTo implements router.SessionSender.
func (o *Orchestrator) SendTo(id identity.ID, f wire.Frame) (ok, busy bool) {
	o.mu.Lock()
	s, found := o.sessions[id.String()]
	o.mu.Unlock()
	if !found {
		return false, false
	}
	if err := s.Send(f); err != nil {
		if err == session.ErrBusy {
			o.emit("session_busy", id, "")
			return true, true
		}
		return false, false
	}
	return true, false
}

// Sessions implements router.SessionSender.
func (o *Orchestrator) Sessions() []identity.ID {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]identity.ID, 0, len(o.sessions))
	for _, s := range o.sessions {
		out = append(out, s.Remote())
	}
	return out
}

// SessionsInNamespace implements router.SessionSender.
func (o *Orchestrator) SessionsInNamespace(ns string) []identity.ID {
	var out []identity.ID
	for _, id := range o.Sessions() {
		if id.Namespace == ns {
			out = append(out, id)
		}
	}
	return out
}

// SessionStats returns a snapshot of every live session, for the shell and
// introspection server.
func (o *Orchestrator) SessionStats() []session.Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]session.Stats, 0, len(o.sessions))
	for _, s := range o.sessions {
		out = append(out, s.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Remote.String() < out[j].Remote.String() })
	return out
}

// PeerTable exposes the owned peer table to read-only consumers (shell,
// introspection server).
func (o *Orchestrator) PeerTable() *peertable.Table { return o.table }

// Run starts the listener and all background workers; blocks until ctx is
// cancelled or a worker returns an error.
func (o *Orchestrator) Run(ctx context.Context) error {
	ln, err := session.Listen(o.cfg.ListenAddr, o.cfg.Self, o.cfg.Features, session.WithPingInterval(o.cfg.PingInterval))
	if err != nil {
		return fmt.Errorf("orchestrator: listen %s: %w", o.cfg.ListenAddr, err)
	}
	o.ln = ln
	o.log.Infof("listening on %s as %s", ln.Addr(), o.cfg.Self)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		err := ln.Serve(func(s *session.Session) { o.adopt(s, true) })
		if gctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error { return o.discoveryWorker(gctx) })
	g.Go(func() error { return o.reconcileWorker(gctx) })

	return g.Wait()
}

// adopt registers a freshly handshaken session (inbound or outbound),
// resolving a dual-connect race by lexicographic identity tie-break (spec
// §4.4: the side whose identity sorts lower keeps its outbound connection).
func (o *Orchestrator) adopt(s *session.Session, inbound bool) {
	remote := s.Remote()
	key := remote.String()

	o.mu.Lock()
	if existing, ok := o.sessions[key]; ok {
		keepNew := shouldReplace(o.cfg.Self, remote, inbound)
		if !keepNew {
			o.mu.Unlock()
			s.Close("duplicate")
			return
		}
		o.mu.Unlock()
		existing.Close("duplicate")
		o.mu.Lock()
	}
	if len(o.sessions) >= o.cfg.MaxSessions {
		o.mu.Unlock()
		s.Close("max_sessions")
		return
	}
	o.sessions[key] = s
	o.mu.Unlock()

	o.table.SetStatus(remote, peertable.StatusConnected)
	o.emit("peer_connected", remote, "")

	s.Start(
		func(sess *session.Session, f wire.Frame) {
			if o.rtr != nil {
				o.rtr.HandleInbound(sess.Remote(), f)
			}
		},
		func(sess *session.Session, reason string) { o.onSessionClosed(sess, reason) },
		func(id identity.ID, sample time.Duration) { o.table.RecordRTT(id, sample) },
	)
}

// shouldReplace decides, on a dual-connect race, whether the new session
// should win. Per spec §4.4 the lower identity (lexicographically) keeps
// the connection it dialed out; the higher identity accepts the inbound
// one. inbound is true when the new session was accepted rather than
// dialed by us.
func shouldReplace(self, remote identity.ID, inbound bool) bool {
	weAreLower := self.String() < remote.String()
	// We keep our own outbound dial when we are the lower identity; the new
	// inbound session loses in that case. Symmetric for the higher identity
	// accepting inbound over its own outbound dial.
	if inbound {
		return !weAreLower
	}
	return weAreLower
}

func (o *Orchestrator) onSessionClosed(s *session.Session, reason string) {
	remote := s.Remote()
	o.mu.Lock()
	if o.sessions[remote.String()] == s {
		delete(o.sessions, remote.String())
	}
	o.mu.Unlock()

	if reason != "duplicate" {
		o.table.SetStatus(remote, peertable.StatusUnknown)
		o.emit("peer_disconnected", remote, reason)
	}
}

// discoveryWorker issues periodic DISCOVER calls against the directory,
// merging results into the peer table and marking absent CONNECTED peers
// stale (spec §4.4). Every Nth tick also issues a wildcard DISCOVER across
// all namespaces.
func (o *Orchestrator) discoveryWorker(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.DiscoveryInterval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tick++
			o.runDiscovery(o.cfg.Self.Namespace)
			if tick%DefaultWildcardEveryNTicks == 0 {
				o.runDiscovery("")
			}
		}
	}
}

func (o *Orchestrator) runDiscovery(namespace string) {
	peers, err := o.dir.Discover(namespace)
	if err != nil {
		o.log.Warnf("discover(%q) failed: %v", namespace, err)
		return
	}
	present := make(map[string]bool, len(peers))
	for _, rec := range peers {
		if rec.Name == o.cfg.Self.Name && rec.Namespace == o.cfg.Self.Namespace {
			continue
		}
		o.table.UpsertFromDirectory(rec)
		id, err := identity.New(rec.Name, rec.Namespace)
		if err == nil {
			present[id.String()] = true
		}
	}
	if namespace != "" {
		o.table.MarkMissingAsStale(present)
	}
}

// reconcileWorker periodically dials UNKNOWN and STALE peers whose retry
// time has passed, up to the configured concurrency bound (spec §4.4).
func (o *Orchestrator) reconcileWorker(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.reconcileOnce(ctx)
		}
	}
}

func (o *Orchestrator) reconcileOnce(ctx context.Context) {
	now := time.Now()
	candidates := o.table.CandidatesForReconnect(now)

	var wg sync.WaitGroup
	for _, id := range candidates {
		d, ok := o.table.Lookup(id)
		if !ok || d.AdvertisedIP == "" {
			continue
		}
		if !o.dialSem.TryAcquire(1) {
			continue
		}
		wg.Add(1)
		go func(id identity.ID, d peertable.Descriptor) {
			defer wg.Done()
			defer o.dialSem.Release(1)
			o.tryConnect(ctx, id, d)
		}(id, d)
	}
	wg.Wait()
}

func (o *Orchestrator) tryConnect(ctx context.Context, id identity.ID, d peertable.Descriptor) {
	o.table.SetStatus(id, peertable.StatusConnecting)
	addr := fmt.Sprintf("%s:%d", d.AdvertisedIP, d.AdvertisedPort)

	dialCtx, cancel := context.WithTimeout(ctx, session.HandshakeTimeout*2)
	defer cancel()

	s, err := session.Dial(dialCtx, addr, o.cfg.Self, o.cfg.Features, session.WithPingInterval(o.cfg.PingInterval))
	if err != nil {
		attempts := d.ReconnectAttempts + 1
		if attempts >= o.cfg.MaxReconnectAttempts {
			o.table.SetStatus(id, peertable.StatusFailed)
			o.emit("peer_failed", id, err.Error())
			return
		}
		backoff := o.cfg.ReconnectBackoffBase * time.Duration(1<<uint(attempts-1))
		if backoff > o.cfg.MaxReconnectBackoff {
			backoff = o.cfg.MaxReconnectBackoff
		}
		o.table.SetStatus(id, peertable.StatusStale)
		o.table.ScheduleRetry(id, time.Now().Add(backoff), attempts)
		o.log.Warnf("dial %s (%s) failed (attempt %d): %v", id, addr, attempts, err)
		return
	}
	o.adopt(s, false)
}

// Shutdown sends BYE to every live session with reason, used during
// graceful process shutdown (spec §5, shutdown budget).
func (o *Orchestrator) Shutdown(reason string) {
	o.mu.Lock()
	sessions := make([]*session.Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		sessions = append(sessions, s)
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *session.Session) {
			defer wg.Done()
			s.Close(reason)
		}(s)
	}
	wg.Wait()
}
