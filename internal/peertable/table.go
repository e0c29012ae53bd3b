// Package peertable implements the peer table: a thread-safe registry of
// known peers, their connection status, RTT, and reconnect bookkeeping
// (spec §3, §4.2). It is exclusively owned by the orchestrator; all access
// from other components goes through these narrow accessors.
package peertable

import (
	"sync"
	"time"

	"github.com/peerchat/peerchat/internal/directory"
	"github.com/peerchat/peerchat/internal/identity"
)

// Status is a peer's connection lifecycle state (spec §3).
type Status int

const (
	StatusUnknown Status = iota
	StatusConnecting
	StatusConnected
	StatusStale
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "CONNECTING"
	case StatusConnected:
		return "CONNECTED"
	case StatusStale:
		return "STALE"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// rttAlpha is the exponential-moving-average weight for the most recent
// sample (spec §4.2: "rtt ← 0.125·sample + 0.875·rtt").
const rttAlpha = 0.125

// Descriptor is one peer's full record (spec §3).
type Descriptor struct {
	Identity identity.ID

	AdvertisedIP   string
	AdvertisedPort int
	ObservedIP     string
	ObservedPort   int

	Status             Status
	LastSeen           time.Time
	RTT                time.Duration
	rttSet             bool
	ReconnectAttempts  int
	NextRetryNotBefore time.Time

	TTL       int
	ExpiresIn int

	// missingCycles counts consecutive discovery cycles in which a
	// CONNECTED peer was absent from the directory snapshot; promoted to
	// STALE only at 2, implementing the hysteresis of spec §4.2.
	missingCycles int
}

// Table is the thread-safe peer registry (invariant I1: keyed by identity,
// unique).
type Table struct {
	mu    sync.Mutex
	peers map[string]*Descriptor
}

// New creates an empty peer table.
func New() *Table {
	return &Table{peers: make(map[string]*Descriptor)}
}

// UpsertFromDirectory merges one DISCOVER record into the table. A newly
// observed record replaces network coordinates and refreshes TTL, but
// never downgrades the status of a CONNECTED peer (spec §4.2).
func (t *Table) UpsertFromDirectory(rec directory.PeerRecord) {
	id, err := identity.New(rec.Name, rec.Namespace)
	if err != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.peers[id.String()]
	if !ok {
		d = &Descriptor{Identity: id, Status: StatusUnknown}
		t.peers[id.String()] = d
	}
	d.AdvertisedIP = rec.IP
	d.AdvertisedPort = rec.Port
	d.TTL = rec.TTL
	d.ExpiresIn = rec.ExpiresIn
	d.missingCycles = 0
}

// MarkMissingAsStale promotes CONNECTED peers absent from the current
// directory snapshot to STALE, but only after two consecutive cycles of
// absence (hysteresis, spec §4.2). present is the set of identities seen
// in the latest DISCOVER response.
func (t *Table) MarkMissingAsStale(present map[string]bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, d := range t.peers {
		if present[key] {
			continue
		}
		if d.Status != StatusConnected {
			continue
		}
		d.missingCycles++
		if d.missingCycles >= 2 {
			d.Status = StatusStale
		}
	}
}

// SetStatus transitions a peer's status. Per invariant I2, callers must
// close any owned session when transitioning to STALE/FAILED; per I4,
// reconnect attempts reset to zero whenever status becomes CONNECTED.
func (t *Table) SetStatus(id identity.ID, status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d := t.getOrCreateLocked(id)
	d.Status = status
	d.LastSeen = time.Now()
	if status == StatusConnected {
		d.ReconnectAttempts = 0
		d.missingCycles = 0
	}
	if status != StatusConnected {
		d.rttSet = false
	}
}

// RecordRTT applies the smoothing function of spec §4.2, defined only for
// CONNECTED peers (invariant I3).
func (t *Table) RecordRTT(id identity.ID, sample time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.peers[id.String()]
	if !ok || d.Status != StatusConnected {
		return
	}
	if !d.rttSet {
		d.RTT = sample
		d.rttSet = true
		return
	}
	d.RTT = time.Duration(rttAlpha*float64(sample) + (1-rttAlpha)*float64(d.RTT))
}

// RecordObserved updates the last-observed network coordinates reported by
// a live session (distinct from the directory-advertised ones).
func (t *Table) RecordObserved(id identity.ID, ip string, port int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.getOrCreateLocked(id)
	d.ObservedIP = ip
	d.ObservedPort = port
}

// ScheduleRetry sets next-retry-not-before and bumps the reconnect counter,
// used by the orchestrator's reconnect scheduler (spec §4.4).
func (t *Table) ScheduleRetry(id identity.ID, notBefore time.Time, attempts int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.getOrCreateLocked(id)
	d.NextRetryNotBefore = notBefore
	d.ReconnectAttempts = attempts
}

// Lookup returns a copy of one peer's descriptor.
func (t *Table) Lookup(id identity.ID) (Descriptor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.peers[id.String()]
	if !ok {
		return Descriptor{}, false
	}
	return *d, true
}

// Snapshot returns a copy of every descriptor, safe for the caller to range
// over without holding the table's lock.
func (t *Table) Snapshot() []Descriptor {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Descriptor, 0, len(t.peers))
	for _, d := range t.peers {
		out = append(out, *d)
	}
	return out
}

// CandidatesForReconnect returns identities in {UNKNOWN, STALE} whose
// next-retry-not-before has elapsed, for the connection reconciler
// (spec §4.4).
func (t *Table) CandidatesForReconnect(now time.Time) []identity.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []identity.ID
	for _, d := range t.peers {
		if d.Status != StatusUnknown && d.Status != StatusStale {
			continue
		}
		if now.Before(d.NextRetryNotBefore) {
			continue
		}
		out = append(out, d.Identity)
	}
	return out
}

func (t *Table) getOrCreateLocked(id identity.ID) *Descriptor {
	d, ok := t.peers[id.String()]
	if !ok {
		d = &Descriptor{Identity: id, Status: StatusUnknown}
		t.peers[id.String()] = d
	}
	return d
}
