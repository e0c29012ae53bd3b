package peertable_test

import (
	"testing"
	"time"

	"github.com/peerchat/peerchat/internal/directory"
	"github.com/peerchat/peerchat/internal/identity"
	"github.com/peerchat/peerchat/internal/peertable"
)

func mustID(t *testing.T, name, ns string) identity.ID {
	t.Helper()
	id, err := identity.New(name, ns)
	if err != nil {
		t.Fatalf("identity.New(%q,%q): %v", name, ns, err)
	}
	return id
}

func TestUpsertFromDirectoryCreatesUnknownPeer(t *testing.T) {
	tbl := peertable.New()
	tbl.UpsertFromDirectory(directory.PeerRecord{IP: "10.0.0.1", Port: 9000, Name: "alice", Namespace: "lobby", TTL: 60, ExpiresIn: 55})

	id := mustID(t, "alice", "lobby")
	d, ok := tbl.Lookup(id)
	if !ok {
		t.Fatal("expected peer to exist after upsert")
	}
	if d.Status != peertable.StatusUnknown {
		t.Errorf("status = %s, want UNKNOWN", d.Status)
	}
	if d.AdvertisedIP != "10.0.0.1" || d.AdvertisedPort != 9000 {
		t.Errorf("unexpected advertised coordinates: %+v", d)
	}
}

func TestSetStatusConnectedResetsReconnectAttempts(t *testing.T) {
	tbl := peertable.New()
	id := mustID(t, "alice", "lobby")

	tbl.ScheduleRetry(id, time.Now().Add(time.Minute), 3)
	tbl.SetStatus(id, peertable.StatusConnected)

	d, _ := tbl.Lookup(id)
	if d.ReconnectAttempts != 0 {
		t.Errorf("ReconnectAttempts = %d, want 0 after reconnect (invariant I4)", d.ReconnectAttempts)
	}
	if d.Status != peertable.StatusConnected {
		t.Errorf("status = %s, want CONNECTED", d.Status)
	}
}

func TestRecordRTTOnlyAppliesWhenConnected(t *testing.T) {
	tbl := peertable.New()
	id := mustID(t, "alice", "lobby")

	tbl.RecordRTT(id, 50*time.Millisecond)
	d, ok := tbl.Lookup(id)
	if ok && d.RTT != 0 {
		t.Errorf("RTT should stay zero for a non-CONNECTED peer, got %v", d.RTT)
	}

	tbl.SetStatus(id, peertable.StatusConnected)
	tbl.RecordRTT(id, 100*time.Millisecond)
	d, _ = tbl.Lookup(id)
	if d.RTT != 100*time.Millisecond {
		t.Errorf("first RTT sample should set RTT directly, got %v", d.RTT)
	}

	tbl.RecordRTT(id, 300*time.Millisecond)
	d, _ = tbl.Lookup(id)
	want := time.Duration(0.125*float64(300*time.Millisecond) + 0.875*float64(100*time.Millisecond))
	if d.RTT != want {
		t.Errorf("smoothed RTT = %v, want %v", d.RTT, want)
	}
}

func TestMarkMissingAsStaleRequiresTwoCycles(t *testing.T) {
	tbl := peertable.New()
	id := mustID(t, "alice", "lobby")
	tbl.SetStatus(id, peertable.StatusConnected)

	tbl.MarkMissingAsStale(map[string]bool{})
	d, _ := tbl.Lookup(id)
	if d.Status != peertable.StatusConnected {
		t.Errorf("status = %s after one missing cycle, want still CONNECTED", d.Status)
	}

	tbl.MarkMissingAsStale(map[string]bool{})
	d, _ = tbl.Lookup(id)
	if d.Status != peertable.StatusStale {
		t.Errorf("status = %s after two missing cycles, want STALE", d.Status)
	}
}

func TestMarkMissingAsStaleIgnoresPresentPeers(t *testing.T) {
	tbl := peertable.New()
	id := mustID(t, "alice", "lobby")
	tbl.SetStatus(id, peertable.StatusConnected)

	tbl.MarkMissingAsStale(map[string]bool{id.String(): true})
	d, _ := tbl.Lookup(id)
	if d.Status != peertable.StatusConnected {
		t.Errorf("present peer should not be marked stale, got %s", d.Status)
	}
}

func TestCandidatesForReconnectRespectsBackoff(t *testing.T) {
	tbl := peertable.New()
	id := mustID(t, "alice", "lobby")
	tbl.UpsertFromDirectory(directory.PeerRecord{Name: "alice", Namespace: "lobby", IP: "10.0.0.1", Port: 9000})

	now := time.Now()
	tbl.ScheduleRetry(id, now.Add(time.Minute), 1)
	if c := tbl.CandidatesForReconnect(now); len(c) != 0 {
		t.Errorf("expected no candidates before retry deadline, got %v", c)
	}
	if c := tbl.CandidatesForReconnect(now.Add(2 * time.Minute)); len(c) != 1 {
		t.Errorf("expected one candidate after retry deadline, got %v", c)
	}
}

func TestSnapshotReturnsIndependentCopies(t *testing.T) {
	tbl := peertable.New()
	id := mustID(t, "alice", "lobby")
	tbl.SetStatus(id, peertable.StatusConnected)

	snap := tbl.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("len(snap) = %d, want 1", len(snap))
	}
	snap[0].Status = peertable.StatusFailed

	d, _ := tbl.Lookup(id)
	if d.Status != peertable.StatusConnected {
		t.Errorf("mutating a snapshot copy must not affect the table, got %s", d.Status)
	}
}
