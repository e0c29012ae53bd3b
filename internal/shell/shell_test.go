package shell_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/peerchat/peerchat/internal/directory"
	"github.com/peerchat/peerchat/internal/identity"
	"github.com/peerchat/peerchat/internal/orchestrator"
	"github.com/peerchat/peerchat/internal/peertable"
	"github.com/peerchat/peerchat/internal/router"
	"github.com/peerchat/peerchat/internal/shell"
)

func mustID(t *testing.T, s string) identity.ID {
	t.Helper()
	id, err := identity.Parse(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return id
}

func newTestShell(t *testing.T) (*shell.Shell, *bytes.Buffer) {
	t.Helper()
	self := mustID(t, "bob@lobby")
	table := peertable.New()
	table.UpsertFromDirectory(directory.PeerRecord{Name: "alice", Namespace: "lobby", IP: "10.0.0.1", Port: 9000, TTL: 60})

	orch := orchestrator.New(orchestrator.Config{Self: self}, nil, table, nil)
	rtr := router.New(self, orch, router.Config{}, nil)
	orch.AttachRouter(rtr)

	var out bytes.Buffer
	return shell.New(self, orch, rtr, &out), &out
}

func TestPeersListsKnownPeers(t *testing.T) {
	sh, out := newTestShell(t)
	code := sh.Run(strings.NewReader("/peers\n/quit\n"))
	if code != shell.ExitOK {
		t.Fatalf("exit code = %d, want ExitOK", code)
	}
	if !strings.Contains(out.String(), "alice@lobby") {
		t.Errorf("expected /peers output to mention alice@lobby, got:\n%s", out.String())
	}
}

func TestUnknownCommandReportsError(t *testing.T) {
	sh, out := newTestShell(t)
	sh.Run(strings.NewReader("/bogus\n/quit\n"))
	if !strings.Contains(out.String(), "unknown command") {
		t.Errorf("expected an unknown-command error, got:\n%s", out.String())
	}
}

func TestMsgWithoutRouteQueuesForDiscovery(t *testing.T) {
	// No direct session and no route cache entry for carol means
	// Originate floods WHO_HAS and parks the send rather than failing
	// immediately: the command itself reports success, with delivery
	// resolved later by a WHO_HAS_HIT or the discovery timeout.
	sh, out := newTestShell(t)
	sh.Run(strings.NewReader("/msg carol@lobby hi\n/quit\n"))
	if strings.Contains(out.String(), "error:") {
		t.Errorf("expected /msg to queue rather than error immediately, got:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "sent ") {
		t.Errorf("expected a queued-send confirmation, got:\n%s", out.String())
	}
}

func TestMsgToInvalidDestinationReportsError(t *testing.T) {
	sh, out := newTestShell(t)
	sh.Run(strings.NewReader("/msg not-an-identity hi\n/quit\n"))
	if !strings.Contains(out.String(), "error:") {
		t.Errorf("expected an error for a malformed destination, got:\n%s", out.String())
	}
}

func TestLogChangesLevel(t *testing.T) {
	sh, out := newTestShell(t)
	sh.Run(strings.NewReader("/log debug\n/quit\n"))
	if !strings.Contains(out.String(), "log level set to debug") {
		t.Errorf("expected log level confirmation, got:\n%s", out.String())
	}
}

func TestQuitExitsImmediately(t *testing.T) {
	sh, _ := newTestShell(t)
	code := sh.Run(strings.NewReader("/quit\nthis should never run\n"))
	if code != shell.ExitOK {
		t.Fatalf("exit code = %d, want ExitOK", code)
	}
}
