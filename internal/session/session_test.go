package session_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/peerchat/peerchat/internal/identity"
	"github.com/peerchat/peerchat/internal/session"
	"github.com/peerchat/peerchat/internal/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func mustID(t *testing.T, s string) identity.ID {
	t.Helper()
	id, err := identity.Parse(s)
	if err != nil {
		t.Fatalf("parse identity %q: %v", s, err)
	}
	return id
}

func TestHandshakeExchangesIdentities(t *testing.T) {
	local := mustID(t, "bob@lobby")
	remote := mustID(t, "alice@lobby")

	ln, err := session.Listen("127.0.0.1:0", local, []string{"relay", "pub"})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan *session.Session, 1)
	go ln.Serve(func(s *session.Session) { accepted <- s })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := session.Dial(ctx, ln.Addr().String(), remote, []string{"pub", "whohas"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close("test done")

	var server *session.Session
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound session")
	}
	defer server.Close("test done")

	if client.Remote() != local {
		t.Errorf("client sees remote %s, want %s", client.Remote(), local)
	}
	if server.Remote() != remote {
		t.Errorf("server sees remote %s, want %s", server.Remote(), remote)
	}
	if client.State() != session.StateOpen || server.State() != session.StateOpen {
		t.Errorf("expected both sessions OPEN, got client=%s server=%s", client.State(), server.State())
	}
}

func TestSendDeliversFrameToPeer(t *testing.T) {
	local := mustID(t, "bob@lobby")
	remote := mustID(t, "alice@lobby")

	ln, err := session.Listen("127.0.0.1:0", local, nil)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	received := make(chan wire.Frame, 1)
	accepted := make(chan *session.Session, 1)
	go ln.Serve(func(s *session.Session) {
		s.Start(func(_ *session.Session, f wire.Frame) { received <- f }, func(*session.Session, string) {}, nil)
		accepted <- s
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := session.Dial(ctx, ln.Addr().String(), remote, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	client.Start(func(*session.Session, wire.Frame) {}, func(*session.Session, string) {}, nil)
	defer client.Close("test done")

	var server *session.Session
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound session")
	}
	defer server.Close("test done")

	if err := client.Send(wire.Frame{Type: wire.KindSend, MsgID: "m1", Src: remote.String(), Dst: local.String(), Payload: "hi"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case f := <-received:
		if f.MsgID != "m1" || f.Payload != "hi" {
			t.Errorf("unexpected frame: %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivered frame")
	}
}

func TestSendReturnsBusyWhenQueueFull(t *testing.T) {
	local := mustID(t, "bob@lobby")
	remote := mustID(t, "alice@lobby")

	ln, err := session.Listen("127.0.0.1:0", local, nil)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan *session.Session, 1)
	go ln.Serve(func(s *session.Session) { accepted <- s })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := session.Dial(ctx, ln.Addr().String(), remote, nil, session.WithOutboundQueue(1))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close("test done")

	var server *session.Session
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound session")
	}
	defer server.Close("test done")

	// Fill the single-slot queue without starting the writer loop, so
	// nothing drains it.
	if err := client.Send(wire.Frame{Type: wire.KindSend, MsgID: "m1"}); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := client.Send(wire.Frame{Type: wire.KindSend, MsgID: "m2"}); err != session.ErrBusy {
		t.Errorf("expected ErrBusy on full queue, got %v", err)
	}
}

func TestKeepAliveClosesWithinThreeMissedPings(t *testing.T) {
	local := mustID(t, "bob@lobby")
	remote := mustID(t, "alice@lobby")

	ln, err := session.Listen("127.0.0.1:0", local, nil)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan *session.Session, 1)
	go ln.Serve(func(s *session.Session) { accepted <- s })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pingInterval := 50 * time.Millisecond
	client, err := session.Dial(ctx, ln.Addr().String(), remote, nil, session.WithPingInterval(pingInterval))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	closed := make(chan string, 1)
	start := time.Now()
	client.Start(func(*session.Session, wire.Frame) {}, func(_ *session.Session, reason string) { closed <- reason }, nil)

	var server *session.Session
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound session")
	}
	defer server.Close("test done")
	// server never calls Start, so no PONG ever answers the client's pings.

	select {
	case reason := <-closed:
		if reason != "keepalive_timeout" {
			t.Errorf("close reason = %q, want keepalive_timeout", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for keepalive close")
	}

	// 3 missed-ping intervals, not the pre-fix 4, plus the 50ms window
	// Close gives the writer to flush BYE before invoking the callback.
	if elapsed := time.Since(start); elapsed > pingInterval*7/2+50*time.Millisecond {
		t.Errorf("keepalive close took %s, want within ~3 ping intervals (%s)", elapsed, pingInterval)
	}
}

func TestCloseIsIdempotentAndReportsReason(t *testing.T) {
	local := mustID(t, "bob@lobby")
	remote := mustID(t, "alice@lobby")

	ln, err := session.Listen("127.0.0.1:0", local, nil)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan *session.Session, 1)
	go ln.Serve(func(s *session.Session) {
		s.Start(func(*session.Session, wire.Frame) {}, func(*session.Session, string) {}, nil)
		accepted <- s
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := session.Dial(ctx, ln.Addr().String(), remote, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	closed := make(chan string, 1)
	client.Start(func(*session.Session, wire.Frame) {}, func(_ *session.Session, reason string) { closed <- reason }, nil)

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound session")
	}

	client.Close("manual")
	client.Close("manual-again")

	select {
	case reason := <-closed:
		if reason != "manual" {
			t.Errorf("close reason = %q, want %q", reason, "manual")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close callback")
	}
	if client.State() != session.StateClosed {
		t.Errorf("state = %s, want CLOSED", client.State())
	}
}
