package router_test

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/peerchat/peerchat/internal/identity"
	"github.com/peerchat/peerchat/internal/router"
	"github.com/peerchat/peerchat/internal/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSender struct {
	mu       sync.Mutex
	sessions map[string]bool
	sent     []wire.Frame
	busyFor  map[string]bool
}

func newFakeSender(ids ...string) *fakeSender {
	s := &fakeSender{sessions: make(map[string]bool), busyFor: make(map[string]bool)}
	for _, id := range ids {
		s.sessions[id] = true
	}
	return s
}

func (f *fakeSender) SendTo(id identity.ID, fr wire.Frame) (ok, busy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sessions[id.String()] {
		return false, false
	}
	if f.busyFor[id.String()] {
		return true, true
	}
	f.sent = append(f.sent, fr)
	return true, false
}

func (f *fakeSender) Sessions() []identity.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []identity.ID
	for k := range f.sessions {
		id, _ := identity.Parse(k)
		out = append(out, id)
	}
	return out
}

func (f *fakeSender) SessionsInNamespace(ns string) []identity.ID {
	var out []identity.ID
	for _, id := range f.Sessions() {
		if id.Namespace == ns {
			out = append(out, id)
		}
	}
	return out
}

func mustID(t *testing.T, s string) identity.ID {
	t.Helper()
	id, err := identity.Parse(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return id
}

func TestHandleSendDeliversLocallyAndAcks(t *testing.T) {
	self := mustID(t, "bob@lobby")
	remote := mustID(t, "alice@lobby")
	sender := newFakeSender("alice@lobby")

	var events []router.DeliveryEvent
	r := router.New(self, sender, router.Config{}, func(ev router.DeliveryEvent) { events = append(events, ev) })

	r.HandleInbound(remote, wire.Frame{Type: wire.KindSend, MsgID: "m1", Src: "alice@lobby", Dst: "bob@lobby", Payload: "hi", TTL: 4})

	if len(sender.sent) != 1 || sender.sent[0].Type != wire.KindAck || sender.sent[0].Ref != "m1" {
		t.Fatalf("expected an ACK to be sent back, got %+v", sender.sent)
	}
	if len(events) != 1 || events[0].Outcome != "delivered" {
		t.Errorf("expected a delivered event, got %+v", events)
	}
}

func TestHandleSendDedupsRepeatedFrame(t *testing.T) {
	self := mustID(t, "bob@lobby")
	remote := mustID(t, "alice@lobby")
	sender := newFakeSender("alice@lobby")
	r := router.New(self, sender, router.Config{}, nil)

	f := wire.Frame{Type: wire.KindSend, MsgID: "m1", Src: "alice@lobby", Dst: "bob@lobby", Payload: "hi", TTL: 4}
	r.HandleInbound(remote, f)
	r.HandleInbound(remote, f)

	if len(sender.sent) != 1 {
		t.Errorf("expected exactly one ACK despite duplicate delivery, got %d sends", len(sender.sent))
	}
}

func TestHandleSendRelaysWhenNotLocal(t *testing.T) {
	self := mustID(t, "relay@lobby")
	remote := mustID(t, "alice@lobby")
	sender := newFakeSender("alice@lobby", "carol@lobby")
	r := router.New(self, sender, router.Config{}, nil)

	r.HandleInbound(remote, wire.Frame{Type: wire.KindSend, MsgID: "m1", Src: "alice@lobby", Dst: "carol@lobby", Payload: "hi", TTL: 4})

	if len(sender.sent) != 1 || sender.sent[0].Dst != "carol@lobby" || sender.sent[0].TTL != 3 {
		t.Fatalf("expected relay to carol with decremented TTL, got %+v", sender.sent)
	}
}

func TestHandleSendDropsAtExpiredTTL(t *testing.T) {
	self := mustID(t, "relay@lobby")
	remote := mustID(t, "alice@lobby")
	sender := newFakeSender("alice@lobby", "carol@lobby")
	r := router.New(self, sender, router.Config{}, nil)

	r.HandleInbound(remote, wire.Frame{Type: wire.KindSend, MsgID: "m1", Src: "alice@lobby", Dst: "carol@lobby", Payload: "hi", TTL: 1})

	if len(sender.sent) != 0 {
		t.Errorf("expected no relay once TTL is exhausted, got %+v", sender.sent)
	}
}

func TestOriginateTimesOutWithoutAck(t *testing.T) {
	self := mustID(t, "bob@lobby")
	sender := newFakeSender("alice@lobby")
	r := router.New(self, sender, router.Config{AckDeadline: 30 * time.Millisecond}, nil)

	done := make(chan bool, 1)
	_, err := r.Originate("alice@lobby", "hi", func(delivered bool) { done <- delivered })
	if err != nil {
		t.Fatalf("Originate: %v", err)
	}

	select {
	case delivered := <-done:
		if delivered {
			t.Error("expected delivered=false on ACK timeout")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ACK-timeout callback")
	}
}

func TestOriginateResolvesOnAck(t *testing.T) {
	self := mustID(t, "bob@lobby")
	sender := newFakeSender("alice@lobby")
	r := router.New(self, sender, router.Config{AckDeadline: time.Second}, nil)

	done := make(chan bool, 1)
	msgID, err := r.Originate("alice@lobby", "hi", func(delivered bool) { done <- delivered })
	if err != nil {
		t.Fatalf("Originate: %v", err)
	}

	r.HandleInbound(mustID(t, "alice@lobby"), wire.Frame{Type: wire.KindAck, Ref: msgID, Dst: "bob@lobby", Src: "alice@lobby"})

	select {
	case delivered := <-done:
		if !delivered {
			t.Error("expected delivered=true when ACK arrives")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ACK callback")
	}
}

func TestHandleAckRelaysTowardOriginalSenderThroughRelay(t *testing.T) {
	self := mustID(t, "relay@lobby")
	alice := mustID(t, "alice@lobby")
	sender := newFakeSender("alice@lobby", "carol@lobby")
	r := router.New(self, sender, router.Config{}, nil)

	r.HandleInbound(alice, wire.Frame{Type: wire.KindSend, MsgID: "m1", Src: "alice@lobby", Dst: "carol@lobby", Payload: "hi", TTL: 4})
	if len(sender.sent) != 1 || sender.sent[0].Dst != "carol@lobby" {
		t.Fatalf("expected relay to carol, got %+v", sender.sent)
	}

	r.HandleInbound(mustID(t, "carol@lobby"), wire.Frame{Type: wire.KindAck, Ref: "m1", Src: "carol@lobby", Dst: "alice@lobby", TTL: 4})

	if len(sender.sent) != 2 || sender.sent[1].Type != wire.KindAck || sender.sent[1].Dst != "alice@lobby" {
		t.Fatalf("expected the ACK relayed on toward alice rather than swallowed, got %+v", sender.sent)
	}
}

func TestOriginateFloodsWhoHasWhenNoRoute(t *testing.T) {
	self := mustID(t, "bob@lobby")
	sender := newFakeSender("relay@lobby")
	r := router.New(self, sender, router.Config{DiscoverTimeout: time.Second}, nil)

	msgID, err := r.Originate("carol@lobby", "hi", nil)
	if err != nil {
		t.Fatalf("Originate: %v", err)
	}
	if msgID == "" {
		t.Fatal("expected a message id even while parked for discovery")
	}
	if len(sender.sent) != 1 || sender.sent[0].Type != wire.KindWhoHas || sender.sent[0].Dst != "carol@lobby" {
		t.Fatalf("expected a WHO_HAS flood for carol, got %+v", sender.sent)
	}
}

func TestOriginateCompletesParkedSendOnWhoHasHit(t *testing.T) {
	self := mustID(t, "bob@lobby")
	sender := newFakeSender("relay@lobby")
	r := router.New(self, sender, router.Config{DiscoverTimeout: time.Second}, nil)

	done := make(chan bool, 1)
	if _, err := r.Originate("carol@lobby", "hi", func(delivered bool) { done <- delivered }); err != nil {
		t.Fatalf("Originate: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected a WHO_HAS flood, got %+v", sender.sent)
	}
	probeID := sender.sent[0].MsgID

	r.HandleInbound(mustID(t, "relay@lobby"), wire.Frame{Type: wire.KindWhoHasHit, MsgID: probeID, Src: "carol@lobby", Dst: "bob@lobby", TTL: 8})

	if len(sender.sent) != 2 || sender.sent[1].Type != wire.KindSend || sender.sent[1].Dst != "carol@lobby" {
		t.Fatalf("expected the parked send to go out via relay once carol is found, got %+v", sender.sent)
	}

	r.HandleInbound(mustID(t, "relay@lobby"), wire.Frame{Type: wire.KindAck, Ref: sender.sent[1].MsgID, Src: "carol@lobby", Dst: "bob@lobby"})

	select {
	case delivered := <-done:
		if !delivered {
			t.Error("expected delivered=true once the ack for the discovered send arrives")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ack callback")
	}
}

func TestOriginateFailsAfterDiscoveryTimeout(t *testing.T) {
	self := mustID(t, "bob@lobby")
	sender := newFakeSender("relay@lobby")
	r := router.New(self, sender, router.Config{DiscoverTimeout: 30 * time.Millisecond}, nil)

	done := make(chan bool, 1)
	if _, err := r.Originate("carol@lobby", "hi", func(delivered bool) { done <- delivered }); err != nil {
		t.Fatalf("Originate: %v", err)
	}

	select {
	case delivered := <-done:
		if delivered {
			t.Error("expected delivered=false once the discovery wait elapses unanswered")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for discovery-timeout callback")
	}
}

func TestPublishFloodsAllSessionsExceptOrigin(t *testing.T) {
	self := mustID(t, "bob@lobby")
	sender := newFakeSender("alice@lobby", "carol@lobby")
	r := router.New(self, sender, router.Config{}, nil)

	if _, err := r.Publish("lobby", "hello everyone"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("expected flood to both sessions, got %d", len(sender.sent))
	}
}

func TestHandlePubDoesNotFloodBackToOrigin(t *testing.T) {
	self := mustID(t, "relay@lobby")
	remote := mustID(t, "alice@lobby")
	sender := newFakeSender("alice@lobby", "carol@lobby")
	r := router.New(self, sender, router.Config{}, nil)

	r.HandleInbound(remote, wire.Frame{Type: wire.KindPub, MsgID: "m1", Src: "alice@lobby", Dst: "#lobby", TTL: 4})

	if len(sender.sent) != 1 || sender.sent[0].Dst != "#lobby" {
		t.Fatalf("expected flood only to carol, not back to alice, got %+v", sender.sent)
	}
}
