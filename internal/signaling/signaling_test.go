package signaling

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/petervdpas/goopcall/internal/realtime"
	"github.com/pion/webrtc/v4"
)

const callID = "7f0c1c7e-0d5e-4c57-9a0e-2b8f4a0d9e11"

func newPair(t *testing.T) (*realtime.Hub, *Adapter, *Adapter) {
	t.Helper()
	hub := realtime.NewHub()
	t.Cleanup(hub.Close)
	alice := New(hub.As("alice"), "alice")
	bob := New(hub.As("bob"), "bob")
	ctx := context.Background()
	for _, a := range []*Adapter{alice, bob} {
		if err := a.Subscribe(ctx, callID); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { a.Unsubscribe(callID) })
	}
	return hub, alice, bob
}

func offer() Message {
	return Message{Type: TypeOffer, SDP: &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}}
}

func candidate(n int) Message {
	s := fmt.Sprintf("candidate:%d 1 udp 2130706431 10.0.0.%d 5000 typ host", n, n)
	return Message{Type: TypeCandidate, Candidate: &webrtc.ICECandidateInit{Candidate: s}}
}

func collect(a *Adapter) (<-chan Message, error) {
	ch := make(chan Message, 64)
	return ch, a.OnMessage(callID, func(m Message) { ch <- m })
}

func next(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a signaling message")
	}
	return Message{}
}

func quiet(t *testing.T, ch <-chan Message) {
	t.Helper()
	select {
	case m := <-ch:
		t.Fatalf("unexpected message %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendDeliversInOrder(t *testing.T) {
	_, alice, bob := newPair(t)
	got, err := collect(bob)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := alice.Send(ctx, callID, offer()); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 10; i++ {
		if err := alice.Send(ctx, callID, candidate(i)); err != nil {
			t.Fatal(err)
		}
	}

	m := next(t, got)
	if m.Type != TypeOffer || m.From != "alice" || m.ID == "" {
		t.Fatalf("unexpected first message %+v", m)
	}
	for i := 1; i <= 10; i++ {
		m := next(t, got)
		if m.Type != TypeCandidate || m.Candidate.Candidate != candidate(i).Candidate.Candidate {
			t.Fatalf("message %d out of order: %+v", i, m)
		}
	}
}

func TestOwnMessagesAreDropped(t *testing.T) {
	_, alice, _ := newPair(t)
	got, err := collect(alice)
	if err != nil {
		t.Fatal(err)
	}
	if err := alice.Send(context.Background(), callID, offer()); err != nil {
		t.Fatal(err)
	}
	quiet(t, got)
}

func TestDuplicatesAreDropped(t *testing.T) {
	hub, _, bob := newPair(t)
	got, err := collect(bob)
	if err != nil {
		t.Fatal(err)
	}

	m := candidate(1)
	m.ID = "dup"
	m.From = "alice"
	raw, err := jsoniter.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	for range 2 {
		if err := hub.Publish(realtime.Envelope{Topic: Topic(callID), From: "alice", Payload: raw}); err != nil {
			t.Fatal(err)
		}
	}
	if m := next(t, got); m.ID != "dup" {
		t.Fatalf("unexpected message %+v", m)
	}
	quiet(t, got)
}

func TestInvalidMessagesAreDropped(t *testing.T) {
	hub, _, bob := newPair(t)
	got, err := collect(bob)
	if err != nil {
		t.Fatal(err)
	}
	for _, payload := range []string{`not json`, `{"id":"x","type":"offer"}`, `{"id":"y","type":"bye"}`} {
		if err := hub.Publish(realtime.Envelope{Topic: Topic(callID), From: "alice", Payload: []byte(payload)}); err != nil {
			t.Fatal(err)
		}
	}
	quiet(t, got)
}

func TestMessagesWaitForHandler(t *testing.T) {
	_, alice, bob := newPair(t)
	ctx := context.Background()
	if err := alice.Send(ctx, callID, offer()); err != nil {
		t.Fatal(err)
	}
	if err := alice.Send(ctx, callID, candidate(1)); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	got, err := collect(bob)
	if err != nil {
		t.Fatal(err)
	}
	if m := next(t, got); m.Type != TypeOffer {
		t.Fatalf("expected the held offer first, got %s", m.Type)
	}
	if m := next(t, got); m.Type != TypeCandidate {
		t.Fatalf("expected the held candidate, got %s", m.Type)
	}
}

func TestNotSubscribed(t *testing.T) {
	hub := realtime.NewHub()
	defer hub.Close()
	a := New(hub.As("alice"), "alice")

	if err := a.Send(context.Background(), callID, offer()); !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("Send: expected ErrNotSubscribed, got %v", err)
	}
	if err := a.OnMessage(callID, func(Message) {}); !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("OnMessage: expected ErrNotSubscribed, got %v", err)
	}
	a.Unsubscribe(callID)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	_, alice, bob := newPair(t)
	got, err := collect(bob)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	bob.Unsubscribe(callID)
	bob.Unsubscribe(callID)
	if bob.Subscribed(callID) {
		t.Fatal("still subscribed after Unsubscribe")
	}
	if err := alice.Send(ctx, callID, offer()); err != nil {
		t.Fatal(err)
	}
	quiet(t, got)

	// A fresh subscription on the same call works again.
	if err := bob.Subscribe(ctx, callID); err != nil {
		t.Fatal(err)
	}
	if got, err = collect(bob); err != nil {
		t.Fatal(err)
	}
	if err := alice.Send(ctx, callID, candidate(2)); err != nil {
		t.Fatal(err)
	}
	if m := next(t, got); m.Type != TypeCandidate {
		t.Fatalf("unexpected message %+v", m)
	}
}

type brokenBroker struct{}

func (brokenBroker) Subscribe(context.Context, string) (<-chan realtime.Envelope, func(), error) {
	return nil, nil, errors.New("relay down")
}

func (brokenBroker) Publish(context.Context, string, any) error {
	return errors.New("relay down")
}

func TestBrokerFailure(t *testing.T) {
	a := New(brokenBroker{}, "alice")
	if err := a.Subscribe(context.Background(), callID); !errors.Is(err, ErrChannelUnavailable) {
		t.Fatalf("expected ErrChannelUnavailable, got %v", err)
	}
	if a.Subscribed(callID) {
		t.Fatal("failed subscription left a channel behind")
	}
}

func TestSendValidates(t *testing.T) {
	_, alice, _ := newPair(t)
	ctx := context.Background()
	tests := []Message{
		{Type: TypeOffer},
		{Type: TypeAnswer, SDP: &webrtc.SessionDescription{}},
		{Type: TypeCandidate},
		{Type: "bye"},
	}
	for _, m := range tests {
		if err := alice.Send(ctx, callID, m); err == nil {
			t.Errorf("%+v accepted", m)
		}
	}
}
