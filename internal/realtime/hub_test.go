package realtime

import (
	"context"
	"errors"
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Envelope) Envelope {
	t.Helper()
	select {
	case env, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
	}
	return Envelope{}
}

func TestHubFanOut(t *testing.T) {
	h := NewHub()
	defer h.Close()

	a, cancelA, err := h.Subscribe("call:1")
	if err != nil {
		t.Fatal(err)
	}
	b, cancelB, err := h.Subscribe("call:1")
	if err != nil {
		t.Fatal(err)
	}
	other, cancelOther, _ := h.Subscribe("call:2")
	defer cancelOther()

	if n := h.Listeners("call:1"); n != 2 {
		t.Fatalf("expected 2 listeners, got %d", n)
	}

	if err := h.Publish(Envelope{Topic: "call:1", From: "alice", Payload: []byte(`{"n":1}`)}); err != nil {
		t.Fatal(err)
	}
	for _, ch := range []chan Envelope{a, b} {
		env := recv(t, ch)
		if env.From != "alice" || string(env.Payload) != `{"n":1}` {
			t.Fatalf("unexpected envelope %+v", env)
		}
	}
	select {
	case env := <-other:
		t.Fatalf("other topic received %+v", env)
	default:
	}

	cancelA()
	cancelA()
	if _, ok := <-a; ok {
		t.Fatal("cancelled channel should be closed")
	}
	cancelB()
	if n := h.Listeners("call:1"); n != 0 {
		t.Fatalf("expected no listeners, got %d", n)
	}
}

func TestHubDropsForSlowListener(t *testing.T) {
	h := NewHub()
	defer h.Close()
	ch, cancel, _ := h.Subscribe("t")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < listenerBuffer+10; i++ {
			_ = h.Publish(Envelope{Topic: "t"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full listener")
	}
	if len(ch) != listenerBuffer {
		t.Fatalf("expected a full buffer of %d, got %d", listenerBuffer, len(ch))
	}
}

func TestHubClose(t *testing.T) {
	h := NewHub()
	ch, _, _ := h.Subscribe("t")
	h.Close()
	h.Close()

	if _, ok := <-ch; ok {
		t.Fatal("listener should be closed with the hub")
	}
	if err := h.Publish(Envelope{Topic: "t"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, _, err := h.Subscribe("t"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestHubBrokerStampsFrom(t *testing.T) {
	h := NewHub()
	defer h.Close()
	alice, bob := h.As("alice"), h.As("bob")
	ctx := context.Background()

	ch, cancel, err := bob.Subscribe(ctx, "call:x")
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	if err := alice.Publish(ctx, "call:x", map[string]string{"type": "offer"}); err != nil {
		t.Fatal(err)
	}
	env := recv(t, ch)
	if env.From != "alice" {
		t.Fatalf("expected from alice, got %q", env.From)
	}
	var body map[string]string
	if err := env.Decode(&body); err != nil || body["type"] != "offer" {
		t.Fatalf("decode: %v %v", body, err)
	}

	cctx, ccancel := context.WithCancel(ctx)
	ccancel()
	if err := alice.Publish(cctx, "call:x", 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
