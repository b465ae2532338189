package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/records"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/pion/webrtc/v4"
)

func loopbackFactory(t *testing.T) *PeerFactory {
	t.Helper()
	f, err := NewPeerFactory(media.NewSyntheticAcquirer(media.DefaultConstraints()), PeerOptions{LoopbackOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

// fakeSignaler records what a session sends and lets the test feed it
// messages directly.
type fakeSignaler struct {
	mu           sync.Mutex
	handler      func(signaling.Message)
	sent         chan signaling.Message
	unsubscribed int
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{sent: make(chan signaling.Message, 256)}
}

func (f *fakeSignaler) Subscribe(context.Context, string) error { return nil }

func (f *fakeSignaler) Send(_ context.Context, _ string, m signaling.Message) error {
	select {
	case f.sent <- m:
	default:
	}
	return nil
}

func (f *fakeSignaler) OnMessage(_ string, h func(signaling.Message)) error {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
	return nil
}

func (f *fakeSignaler) Unsubscribe(string) {
	f.mu.Lock()
	f.unsubscribed++
	f.mu.Unlock()
}

func (f *fakeSignaler) deliver(m signaling.Message) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(m)
}

func (f *fakeSignaler) unsubscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubscribed
}

// nextSent returns the next sent message of type typ, skipping others.
func (f *fakeSignaler) nextSent(t *testing.T, typ signaling.Type) signaling.Message {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case m := <-f.sent:
			if m.Type == typ {
				return m
			}
		case <-deadline:
			t.Fatalf("no %s sent", typ)
		}
	}
}

type testSession struct {
	*Session
	sig    *fakeSignaler
	stream *media.Stream
}

func newTestSession(t *testing.T, role Role, ct records.CallType) *testSession {
	t.Helper()
	f := loopbackFactory(t)
	pc, err := f.NewPeer()
	if err != nil {
		t.Fatal(err)
	}
	stream, err := media.NewSyntheticAcquirer(media.DefaultConstraints()).Acquire(context.Background(), ct == records.Video)
	if err != nil {
		t.Fatal(err)
	}
	audio, err := OpenAudioSink("", "test")
	if err != nil {
		t.Fatal(err)
	}
	sig := newFakeSignaler()
	s, err := NewSession(SessionConfig{
		CallID:       "call-1",
		Role:         role,
		CallType:     ct,
		LocalUserID:  "alice",
		RemoteUserID: "bob",
		Peer:         pc,
		Stream:       stream,
		Signaler:     sig,
		Audio:        audio,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		s.EndCall()
		audio.Close()
	})
	return &testSession{Session: s, sig: sig, stream: stream}
}

// remoteOffer builds an offer from an independent peer connection.
func remoteOffer(t *testing.T) webrtc.SessionDescription {
	t.Helper()
	pc, err := loopbackFactory(t).NewPeer()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pc.Close() })
	stream, err := media.NewSyntheticAcquirer(media.DefaultConstraints()).Acquire(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { stream.Release() })
	if _, err := pc.AddTrack(stream.AudioTrack()); err != nil {
		t.Fatal(err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}
	return offer
}

// remoteAnswer answers offer from an independent peer connection.
func remoteAnswer(t *testing.T, offer webrtc.SessionDescription) webrtc.SessionDescription {
	t.Helper()
	pc, err := loopbackFactory(t).NewPeer()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pc.Close() })
	if err := pc.SetRemoteDescription(offer); err != nil {
		t.Fatal(err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		t.Fatal(err)
	}
	return answer
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
