package call

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/realtime"
	"github.com/petervdpas/goopcall/internal/records"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/pion/webrtc/v4"
)

type deniedAcquirer struct{}

func (deniedAcquirer) Acquire(context.Context, bool) (*media.Stream, error) {
	return nil, media.ErrPermissionDenied
}

type world struct {
	backend *records.LocalBackend
	hub     *realtime.Hub
	peers   *PeerFactory
	// audioDir, when set, gets one recording folder per user.
	audioDir string
}

func newWorld(t *testing.T) *world {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	hub := realtime.NewHub()
	t.Cleanup(func() {
		hub.Close()
		db.Close()
	})
	return &world{backend: records.NewLocalBackend(db, hub), hub: hub, peers: loopbackFactory(t)}
}

type client struct {
	*Manager
	incoming chan *IncomingCall
	events   <-chan Event
}

func (w *world) client(t *testing.T, user string, acq media.Acquirer, ring time.Duration) *client {
	t.Helper()
	audioDir := ""
	if w.audioDir != "" {
		audioDir = filepath.Join(w.audioDir, user)
	}
	m := NewManager(ManagerConfig{
		Records:     records.NewLifecycle(w.backend, user),
		Signaler:    signaling.New(w.hub.As(user), user),
		Acquirer:    acq,
		NewPeer:     w.peers.NewPeer,
		AudioDir:    audioDir,
		RingTimeout: ring,
	})
	if err := m.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	events, stop := m.Subscribe()
	t.Cleanup(func() {
		m.Close()
		stop()
	})
	c := &client{Manager: m, incoming: make(chan *IncomingCall, 4), events: events}
	m.OnIncoming(func(ic *IncomingCall) { c.incoming <- ic })
	return c
}

func synth() media.Acquirer { return media.NewSyntheticAcquirer(media.DefaultConstraints()) }

func (c *client) ring(t *testing.T) *IncomingCall {
	t.Helper()
	select {
	case ic := <-c.incoming:
		return ic
	case <-time.After(5 * time.Second):
		t.Fatal("no incoming call")
	}
	return nil
}

func (c *client) waitEvent(t *testing.T, kind EventKind) Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-c.events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", kind)
		}
	}
}

func (w *world) status(t *testing.T, id string) records.Status {
	t.Helper()
	rec, err := w.backend.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return rec.Status
}

func TestCallConnectsAndHangsUp(t *testing.T) {
	w := newWorld(t)
	alice := w.client(t, "alice", synth(), 0)
	bob := w.client(t, "bob", synth(), 0)
	ctx := context.Background()

	out, err := alice.StartCall(ctx, "bob", records.Video)
	if err != nil {
		t.Fatal(err)
	}
	ic := bob.ring(t)
	if ic.Record.ID != out.ID() || ic.Record.CallType != records.Video {
		t.Fatalf("unexpected incoming call %+v", ic.Record)
	}
	if pending := bob.Pending(); len(pending) != 1 {
		t.Fatalf("bob has %d pending calls", len(pending))
	}

	in, err := ic.Accept(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range []*Session{out, in} {
		waitFor(t, string(s.Role())+" connected", func() bool { return s.Snapshot().Phase == PhaseActive })
	}
	if w.status(t, out.ID()) != records.StatusOngoing {
		t.Fatal("record not ongoing")
	}
	if st := out.Stats(); st.OffersSent != 1 || st.AnswersApplied != 1 {
		t.Fatalf("initiator stats %+v", st)
	}
	waitFor(t, "remote audio at bob", func() bool { return len(in.Snapshot().RemoteTracks) > 0 })

	// One call at a time.
	if _, err := alice.StartCall(ctx, "bob", records.Voice); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if muted, err := alice.ToggleAudio(); err != nil || !muted {
		t.Fatalf("toggle audio: %v %v", muted, err)
	}

	if err := alice.Hangup(); err != nil {
		t.Fatal(err)
	}
	<-in.Done()
	waitFor(t, "both slots free", func() bool { return !alice.Busy() && !bob.Busy() })
	if w.status(t, out.ID()) != records.StatusCompleted {
		t.Fatalf("record is %s", w.status(t, out.ID()))
	}
	if err := alice.Hangup(); !errors.Is(err, ErrNoCall) {
		t.Fatalf("second hangup: %v", err)
	}
	ev := bob.waitEvent(t, EventEnded)
	if ev.Call.ID != out.ID() {
		t.Fatalf("ended event for %s", ev.Call.ID)
	}
}

func TestRejectEndsCallerSession(t *testing.T) {
	w := newWorld(t)
	alice := w.client(t, "alice", synth(), 0)
	bob := w.client(t, "bob", synth(), 0)
	ctx := context.Background()

	out, err := alice.StartCall(ctx, "bob", records.Voice)
	if err != nil {
		t.Fatal(err)
	}
	ic := bob.ring(t)
	if err := ic.Reject(ctx); err != nil {
		t.Fatal(err)
	}

	select {
	case <-out.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("caller session still running after reject")
	}
	waitFor(t, "alice free", func() bool { return !alice.Busy() })
	if s := w.status(t, out.ID()); s != records.StatusRejected {
		t.Fatalf("record is %s", s)
	}
	if out.Stats().OffersSent != 0 {
		t.Fatal("rejected call negotiated")
	}
	if err := bob.Reject(ctx, out.ID()); !errors.Is(err, ErrNoCall) {
		t.Fatalf("second reject: %v", err)
	}
}

func TestUnansweredCallIsMissed(t *testing.T) {
	w := newWorld(t)
	alice := w.client(t, "alice", synth(), 200*time.Millisecond)
	bob := w.client(t, "bob", synth(), 0)

	out, err := alice.StartCall(context.Background(), "bob", records.Voice)
	if err != nil {
		t.Fatal(err)
	}
	bob.ring(t)

	select {
	case <-out.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("unanswered call never ended")
	}
	if s := w.status(t, out.ID()); s != records.StatusMissed {
		t.Fatalf("record is %s", s)
	}
	gone := bob.waitEvent(t, EventIncomingGone)
	if gone.Call.Status != records.StatusMissed {
		t.Fatalf("incoming-gone carries %s", gone.Call.Status)
	}
	waitFor(t, "bob's pending list empty", func() bool { return len(bob.Pending()) == 0 })
	if _, err := bob.Accept(context.Background(), out.ID()); !errors.Is(err, ErrNoCall) {
		t.Fatalf("accepting a missed call: %v", err)
	}
}

func TestAcceptWithoutMediaRejects(t *testing.T) {
	w := newWorld(t)
	alice := w.client(t, "alice", synth(), 0)
	bob := w.client(t, "bob", deniedAcquirer{}, 0)
	ctx := context.Background()

	out, err := alice.StartCall(ctx, "bob", records.Voice)
	if err != nil {
		t.Fatal(err)
	}
	ic := bob.ring(t)

	_, err = ic.Accept(ctx)
	if !errors.Is(err, ErrSetup) || !errors.Is(err, media.ErrPermissionDenied) {
		t.Fatalf("expected a setup error from media, got %v", err)
	}
	if bob.Busy() {
		t.Fatal("failed accept kept the slot")
	}
	select {
	case <-out.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("caller not told about the failed accept")
	}
	if s := w.status(t, out.ID()); s != records.StatusRejected {
		t.Fatalf("record is %s", s)
	}
}

func TestStartCallWithoutMediaEndsRecord(t *testing.T) {
	w := newWorld(t)
	alice := w.client(t, "alice", deniedAcquirer{}, 0)
	w.client(t, "bob", synth(), 0)

	_, err := alice.StartCall(context.Background(), "bob", records.Video)
	if !errors.Is(err, media.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if alice.Busy() {
		t.Fatal("failed start kept the slot")
	}
	ev := alice.waitEvent(t, EventEnded)
	if s := w.status(t, ev.Call.ID); !s.Terminal() {
		t.Fatalf("record left %s", s)
	}
}

func TestBusyReceiverRejects(t *testing.T) {
	w := newWorld(t)
	alice := w.client(t, "alice", synth(), 0)
	bob := w.client(t, "bob", synth(), 0)
	carol := w.client(t, "carol", synth(), 0)
	ctx := context.Background()

	// Bob is busy calling alice.
	first, err := bob.StartCall(ctx, "alice", records.Voice)
	if err != nil {
		t.Fatal(err)
	}
	alice.ring(t)

	second, err := carol.StartCall(ctx, "bob", records.Voice)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-second.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("call to a busy user kept ringing")
	}
	if s := w.status(t, second.ID()); s != records.StatusRejected {
		t.Fatalf("record is %s", s)
	}
	if first.Snapshot().Ended() {
		t.Fatal("the first call was disturbed")
	}
}

// connect rings bob from alice and returns both sessions once active.
func connect(t *testing.T, alice, bob *client, ct records.CallType) (out, in *Session) {
	t.Helper()
	ctx := context.Background()
	out, err := alice.StartCall(ctx, "bob", ct)
	if err != nil {
		t.Fatal(err)
	}
	in, err = bob.ring(t).Accept(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range []*Session{out, in} {
		waitFor(t, string(s.Role())+" connected", func() bool { return s.Snapshot().Phase == PhaseActive })
	}
	return out, in
}

func TestRemoteHangupEndsCleanly(t *testing.T) {
	w := newWorld(t)
	alice := w.client(t, "alice", synth(), 0)
	bob := w.client(t, "bob", synth(), 0)

	for i := 0; i < 3; i++ {
		out, in := connect(t, alice, bob, records.Voice)
		if err := alice.Hangup(); err != nil {
			t.Fatal(err)
		}
		select {
		case <-in.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("bob still in the call")
		}
		if in.Err() != nil || in.Snapshot().Phase != PhaseEnded {
			t.Fatalf("call %d: bob ended with %v (%s)", i, in.Err(), in.Snapshot().Phase)
		}
		ev := bob.waitEvent(t, EventEnded)
		if ev.Call.ID != out.ID() || ev.Error != "" {
			t.Fatalf("call %d: ended event %+v", i, ev)
		}
		if s := w.status(t, out.ID()); s != records.StatusCompleted {
			t.Fatalf("call %d: record is %s", i, s)
		}
		waitFor(t, "both slots free", func() bool { return !alice.Busy() && !bob.Busy() })
	}
}

func TestVoiceCallPlaysRemoteAudio(t *testing.T) {
	w := newWorld(t)
	w.audioDir = t.TempDir()
	alice := w.client(t, "alice", synth(), 0)
	bob := w.client(t, "bob", synth(), 0)

	out, in := connect(t, alice, bob, records.Voice)

	ac, ok := bob.current()
	if !ok {
		t.Fatal("bob has no active call")
	}
	waitFor(t, "remote audio packets", func() bool { return ac.audio.Packets() > 0 })
	waitFor(t, "two seconds of call", func() bool { return in.Snapshot().Seconds >= 2 })
	if tracks := in.Snapshot().RemoteTracks; len(tracks) != 1 || tracks[0] != "audio" {
		t.Fatalf("voice call remote tracks %v", tracks)
	}
	if ac.audio.Tracks() != 1 {
		t.Fatalf("audio sink has %d tracks", ac.audio.Tracks())
	}

	if err := alice.Hangup(); err != nil {
		t.Fatal(err)
	}
	<-in.Done()
	waitFor(t, "bob free", func() bool { return !bob.Busy() })

	empty, err := OpenAudioSink(t.TempDir(), "empty")
	if err != nil {
		t.Fatal(err)
	}
	empty.Close()
	header, err := os.Stat(empty.Path())
	if err != nil {
		t.Fatal(err)
	}
	rec, err := os.Stat(filepath.Join(w.audioDir, "bob", out.ID()+".ogg"))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Size() <= header.Size() {
		t.Fatalf("recording has no audio: %d bytes", rec.Size())
	}
}

func TestTransportFailureEndsRecord(t *testing.T) {
	w := newWorld(t)
	alice := w.client(t, "alice", synth(), 0)
	bob := w.client(t, "bob", synth(), 0)

	out, in := connect(t, alice, bob, records.Voice)

	// Only alice's transport fails; bob is never told.
	out.q.push(event{kind: evConnectionState, state: webrtc.PeerConnectionStateFailed})
	<-out.Done()
	if !errors.Is(out.Err(), ErrConnectionLost) {
		t.Fatalf("alice ended with %v", out.Err())
	}
	ev := alice.waitEvent(t, EventEnded)
	if !strings.Contains(ev.Error, ErrConnectionLost.Error()) {
		t.Fatalf("ended event %+v", ev)
	}
	if s := w.status(t, out.ID()); s != records.StatusCompleted {
		t.Fatalf("record is %s", s)
	}

	select {
	case <-in.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("bob still in the call after the record ended")
	}
	waitFor(t, "both slots free", func() bool { return !alice.Busy() && !bob.Busy() })
}
