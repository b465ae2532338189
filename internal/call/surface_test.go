package call

import (
	"bytes"
	"testing"
	"time"
)

var (
	keyFrame   = []byte{0x10, 0, 0, 0x9D, 0x01, 0x2A, 0x40, 0x01, 0xF0, 0x00}
	deltaFrame = []byte{0x11, 0, 0, 7}
)

func nextChunk(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(time.Second):
		t.Fatal("no chunk")
	}
	return nil
}

func TestSurfaceWaitsForKeyFrame(t *testing.T) {
	v := NewVideoSurface()
	ch, cancel := v.Subscribe()
	defer cancel()

	v.mu.Lock()
	gen := v.gen
	v.mu.Unlock()

	if !v.publish(gen, 0, deltaFrame) {
		t.Fatal("current stream refused a frame")
	}
	if v.Streaming() || len(ch) != 0 {
		t.Fatal("stream started on a delta frame")
	}

	v.publish(gen, 33, keyFrame)
	if !bytes.Equal(nextChunk(t, ch), webmInit(320, 240)) {
		t.Fatal("first chunk should be the init segment")
	}
	if !bytes.Equal(nextChunk(t, ch), webmCluster(33, true, keyFrame)) {
		t.Fatal("second chunk should be the key frame cluster")
	}
	v.publish(gen, 66, deltaFrame)
	if !bytes.Equal(nextChunk(t, ch), webmCluster(66, false, deltaFrame)) {
		t.Fatal("delta frame not forwarded")
	}
	if v.Frames() != 3 {
		t.Fatalf("frames = %d", v.Frames())
	}

	// Late viewers start at the last key frame.
	late, stop := v.Subscribe()
	defer stop()
	if !bytes.Equal(nextChunk(t, late), webmInit(320, 240)) {
		t.Fatal("late viewer missed the init segment")
	}
	if !bytes.Equal(nextChunk(t, late), webmCluster(33, true, keyFrame)) {
		t.Fatal("late viewer missed the key frame")
	}
}

func TestSurfaceDetach(t *testing.T) {
	v := NewVideoSurface()
	v.mu.Lock()
	gen := v.gen
	v.mu.Unlock()
	v.publish(gen, 0, keyFrame)
	if !v.Streaming() {
		t.Fatal("not streaming after a key frame")
	}

	v.Detach()
	if v.Streaming() {
		t.Fatal("still streaming after detach")
	}
	if v.publish(gen, 40, keyFrame) {
		t.Fatal("old stream kept publishing after detach")
	}

	ch, cancel := v.Subscribe()
	if len(ch) != 0 {
		t.Fatal("viewer of a detached surface got data")
	}
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("subscription not closed")
	}
}
