package call

import (
	"bytes"
	"testing"
)

func TestEBMLSize(t *testing.T) {
	tests := []struct {
		n    uint64
		want []byte
	}{
		{0, []byte{0x80}},
		{1, []byte{0x81}},
		{126, []byte{0xFE}},
		// 127 is all ones in one byte, which EBML reserves for unknown size.
		{127, []byte{0x40, 0x7F}},
		{300, []byte{0x41, 0x2C}},
		{16383, []byte{0x20, 0x3F, 0xFF}},
	}
	for _, tt := range tests {
		var w ebmlWriter
		w.size(tt.n)
		if !bytes.Equal(w.Bytes(), tt.want) {
			t.Errorf("size(%d) = % x, want % x", tt.n, w.Bytes(), tt.want)
		}
	}
}

func TestEBMLElements(t *testing.T) {
	var w ebmlWriter
	w.id(mkvTrackEntry)
	w.id(mkvCluster)
	if want := []byte{0xAE, 0x1F, 0x43, 0xB6, 0x75}; !bytes.Equal(w.Bytes(), want) {
		t.Fatalf("ids = % x", w.Bytes())
	}

	w.Reset()
	w.uintElem(mkvTimecode, 0)
	w.uintElem(mkvTimecode, 0x1234)
	if want := []byte{0xE7, 0x81, 0x00, 0xE7, 0x82, 0x12, 0x34}; !bytes.Equal(w.Bytes(), want) {
		t.Fatalf("uints = % x", w.Bytes())
	}
}

func TestWebMInit(t *testing.T) {
	b := webmInit(640, 480)
	if !bytes.HasPrefix(b, []byte{0x1A, 0x45, 0xDF, 0xA3}) {
		t.Fatal("missing EBML magic")
	}
	for _, want := range [][]byte{[]byte("webm"), []byte("V_VP8"), {0x18, 0x53, 0x80, 0x67, 0x01, 0xFF}} {
		if !bytes.Contains(b, want) {
			t.Errorf("init segment lacks % x", want)
		}
	}
	if !bytes.Contains(b, []byte{0xB0, 0x82, 0x02, 0x80}) {
		t.Error("pixel width 640 not written")
	}
}

func TestWebMCluster(t *testing.T) {
	frame := []byte{1, 2, 3}
	key := webmCluster(40, true, frame)
	if !bytes.HasPrefix(key, []byte{0x1F, 0x43, 0xB6, 0x75}) {
		t.Fatal("missing cluster id")
	}
	block := []byte{0xA3, 0x87, 0x81, 0x00, 0x00, 0x80, 1, 2, 3}
	if !bytes.HasSuffix(key, block) {
		t.Fatalf("unexpected key block % x", key)
	}
	delta := webmCluster(80, false, frame)
	if !bytes.HasSuffix(delta, []byte{0x81, 0x00, 0x00, 0x00, 1, 2, 3}) {
		t.Fatalf("unexpected delta block % x", delta)
	}
}

func TestVP8KeyFrame(t *testing.T) {
	key := []byte{0x10, 0, 0, 0x9D, 0x01, 0x2A, 0x80, 0x02, 0xE0, 0x01}
	ok, w, h := vp8KeyFrame(key)
	if !ok || w != 640 || h != 480 {
		t.Fatalf("key=%v %dx%d", ok, w, h)
	}
	if ok, _, _ := vp8KeyFrame([]byte{0x11, 0, 0, 0}); ok {
		t.Fatal("interframe reported as key frame")
	}
	if ok, _, _ := vp8KeyFrame([]byte{0x10}); ok {
		t.Fatal("truncated frame reported as key frame")
	}
	ok, w, h = vp8KeyFrame([]byte{0x10, 0, 0, 0, 0})
	if !ok || w != 0 || h != 0 {
		t.Fatal("key frame without start code should have no size")
	}
}
