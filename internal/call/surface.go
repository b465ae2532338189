package call

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
	"github.com/rs/zerolog/log"
)

const (
	surfaceSubscriberBuffer = 64
	samplebuilderMaxLate    = 128
)

// VideoSurface is the visible target for remote video. It reassembles VP8
// frames and republishes them as a live WebM stream that any number of
// viewers can subscribe to. One surface serves consecutive calls.
type VideoSurface struct {
	mu      sync.Mutex
	subs    map[chan []byte]struct{}
	init    []byte // WebM header of the current stream
	lastKey []byte // latest key frame cluster, replayed to new viewers
	gen     uint64 // bumped by every Attach; stale readers stop publishing

	frames atomic.Int64
}

func NewVideoSurface() *VideoSurface {
	return &VideoSurface{subs: make(map[chan []byte]struct{})}
}

// Attach starts a new WebM stream fed by track.
func (v *VideoSurface) Attach(track *webrtc.TrackRemote) {
	v.mu.Lock()
	v.gen++
	gen := v.gen
	v.init = nil
	v.lastKey = nil
	v.mu.Unlock()

	go v.read(gen, track)
}

func (v *VideoSurface) read(gen uint64, track *webrtc.TrackRemote) {
	sb := samplebuilder.New(samplebuilderMaxLate, &codecs.VP8Packet{}, track.Codec().ClockRate)
	clockMs := int64(track.Codec().ClockRate / 1000)
	if clockMs == 0 {
		clockMs = 90
	}

	var base uint32
	var baseSet bool
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Str("track", track.ID()).Msg("call: video track ended")
			}
			return
		}
		sb.Push(pkt)
		for s := sb.Pop(); s != nil; s = sb.Pop() {
			if !baseSet {
				base = s.PacketTimestamp
				baseSet = true
			}
			ms := int64(s.PacketTimestamp-base) / clockMs
			if !v.publish(gen, ms, s.Data) {
				return
			}
		}
	}
}

// publish muxes one frame. It reports false once a newer stream replaced gen.
func (v *VideoSurface) publish(gen uint64, ms int64, frame []byte) bool {
	key, w, h := vp8KeyFrame(frame)

	v.mu.Lock()
	defer v.mu.Unlock()
	if gen != v.gen {
		return false
	}
	v.frames.Add(1)

	if v.init == nil {
		// Viewers cannot start decoding before a key frame.
		if !key {
			return true
		}
		if w == 0 || h == 0 {
			w, h = 640, 480
		}
		v.init = webmInit(w, h)
		v.broadcastLocked(v.init)
		log.Debug().Uint16("width", w).Uint16("height", h).Int("viewers", len(v.subs)).Msg("call: video stream started")
	}

	cluster := webmCluster(ms, key, frame)
	if key {
		v.lastKey = cluster
	}
	v.broadcastLocked(cluster)
	return true
}

func (v *VideoSurface) broadcastLocked(b []byte) {
	for ch := range v.subs {
		select {
		case ch <- b:
		default:
		}
	}
}

// Subscribe returns the stream's messages: the WebM header and latest key
// frame cluster first when a stream is running, then every new cluster.
func (v *VideoSurface) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, surfaceSubscriberBuffer)
	v.mu.Lock()
	if v.init != nil {
		ch <- v.init
		if v.lastKey != nil {
			ch <- v.lastKey
		}
	}
	v.subs[ch] = struct{}{}
	v.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.subs, ch)
			v.mu.Unlock()
			close(ch)
		})
	}
}

// Detach ends the current stream; readers of old tracks stop publishing.
func (v *VideoSurface) Detach() {
	v.mu.Lock()
	v.gen++
	v.init = nil
	v.lastKey = nil
	v.mu.Unlock()
}

// Frames counts frames received across all attached tracks.
func (v *VideoSurface) Frames() int64 { return v.frames.Load() }

// Streaming reports whether a stream header is available.
func (v *VideoSurface) Streaming() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.init != nil
}
