package call

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog/log"
)

// TrackSink consumes a remote track until it ends.
type TrackSink interface {
	Attach(track *webrtc.TrackRemote)
}

// AudioSink is the always-on hidden playback target for remote audio. It
// records the Opus stream into an Ogg file, or discards it when no file
// is configured, but always reads the track so audio keeps flowing.
type AudioSink struct {
	mu      sync.Mutex
	ogg     *oggwriter.OggWriter
	path    string
	wg      sync.WaitGroup
	packets atomic.Int64
	tracks  atomic.Int32
	closed  bool
}

// OpenAudioSink records into dir/<callID>.ogg. An empty dir discards audio.
func OpenAudioSink(dir, callID string) (*AudioSink, error) {
	if dir == "" {
		w, err := oggwriter.NewWith(io.Discard, 48000, 2)
		if err != nil {
			return nil, err
		}
		return &AudioSink{ogg: w}, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, callID+".ogg")
	w, err := oggwriter.New(path, 48000, 2)
	if err != nil {
		return nil, err
	}
	return &AudioSink{ogg: w, path: path}, nil
}

// Path is the recording file, empty when audio is discarded.
func (a *AudioSink) Path() string { return a.path }

func (a *AudioSink) Attach(track *webrtc.TrackRemote) {
	a.tracks.Add(1)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Debug().Err(err).Str("track", track.ID()).Msg("call: audio track ended")
				}
				return
			}
			a.packets.Add(1)
			a.write(pkt)
		}
	}()
}

func (a *AudioSink) write(pkt *rtp.Packet) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if err := a.ogg.WriteRTP(pkt); err != nil {
		log.Debug().Err(err).Msg("call: ogg write")
	}
}

// Packets counts RTP packets received on attached tracks.
func (a *AudioSink) Packets() int64 { return a.packets.Load() }

// Tracks counts attached tracks.
func (a *AudioSink) Tracks() int { return int(a.tracks.Load()) }

// Close waits for attached tracks to end (close the peer connection first)
// and finalizes the recording.
func (a *AudioSink) Close() error {
	a.wg.Wait()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return a.ogg.Close()
}

// drain reads a track nobody wants to see so its RTP buffers keep moving.
func drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
