package media

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

const (
	opusFrame  = 20 * time.Millisecond
	videoFrame = 100 * time.Millisecond
)

// opusSilence is a single Opus packet (CELT, 20 ms) that decodes to silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SyntheticAcquirer produces generated tracks instead of capturing devices:
// Opus silence for audio and a placeholder VP8 key frame for video. It backs
// headless peers and tests.
type SyntheticAcquirer struct {
	Constraints Constraints
}

func NewSyntheticAcquirer(c Constraints) *SyntheticAcquirer {
	return &SyntheticAcquirer{Constraints: c}
}

func (a *SyntheticAcquirer) Acquire(ctx context.Context, wantsVideo bool) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID := "synthetic-" + uuid.NewString()[:8]

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID,
	)
	if err != nil {
		return nil, err
	}

	var video *webrtc.TrackLocalStaticSample
	if wantsVideo {
		video, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", streamID,
		)
		if err != nil {
			return nil, err
		}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		writeLoop(done, audio, opusFrame, func() []byte { return opusSilence })
	}()
	if video != nil {
		key := placeholderVP8(a.Constraints.VideoMaxWidth, a.Constraints.VideoMaxHeight)
		wg.Add(1)
		go func() {
			defer wg.Done()
			writeLoop(done, video, videoFrame, func() []byte { return key })
		}()
	}

	stop := func() {
		close(done)
		wg.Wait()
	}
	if video == nil {
		return NewStream(audio, nil, stop), nil
	}
	return NewStream(audio, video, stop), nil
}

// writeLoop feeds a sample every interval until done closes. Writes on an
// unbound track are dropped by pion, which is what a muted track needs.
func writeLoop(done <-chan struct{}, track *webrtc.TrackLocalStaticSample, interval time.Duration, next func() []byte) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := track.WriteSample(media.Sample{Data: next(), Duration: interval}); err != nil {
				log.Debug().Err(err).Str("track", track.ID()).Msg("media: synthetic write")
			}
		}
	}
}

// placeholderVP8 builds a frame whose header marks it as a VP8 key frame of
// the given size. The partition data is empty, so decoders show nothing, but
// depacketizers and key-frame detection treat it like the real thing.
func placeholderVP8(width, height int) []byte {
	if width <= 0 {
		width = 320
	}
	if height <= 0 {
		height = 240
	}
	b := make([]byte, 32)
	b[0] = 0x10 // key frame, version 0, show_frame
	b[3], b[4], b[5] = 0x9d, 0x01, 0x2a
	b[6], b[7] = byte(width), byte(width>>8)
	b[8], b[9] = byte(height), byte(height>>8)
	return b
}
