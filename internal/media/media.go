// Package media acquires the local audio and video tracks of a call.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	// ErrPermissionDenied means the OS refused access to the microphone or camera.
	ErrPermissionDenied = errors.New("media permission denied")
	// ErrDeviceUnavailable means no suitable capture device exists.
	ErrDeviceUnavailable = errors.New("media device unavailable")
	// ErrGaveUp is returned once transient acquisition failures exhausted
	// the retry budget.
	ErrGaveUp = errors.New("media acquisition gave up")
)

// Terminal reports whether err must end the call attempt without a retry.
func Terminal(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrDeviceUnavailable) || errors.Is(err, ErrGaveUp)
}

// Constraints are the capture settings requested from the device.
type Constraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	SampleRate       int
	ChannelCount     int
	VideoMaxWidth    int
	VideoMaxHeight   int
}

func DefaultConstraints() Constraints {
	return Constraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		SampleRate:       48000,
		ChannelCount:     1,
		VideoMaxWidth:    640,
		VideoMaxHeight:   480,
	}
}

// AudioProcessing names the requested audio processing steps: echo
// cancellation, noise suppression and automatic gain control.
func (c Constraints) AudioProcessing() []string {
	var out []string
	if c.EchoCancellation {
		out = append(out, "echo_cancellation")
	}
	if c.NoiseSuppression {
		out = append(out, "noise_suppression")
	}
	if c.AutoGainControl {
		out = append(out, "auto_gain_control")
	}
	return out
}

// Acquirer captures local media. Audio is always requested; video only
// when wantsVideo is set.
type Acquirer interface {
	Acquire(ctx context.Context, wantsVideo bool) (*Stream, error)
}

// CodecConfigurer is implemented by acquirers whose tracks require
// particular codecs in the peer connection's media engine.
type CodecConfigurer interface {
	ConfigureMediaEngine(m *webrtc.MediaEngine) error
}

// ConfigureMediaEngine registers the codecs a's tracks need, or pion's
// defaults when a has no preference.
func ConfigureMediaEngine(a Acquirer, m *webrtc.MediaEngine) error {
	if cc, ok := a.(CodecConfigurer); ok {
		return cc.ConfigureMediaEngine(m)
	}
	return m.RegisterDefaultCodecs()
}

// Sender is the part of an RTP sender a Stream needs to mute a track.
// *webrtc.RTPSender satisfies it.
type Sender interface {
	ReplaceTrack(webrtc.TrackLocal) error
}

// Stream is a set of local tracks owned by one call.
type Stream struct {
	mu       sync.Mutex
	audio    webrtc.TrackLocal
	video    webrtc.TrackLocal
	stop     func()
	senders  map[webrtc.RTPCodecType]Sender
	enabled  map[webrtc.RTPCodecType]bool
	released bool
}

// NewStream wraps the captured tracks. video may be nil. stop is called
// exactly once, by the first Release.
func NewStream(audio, video webrtc.TrackLocal, stop func()) *Stream {
	s := &Stream{
		audio:   audio,
		video:   video,
		stop:    stop,
		senders: make(map[webrtc.RTPCodecType]Sender),
		enabled: map[webrtc.RTPCodecType]bool{
			webrtc.RTPCodecTypeAudio: audio != nil,
			webrtc.RTPCodecTypeVideo: video != nil,
		},
	}
	return s
}

func (s *Stream) AudioTrack() webrtc.TrackLocal { return s.audio }
func (s *Stream) VideoTrack() webrtc.TrackLocal { return s.video }
func (s *Stream) HasVideo() bool                { return s.video != nil }

// Tracks lists the captured tracks, audio first.
func (s *Stream) Tracks() []webrtc.TrackLocal {
	var out []webrtc.TrackLocal
	if s.audio != nil {
		out = append(out, s.audio)
	}
	if s.video != nil {
		out = append(out, s.video)
	}
	return out
}

// Bind records the sender carrying the track of the given kind so that
// toggles can detach it.
func (s *Stream) Bind(kind webrtc.RTPCodecType, sender Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.senders[kind] = sender
}

func (s *Stream) ToggleAudio(enabled bool) error {
	return s.toggle(webrtc.RTPCodecTypeAudio, s.audio, enabled)
}

func (s *Stream) ToggleVideo(enabled bool) error {
	return s.toggle(webrtc.RTPCodecTypeVideo, s.video, enabled)
}

// toggle swaps the sender's track for nil (muted) or back to the captured
// track. The negotiated transceiver is untouched.
func (s *Stream) toggle(kind webrtc.RTPCodecType, track webrtc.TrackLocal, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if track == nil || s.released {
		return nil
	}
	if s.enabled[kind] == enabled {
		return nil
	}
	if sender, ok := s.senders[kind]; ok {
		var next webrtc.TrackLocal
		if enabled {
			next = track
		}
		if err := sender.ReplaceTrack(next); err != nil {
			return err
		}
	}
	s.enabled[kind] = enabled
	return nil
}

func (s *Stream) AudioEnabled() bool { return s.isEnabled(webrtc.RTPCodecTypeAudio) }
func (s *Stream) VideoEnabled() bool { return s.isEnabled(webrtc.RTPCodecTypeVideo) }

func (s *Stream) isEnabled(kind webrtc.RTPCodecType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.released && s.enabled[kind]
}

// Release stops every track. Only the first call has an effect; it reports
// whether this call performed the release.
func (s *Stream) Release() bool {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return false
	}
	s.released = true
	stop := s.stop
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	log.Debug().Int("tracks", len(s.Tracks())).Msg("media: local tracks released")
	return true
}

func (s *Stream) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}
