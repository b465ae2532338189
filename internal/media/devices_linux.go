//go:build linux

package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// DeviceAcquirer captures the microphone and camera through
// pion/mediadevices (malgo and V4L2 on Linux), encoding Opus and VP8.
type DeviceAcquirer struct {
	constraints Constraints
	selector    *mediadevices.CodecSelector
}

func NewDeviceAcquirer(c Constraints) (*DeviceAcquirer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &DeviceAcquirer{
		constraints: c,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// ConfigureMediaEngine registers the codecs the capture encoders produce.
func (a *DeviceAcquirer) ConfigureMediaEngine(m *webrtc.MediaEngine) error {
	a.selector.Populate(m)
	return nil
}

func (a *DeviceAcquirer) Acquire(ctx context.Context, wantsVideo bool) (*Stream, error) {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: no capture devices found", ErrDeviceUnavailable)
	}
	for _, d := range devices {
		log.Debug().Str("kind", fmt.Sprint(d.Kind)).Str("label", d.Label).Msg("media: device")
	}

	// GetUserMedia fails as a unit, so a broken camera must not cost us the
	// microphone: fall back to audio only.
	attempts := []bool{false}
	if wantsVideo {
		attempts = []bool{true, false}
	}

	var lastErr error
	for _, withVideo := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, err := a.capture(withVideo)
		if err == nil {
			if wantsVideo && !withVideo {
				log.Warn().Err(lastErr).Msg("media: camera unavailable, continuing audio-only")
			}
			return s, nil
		}
		lastErr = classify(err)
		if errors.Is(lastErr, ErrPermissionDenied) {
			return nil, lastErr
		}
		log.Warn().Err(err).Bool("video", withVideo).Msg("media: GetUserMedia failed")
	}
	return nil, lastErr
}

func (a *DeviceAcquirer) capture(withVideo bool) (*Stream, error) {
	c := a.constraints
	constraints := mediadevices.MediaStreamConstraints{
		Codec: a.selector,
		Audio: func(m *mediadevices.MediaTrackConstraints) {
			// malgo delivers raw PCM: echo cancellation, noise suppression
			// and gain control are not driver properties here.
			m.SampleRate = prop.Int(c.SampleRate)
			m.ChannelCount = prop.Int(c.ChannelCount)
		},
	}
	if withVideo {
		constraints.Video = func(m *mediadevices.MediaTrackConstraints) {
			// Raw formats only; MJPEG nodes of some cameras hand the VP8
			// encoder malformed frames.
			m.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			m.Width = prop.IntRanged{Max: c.VideoMaxWidth}
			m.Height = prop.IntRanged{Max: c.VideoMaxHeight}
		}
	}

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, err
	}

	tracks := ms.GetTracks()
	closeAll := func() {
		for _, t := range tracks {
			t.Close()
		}
	}

	var audio, video mediadevices.Track
	for _, t := range tracks {
		t.OnEnded(func(err error) {
			if err != nil {
				log.Warn().Err(err).Str("track", t.ID()).Msg("media: local track ended")
			}
		})
		switch t.Kind() {
		case webrtc.RTPCodecTypeAudio:
			audio = t
		case webrtc.RTPCodecTypeVideo:
			video = t
		}
	}
	if audio == nil {
		closeAll()
		return nil, fmt.Errorf("%w: no microphone track", ErrDeviceUnavailable)
	}
	if withVideo && video == nil {
		closeAll()
		return nil, fmt.Errorf("%w: no camera track", ErrDeviceUnavailable)
	}

	log.Info().Int("tracks", len(tracks)).Bool("video", video != nil).Msg("media: local media captured")
	if steps := c.AudioProcessing(); len(steps) > 0 {
		log.Warn().Strs("requested", steps).Msg("media: capture driver has no audio processing, sending raw microphone audio")
	}
	if video == nil {
		return NewStream(audio, nil, closeAll), nil
	}
	return NewStream(audio, video, closeAll), nil
}

// classify maps driver errors onto the package's terminal errors. Anything
// else is considered transient.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, os.ErrPermission) || strings.Contains(msg, "permission denied"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case errors.Is(err, os.ErrNotExist) ||
		strings.Contains(msg, "failed to find") ||
		strings.Contains(msg, "no such device"):
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	return err
}
