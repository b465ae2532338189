//go:build !linux

package media

import (
	"context"
	"fmt"
	"runtime"

	"github.com/pion/webrtc/v4"
)

// DeviceAcquirer has no capture drivers on this platform; use the
// synthetic source instead.
type DeviceAcquirer struct {
	constraints Constraints
}

func NewDeviceAcquirer(c Constraints) (*DeviceAcquirer, error) {
	return &DeviceAcquirer{constraints: c}, nil
}

func (a *DeviceAcquirer) ConfigureMediaEngine(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (a *DeviceAcquirer) Acquire(context.Context, bool) (*Stream, error) {
	return nil, fmt.Errorf("%w: no capture drivers on %s", ErrDeviceUnavailable, runtime.GOOS)
}
