package call

import (
	"fmt"
	"time"

	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/util"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// PeerFactory builds peer connections sharing one pion API.
type PeerFactory struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
}

type PeerOptions struct {
	ICEServers []config.ICEServer

	// ICE liveness timeouts. A disconnected connection turns failed after
	// Failed, which ends the call.
	Disconnected time.Duration
	Failed       time.Duration
	Keepalive    time.Duration

	// LoopbackOnly restricts candidates to the loopback interface. Used for
	// peers on the same host.
	LoopbackOnly bool
}

// PeerOptionsFromConfig maps the call section of the config file.
func PeerOptionsFromConfig(c config.Call) PeerOptions {
	return PeerOptions{
		ICEServers:   c.ICEServers,
		Disconnected: time.Duration(c.ICEDisconnectedSeconds) * time.Second,
		Failed:       time.Duration(c.ICEFailedSeconds) * time.Second,
		Keepalive:    time.Duration(c.ICEKeepaliveSeconds) * time.Second,
	}
}

// NewPeerFactory registers the codecs acq's tracks need plus the default
// interceptors (NACK, RTCP reports, TWCC).
func NewPeerFactory(acq media.Acquirer, opts PeerOptions) (*PeerFactory, error) {
	m := &webrtc.MediaEngine{}
	if err := media.ConfigureMediaEngine(acq, m); err != nil {
		return nil, fmt.Errorf("media engine: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: util.NewPionLoggerFactory(zerolog.WarnLevel)}
	if opts.Disconnected > 0 && opts.Failed > 0 && opts.Keepalive > 0 {
		se.SetICETimeouts(opts.Disconnected, opts.Failed, opts.Keepalive)
	}
	if opts.LoopbackOnly {
		se.SetIncludeLoopbackCandidate(true)
		se.SetInterfaceFilter(func(name string) bool { return name == "lo" || name == "lo0" })
		se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	}

	servers := make([]webrtc.ICEServer, 0, len(opts.ICEServers))
	for _, s := range opts.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	return &PeerFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(ir),
			webrtc.WithSettingEngine(se),
		),
		iceServers: servers,
	}, nil
}

func (f *PeerFactory) NewPeer() (Peer, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.iceServers})
	if err != nil {
		return nil, err
	}
	return pc, nil
}
