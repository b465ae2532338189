// Package call establishes and runs calls: the per-call Session state
// machine negotiating a pion PeerConnection, the playback sinks for remote
// media, and the Manager that ties sessions to call records.
package call

import (
	"context"
	"errors"
	"time"

	"github.com/petervdpas/goopcall/internal/records"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

var (
	// ErrSetup wraps every failure that prevents a call from starting.
	ErrSetup = errors.New("could not start call")
	// ErrConnectionLost ends a session whose transport failed or closed
	// without a local hang up.
	ErrConnectionLost = errors.New("connection lost")
	// ErrUnexpectedOffer is raised for an offer received outside the stable
	// signaling state. It is logged and the offer ignored.
	ErrUnexpectedOffer = errors.New("unexpected offer")
	// ErrBusy is returned when a call is started or accepted while another
	// one is active.
	ErrBusy = errors.New("another call is active")
	// ErrNoCall is returned by commands that need an active or pending call.
	ErrNoCall = errors.New("no such call")
)

// Signaler is what a session needs from the signaling layer.
// *signaling.Adapter satisfies it.
type Signaler interface {
	Subscribe(ctx context.Context, callID string) error
	Send(ctx context.Context, callID string, m signaling.Message) error
	OnMessage(callID string, handler func(signaling.Message)) error
	Unsubscribe(callID string)
}

// Peer is the media transport a session drives. *webrtc.PeerConnection
// satisfies it.
type Peer interface {
	AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error)
	AddTransceiverFromKind(webrtc.RTPCodecType, ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error)
	CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(webrtc.ICECandidateInit) error
	OnICECandidate(func(*webrtc.ICECandidate))
	OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState
	WriteRTCP([]rtcp.Packet) error
	Close() error
}

type Role string

const (
	Initiator Role = "initiator"
	Receiver  Role = "receiver"
)

// Phase is the session's coarse state as shown to the user.
type Phase string

const (
	PhaseConnecting Phase = "connecting"
	PhaseActive     Phase = "active"
	PhaseEnded      Phase = "ended"
	PhaseFailed     Phase = "failed"
)

// Snapshot is the observable state of a session.
type Snapshot struct {
	CallID          string           `json:"call_id"`
	Role            Role             `json:"role"`
	CallType        records.CallType `json:"call_type"`
	RemoteUserID    string           `json:"remote_user_id"`
	Phase           Phase            `json:"phase"`
	SignalingState  string           `json:"signaling_state"`
	ConnectionState string           `json:"connection_state"`
	LocalTracks     []string         `json:"local_tracks"`
	RemoteTracks    []string         `json:"remote_tracks"`
	Muted           bool             `json:"muted"`
	VideoOff        bool             `json:"video_off"`
	Duration        time.Duration    `json:"-"`
	Seconds         int64            `json:"seconds"`
	Err             string           `json:"error,omitempty"`
}

func (s Snapshot) Ended() bool { return s.Phase == PhaseEnded || s.Phase == PhaseFailed }
