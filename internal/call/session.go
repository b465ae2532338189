package call

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/records"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/petervdpas/goopcall/internal/util"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	snapshotBuffer = 16
	tickInterval   = time.Second
	// closeGrace is how long a transport close may precede the hang up
	// that explains it before the call counts as lost.
	closeGrace = 2 * time.Second
)

type SessionConfig struct {
	CallID       string
	Role         Role
	CallType     records.CallType
	LocalUserID  string
	RemoteUserID string

	Peer     Peer
	Stream   *media.Stream
	Signaler Signaler

	// Audio receives every remote audio track. Video receives remote video
	// on video calls; it may be nil.
	Audio TrackSink
	Video TrackSink
}

func (c SessionConfig) validate() error {
	switch {
	case c.CallID == "":
		return errors.New("missing call id")
	case c.Role != Initiator && c.Role != Receiver:
		return fmt.Errorf("unknown role %q", c.Role)
	case c.Peer == nil || c.Stream == nil || c.Signaler == nil:
		return errors.New("peer, stream and signaler are required")
	case c.Audio == nil:
		return errors.New("audio sink is required")
	}
	return nil
}

// Stats counts negotiation traffic of a session.
type Stats struct {
	OffersSent         int
	AnswersSent        int
	AnswersApplied     int
	StaleAnswers       int
	UnexpectedOffers   int
	CandidatesSent     int
	CandidatesBuffered int
	CandidatesApplied  int
	CandidatesFailed   int
	Teardowns          int
}

// Session negotiates and runs one call. All peer connection work happens on
// the session's own goroutine, fed by an event queue; pion callbacks,
// signaling messages and user commands only enqueue.
type Session struct {
	cfg SessionConfig
	log zerolog.Logger
	q   *eventQueue

	// Owned by the run loop.
	pending      []webrtc.ICECandidateInit
	offered      bool
	negotiated   bool
	closing      bool
	finished     bool
	remoteHungUp bool
	ticker       *time.Ticker
	lost         *time.Timer
	closeGrace   time.Duration

	mu    sync.Mutex
	snap  Snapshot
	stats Stats
	subs  map[chan Snapshot]struct{}
	err   error

	startOnce sync.Once
	done      chan struct{}
}

// NewSession wires the peer's callbacks and local tracks. Nothing is
// negotiated before Start.
func NewSession(cfg SessionConfig) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSetup, err)
	}

	s := &Session{
		cfg:        cfg,
		log:        log.With().Str("call", util.ShortID(cfg.CallID)).Str("role", string(cfg.Role)).Logger(),
		q:          newEventQueue(),
		subs:       make(map[chan Snapshot]struct{}),
		done:       make(chan struct{}),
		closeGrace: closeGrace,
	}

	pc := cfg.Peer
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		s.q.push(event{kind: evLocalCandidate, candidate: c})
	})
	pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.q.push(event{kind: evRemoteTrack, track: t})
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		s.q.push(event{kind: evConnectionState, state: st})
	})

	var local []string
	for _, t := range cfg.Stream.Tracks() {
		sender, err := pc.AddTrack(t)
		if err != nil {
			return nil, fmt.Errorf("%w: add %s track: %v", ErrSetup, t.Kind(), err)
		}
		if sender != nil {
			cfg.Stream.Bind(t.Kind(), sender)
			go readRTCP(sender)
		}
		local = append(local, t.Kind().String())
	}
	if cfg.CallType == records.Video && !cfg.Stream.HasVideo() {
		// No camera: still ask for the remote party's video.
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return nil, fmt.Errorf("%w: add video transceiver: %v", ErrSetup, err)
		}
	}

	s.snap = Snapshot{
		CallID:          cfg.CallID,
		Role:            cfg.Role,
		CallType:        cfg.CallType,
		RemoteUserID:    cfg.RemoteUserID,
		Phase:           PhaseConnecting,
		SignalingState:  pc.SignalingState().String(),
		ConnectionState: pc.ConnectionState().String(),
		LocalTracks:     local,
		RemoteTracks:    []string{},
		VideoOff:        !cfg.Stream.HasVideo() || cfg.CallType != records.Video,
	}
	return s, nil
}

// readRTCP drains a sender's RTCP so interceptors see receiver reports.
func readRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// Start registers for signaling messages and runs the state machine. The
// call's signaling channel must already be subscribed; the session owns it
// from now on and releases it on teardown.
func (s *Session) Start() error {
	var err error
	s.startOnce.Do(func() {
		err = s.cfg.Signaler.OnMessage(s.cfg.CallID, func(m signaling.Message) {
			s.q.push(event{kind: evSignal, msg: m})
		})
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrSetup, err)
			s.finish(err)
			return
		}
		go s.run()
	})
	return err
}

func (s *Session) ID() string     { return s.cfg.CallID }
func (s *Session) Role() Role     { return s.cfg.Role }
func (s *Session) Remote() string { return s.cfg.RemoteUserID }

// Negotiate makes the initiator send its offer. Later calls are ignored.
func (s *Session) Negotiate() {
	s.q.push(event{kind: evNegotiate})
}

// ToggleMute flips the microphone and returns the new muted state.
func (s *Session) ToggleMute() (bool, error) {
	return s.command(evToggleAudio)
}

// ToggleVideo flips the camera and returns whether video is now off.
func (s *Session) ToggleVideo() (bool, error) {
	return s.command(evToggleVideo)
}

// EndCall hangs up and waits for teardown. It is safe to call repeatedly,
// from any goroutine, and before Start.
func (s *Session) EndCall() {
	// Without a running loop there is nobody to hand the event to.
	s.startOnce.Do(func() { s.finish(nil) })
	s.q.push(event{kind: evHangup})
	<-s.done
}

// Fail ends the session with err.
func (s *Session) Fail(err error) {
	s.q.push(event{kind: evFail, err: err})
}

func (s *Session) Done() <-chan struct{} { return s.done }

// Err is why the session ended: nil after a hang up.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copySnapLocked()
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Subscribe streams snapshots, starting with the current one. Slow readers
// only miss intermediate states. The channel closes after the final snapshot.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, snapshotBuffer)
	s.mu.Lock()
	ch <- s.copySnapLocked()
	select {
	case <-s.done:
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
}

func (s *Session) command(kind eventKind) (bool, error) {
	reply := make(chan bool, 1)
	if !s.q.push(event{kind: kind, reply: reply}) {
		return false, ErrNoCall
	}
	select {
	case v := <-reply:
		return v, nil
	case <-s.done:
		return false, ErrNoCall
	}
}

func (s *Session) copySnapLocked() Snapshot {
	c := s.snap
	c.LocalTracks = slices.Clone(s.snap.LocalTracks)
	c.RemoteTracks = slices.Clone(s.snap.RemoteTracks)
	return c
}

// update mutates the snapshot and fans the result out.
func (s *Session) update(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.snap)
	s.snap.SignalingState = s.cfg.Peer.SignalingState().String()
	snap := s.copySnapLocked()
	for ch := range s.subs {
		select {
		case ch <- snap:
		default:
			// Replace the oldest queued state with the newest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (s *Session) count(fn func(*Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

func (s *Session) run() {
	for !s.finished {
		var tick, lost <-chan time.Time
		if s.ticker != nil {
			tick = s.ticker.C
		}
		if s.lost != nil {
			lost = s.lost.C
		}
		select {
		case <-s.q.wake:
			for !s.finished {
				e, ok := s.q.pop()
				if !ok {
					break
				}
				s.handle(e)
			}
		case <-tick:
			s.update(func(sn *Snapshot) {
				sn.Duration += tickInterval
				sn.Seconds = int64(sn.Duration / time.Second)
			})
		case <-lost:
			s.finish(fmt.Errorf("%w: closed by transport", ErrConnectionLost))
		}
	}
}

func (s *Session) handle(e event) {
	switch e.kind {
	case evNegotiate:
		s.onNegotiate()
	case evSignal:
		s.onSignal(e.msg)
	case evLocalCandidate:
		s.onLocalCandidate(e.candidate)
	case evRemoteTrack:
		s.onRemoteTrack(e.track)
	case evConnectionState:
		s.onConnectionState(e.state)
	case evToggleAudio:
		e.reply <- s.onToggleAudio()
	case evToggleVideo:
		e.reply <- s.onToggleVideo()
	case evHangup:
		s.finish(nil)
	case evFail:
		s.finish(e.err)
	}
}

func (s *Session) send(m signaling.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultRequestTimeout)
	defer cancel()
	return s.cfg.Signaler.Send(ctx, s.cfg.CallID, m)
}

// setupFailed ends the session if the first negotiation round has not
// completed yet; later rounds only log.
func (s *Session) setupFailed(step string, err error) {
	if s.negotiated {
		s.log.Warn().Err(err).Str("step", step).Msg("renegotiation step failed")
		return
	}
	s.log.Error().Err(err).Str("step", step).Msg("call setup failed")
	s.finish(fmt.Errorf("%w: %s: %v", ErrSetup, step, err))
}

func (s *Session) onNegotiate() {
	if s.cfg.Role != Initiator {
		s.log.Debug().Msg("negotiate ignored, receiver waits for the offer")
		return
	}
	if s.offered {
		return
	}
	pc := s.cfg.Peer

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		s.setupFailed("create offer", err)
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		s.setupFailed("set local offer", err)
		return
	}
	s.offered = true
	if err := s.send(signaling.Message{Type: signaling.TypeOffer, SDP: &offer}); err != nil {
		s.setupFailed("send offer", err)
		return
	}
	s.count(func(st *Stats) { st.OffersSent++ })
	s.update(func(*Snapshot) {})
	s.log.Info().Str("remote", s.cfg.RemoteUserID).Msg("offer sent")
}

func (s *Session) onSignal(m signaling.Message) {
	switch m.Type {
	case signaling.TypeOffer:
		s.onOffer(m)
	case signaling.TypeAnswer:
		s.onAnswer(m)
	case signaling.TypeCandidate:
		s.onRemoteCandidate(*m.Candidate)
	case signaling.TypeHangup:
		s.log.Info().Str("remote", m.From).Msg("remote hung up")
		s.remoteHungUp = true
		s.finish(nil)
	}
}

func (s *Session) onOffer(m signaling.Message) {
	pc := s.cfg.Peer
	if m.SDP.Type != webrtc.SDPTypeOffer {
		s.log.Warn().Str("sdp_type", m.SDP.Type.String()).Msg("offer message without offer sdp, ignored")
		return
	}
	if st := pc.SignalingState(); st != webrtc.SignalingStateStable {
		err := fmt.Errorf("%w in state %s", ErrUnexpectedOffer, st)
		s.log.Warn().Err(err).Str("from", m.From).Msg("offer ignored")
		s.count(func(st *Stats) { st.UnexpectedOffers++ })
		return
	}

	if err := pc.SetRemoteDescription(*m.SDP); err != nil {
		s.setupFailed("set remote offer", err)
		return
	}
	s.flushCandidates()

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		s.setupFailed("create answer", err)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		s.setupFailed("set local answer", err)
		return
	}
	if err := s.send(signaling.Message{Type: signaling.TypeAnswer, SDP: &answer}); err != nil {
		s.setupFailed("send answer", err)
		return
	}
	s.negotiated = true
	s.count(func(st *Stats) { st.AnswersSent++ })
	s.update(func(*Snapshot) {})
	s.log.Info().Str("remote", m.From).Msg("answer sent")
}

func (s *Session) onAnswer(m signaling.Message) {
	pc := s.cfg.Peer
	if st := pc.SignalingState(); st != webrtc.SignalingStateHaveLocalOffer || m.SDP.Type != webrtc.SDPTypeAnswer {
		s.log.Debug().Str("state", st.String()).Msg("stale answer ignored")
		s.count(func(st *Stats) { st.StaleAnswers++ })
		return
	}
	if err := pc.SetRemoteDescription(*m.SDP); err != nil {
		s.setupFailed("set remote answer", err)
		return
	}
	s.negotiated = true
	s.flushCandidates()
	s.count(func(st *Stats) { st.AnswersApplied++ })
	s.update(func(*Snapshot) {})
	s.log.Info().Str("remote", m.From).Msg("answer applied")
}

func (s *Session) onRemoteCandidate(c webrtc.ICECandidateInit) {
	if s.cfg.Peer.RemoteDescription() == nil {
		s.pending = append(s.pending, c)
		s.count(func(st *Stats) { st.CandidatesBuffered++ })
		return
	}
	s.addCandidate(c)
}

// flushCandidates applies candidates that arrived before the remote
// description, in arrival order.
func (s *Session) flushCandidates() {
	pending := s.pending
	s.pending = nil
	if len(pending) > 0 {
		s.log.Debug().Int("count", len(pending)).Msg("applying early candidates")
	}
	for _, c := range pending {
		s.addCandidate(c)
	}
}

func (s *Session) addCandidate(c webrtc.ICECandidateInit) {
	if err := s.cfg.Peer.AddICECandidate(c); err != nil {
		s.log.Warn().Err(err).Str("candidate", c.Candidate).Msg("remote candidate rejected")
		s.count(func(st *Stats) { st.CandidatesFailed++ })
		return
	}
	s.count(func(st *Stats) { st.CandidatesApplied++ })
}

func (s *Session) onLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		s.log.Debug().Msg("candidate gathering complete")
		return
	}
	init := c.ToJSON()
	if err := s.send(signaling.Message{Type: signaling.TypeCandidate, Candidate: &init}); err != nil {
		s.log.Warn().Err(err).Msg("send candidate")
		return
	}
	s.count(func(st *Stats) { st.CandidatesSent++ })
}

func (s *Session) onRemoteTrack(t *webrtc.TrackRemote) {
	kind := t.Kind()
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		s.cfg.Audio.Attach(t)
	case webrtc.RTPCodecTypeVideo:
		if s.cfg.CallType == records.Video && s.cfg.Video != nil {
			pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(t.SSRC())}}
			if err := s.cfg.Peer.WriteRTCP(pli); err != nil {
				s.log.Debug().Err(err).Msg("picture loss indication")
			}
			s.cfg.Video.Attach(t)
		} else {
			go drain(t)
		}
	default:
		go drain(t)
	}
	s.update(func(sn *Snapshot) { sn.RemoteTracks = append(sn.RemoteTracks, kind.String()) })
	s.log.Info().Str("kind", kind.String()).Str("codec", t.Codec().MimeType).Msg("remote track")
}

func (s *Session) onConnectionState(st webrtc.PeerConnectionState) {
	s.update(func(sn *Snapshot) { sn.ConnectionState = st.String() })
	s.log.Debug().Str("state", st.String()).Msg("connection state")

	switch st {
	case webrtc.PeerConnectionStateConnected:
		if s.ticker != nil {
			return
		}
		s.ticker = time.NewTicker(tickInterval)
		s.update(func(sn *Snapshot) {
			sn.Phase = PhaseActive
			sn.Duration = 0
			sn.Seconds = 0
		})
		s.log.Info().Str("remote", s.cfg.RemoteUserID).Msg("call connected")
	case webrtc.PeerConnectionStateDisconnected:
		s.log.Warn().Msg("connection interrupted, waiting for ICE to recover")
	case webrtc.PeerConnectionStateFailed:
		s.finish(fmt.Errorf("%w: ice failed", ErrConnectionLost))
	case webrtc.PeerConnectionStateClosed:
		// A remote hang up closes the transport too; wait for its signal or
		// the record to catch up before calling the connection lost.
		if !s.closing && s.lost == nil {
			s.log.Debug().Dur("grace", s.closeGrace).Msg("transport closed, waiting for hang up")
			s.lost = time.NewTimer(s.closeGrace)
		}
	}
}

func (s *Session) onToggleAudio() bool {
	stream := s.cfg.Stream
	if err := stream.ToggleAudio(!stream.AudioEnabled()); err != nil {
		s.log.Warn().Err(err).Msg("toggle audio")
	}
	muted := !stream.AudioEnabled()
	s.update(func(sn *Snapshot) { sn.Muted = muted })
	s.log.Info().Bool("muted", muted).Msg("audio toggled")
	return muted
}

func (s *Session) onToggleVideo() bool {
	stream := s.cfg.Stream
	if !stream.HasVideo() {
		return true
	}
	if err := stream.ToggleVideo(!stream.VideoEnabled()); err != nil {
		s.log.Warn().Err(err).Msg("toggle video")
	}
	off := !stream.VideoEnabled()
	s.update(func(sn *Snapshot) { sn.VideoOff = off })
	s.log.Info().Bool("video_off", off).Msg("video toggled")
	return off
}

// finish tears the session down once: stop reacting to signaling, release
// local media, close the peer connection, publish the final snapshot.
func (s *Session) finish(err error) {
	if s.finished {
		return
	}
	s.finished = true
	s.closing = true
	s.q.close()

	if err == nil && !s.remoteHungUp && (s.offered || s.negotiated) {
		if serr := s.send(signaling.Message{Type: signaling.TypeHangup}); serr != nil {
			s.log.Debug().Err(serr).Msg("send hang up")
		}
	}
	s.cfg.Signaler.Unsubscribe(s.cfg.CallID)
	if s.ticker != nil {
		s.ticker.Stop()
	}
	if s.lost != nil {
		s.lost.Stop()
	}
	s.cfg.Stream.Release()
	if cerr := s.cfg.Peer.Close(); cerr != nil {
		s.log.Debug().Err(cerr).Msg("close peer connection")
	}

	phase := PhaseEnded
	if err != nil {
		phase = PhaseFailed
		s.log.Warn().Err(err).Msg("call ended")
	} else {
		s.log.Info().Msg("call ended")
	}

	s.count(func(st *Stats) { st.Teardowns++ })
	s.update(func(sn *Snapshot) {
		sn.Phase = phase
		sn.ConnectionState = s.cfg.Peer.ConnectionState().String()
		if err != nil {
			sn.Err = err.Error()
		}
	})

	s.mu.Lock()
	s.err = err
	for ch := range s.subs {
		close(ch)
	}
	s.subs = map[chan Snapshot]struct{}{}
	close(s.done)
	s.mu.Unlock()
}
