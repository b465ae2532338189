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
	"github.com/petervdpas/goopcall/internal/util"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

const eventBuffer = 32

type ManagerConfig struct {
	Records  *records.Lifecycle
	Signaler Signaler
	Acquirer media.Acquirer
	NewPeer  func() (Peer, error)

	// AudioDir receives one recording per call; empty discards remote audio.
	AudioDir string
	// Video shows remote video of video calls. Optional.
	Video *VideoSurface
	// RingTimeout marks unanswered outgoing calls missed.
	RingTimeout time.Duration
}

type EventKind string

const (
	EventIncoming     EventKind = "incoming"
	EventIncomingGone EventKind = "incoming-gone"
	EventStarted      EventKind = "started"
	EventEnded        EventKind = "ended"
)

// Event reports call activity to the UI.
type Event struct {
	Kind  EventKind          `json:"kind"`
	Call  records.CallRecord `json:"call"`
	Error string             `json:"error,omitempty"`
}

// IncomingCall is a call ringing on this client.
type IncomingCall struct {
	Record records.CallRecord
	m      *Manager
}

// Accept answers the call and returns its session.
func (ic *IncomingCall) Accept(ctx context.Context) (*Session, error) {
	return ic.m.Accept(ctx, ic.Record.ID)
}

// Reject declines the call.
func (ic *IncomingCall) Reject(ctx context.Context) error {
	return ic.m.Reject(ctx, ic.Record.ID)
}

// Manager runs at most one call at a time. A call holds the manager's slot
// from StartCall or Accept until its session has been torn down and its
// record ended.
type Manager struct {
	cfg  ManagerConfig
	self string
	slot chan struct{}

	mu      sync.Mutex
	active  *activeCall
	pending map[string]*pendingCall

	handlersMu sync.RWMutex
	handlers   []func(*IncomingCall)

	listenersMu sync.RWMutex
	listeners   map[chan Event]struct{}

	stopIncoming func()
	closeOnce    sync.Once
}

type activeCall struct {
	rec        records.CallRecord
	session    *Session
	audio      *AudioSink
	stopStatus func()
	cancelRing context.CancelFunc
	ended      chan struct{}
}

type pendingCall struct {
	ic *IncomingCall

	mu      sync.Mutex
	stop    func()
	stopped bool
}

// watch installs the status subscription's cancel func. If the call was
// already resolved, it is cancelled right away.
func (p *pendingCall) watch(stop func()) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		stop()
		return
	}
	p.stop = stop
	p.mu.Unlock()
}

func (p *pendingCall) stopStatus() {
	p.mu.Lock()
	p.stopped = true
	stop := p.stop
	p.stop = nil
	p.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		cfg:       cfg,
		self:      cfg.Records.Self(),
		slot:      make(chan struct{}, 1),
		pending:   make(map[string]*pendingCall),
		listeners: make(map[chan Event]struct{}),
	}
}

// Run starts listening for incoming calls.
func (m *Manager) Run(ctx context.Context) error {
	stop, err := m.cfg.Records.SubscribeIncoming(ctx, m.onIncoming)
	if err != nil {
		return fmt.Errorf("watch incoming calls: %w", err)
	}
	m.mu.Lock()
	m.stopIncoming = stop
	m.mu.Unlock()
	log.Info().Str("user", m.self).Msg("call: listening for incoming calls")
	return nil
}

// OnIncoming registers fn for every call that starts ringing here.
func (m *Manager) OnIncoming(fn func(*IncomingCall)) {
	m.handlersMu.Lock()
	m.handlers = append(m.handlers, fn)
	m.handlersMu.Unlock()
}

// Subscribe streams call events until cancel is called.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, eventBuffer)
	m.listenersMu.Lock()
	m.listeners[ch] = struct{}{}
	m.listenersMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.listenersMu.Lock()
			delete(m.listeners, ch)
			m.listenersMu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) emit(kind EventKind, rec records.CallRecord, err error) {
	ev := Event{Kind: kind, Call: rec}
	if err != nil {
		ev.Error = err.Error()
	}
	m.listenersMu.RLock()
	defer m.listenersMu.RUnlock()
	for ch := range m.listeners {
		select {
		case ch <- ev:
		default:
			log.Warn().Str("kind", string(kind)).Msg("call: event listener full, dropping event")
		}
	}
}

func (m *Manager) acquire() error {
	select {
	case m.slot <- struct{}{}:
		return nil
	default:
		return ErrBusy
	}
}

func (m *Manager) release() {
	<-m.slot
}

// Busy reports whether a call holds the slot.
func (m *Manager) Busy() bool {
	return len(m.slot) > 0
}

// StartCall rings receiverID. The returned session negotiates once the
// receiver accepts; it ends when the call is rejected, missed or hung up.
func (m *Manager) StartCall(ctx context.Context, receiverID string, t records.CallType) (*Session, error) {
	if err := m.acquire(); err != nil {
		return nil, err
	}

	rec, err := m.cfg.Records.CreateCall(ctx, m.self, receiverID, t)
	if err != nil {
		m.release()
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}

	ac, err := m.setup(ctx, rec, Initiator)
	if err != nil {
		m.endRecord(rec.ID)
		m.release()
		m.emit(EventEnded, rec, err)
		return nil, err
	}
	log.Info().Str("call", util.ShortID(rec.ID)).Str("receiver", receiverID).Str("type", string(t)).Msg("call: ringing")
	return ac.session, nil
}

// Accept answers a ringing call.
func (m *Manager) Accept(ctx context.Context, callID string) (*Session, error) {
	p, ok := m.takePending(callID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoCall, util.ShortID(callID))
	}
	rec := p.ic.Record

	if err := m.acquire(); err != nil {
		m.putPending(p)
		return nil, err
	}
	p.stopStatus()

	ac, err := m.setup(ctx, rec, Receiver)
	if err != nil {
		// The caller learns about it through the record.
		if _, rerr := m.cfg.Records.Reject(context.Background(), rec.ID); rerr != nil {
			log.Warn().Err(rerr).Str("call", util.ShortID(rec.ID)).Msg("call: reject after setup failure")
		}
		m.release()
		m.emit(EventEnded, rec, err)
		return nil, err
	}

	if _, err := m.cfg.Records.Accept(ctx, rec.ID); err != nil {
		ac.session.EndCall()
		<-ac.ended
		return nil, fmt.Errorf("%w: accept record: %w", ErrSetup, err)
	}
	log.Info().Str("call", util.ShortID(rec.ID)).Str("caller", rec.CallerID).Msg("call: accepted")
	return ac.session, nil
}

// Reject declines a ringing call.
func (m *Manager) Reject(ctx context.Context, callID string) error {
	p, ok := m.takePending(callID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoCall, util.ShortID(callID))
	}
	rec, err := m.cfg.Records.Reject(ctx, callID)
	if err != nil && !errors.Is(err, records.ErrInvalidTransition) {
		m.putPending(p)
		return err
	}
	if err != nil {
		// Already resolved elsewhere; report what we last knew.
		rec = p.ic.Record
	}
	p.stopStatus()
	m.emit(EventIncomingGone, rec, nil)
	log.Info().Str("call", util.ShortID(callID)).Msg("call: rejected")
	return nil
}

// Hangup ends the active call.
func (m *Manager) Hangup() error {
	ac, ok := m.current()
	if !ok {
		return ErrNoCall
	}
	ac.session.EndCall()
	<-ac.ended
	return nil
}

// ToggleAudio flips the microphone of the active call.
func (m *Manager) ToggleAudio() (bool, error) {
	ac, ok := m.current()
	if !ok {
		return false, ErrNoCall
	}
	return ac.session.ToggleMute()
}

// ToggleVideo flips the camera of the active call.
func (m *Manager) ToggleVideo() (bool, error) {
	ac, ok := m.current()
	if !ok {
		return false, ErrNoCall
	}
	return ac.session.ToggleVideo()
}

// Active returns the session of the active call.
func (m *Manager) Active() (*Session, bool) {
	ac, ok := m.current()
	if !ok {
		return nil, false
	}
	return ac.session, true
}

// Pending lists calls ringing on this client.
func (m *Manager) Pending() []records.CallRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.MapToSlice(m.pending, func(_ string, p *pendingCall) records.CallRecord { return p.ic.Record })
}

func (m *Manager) History(ctx context.Context, limit int) ([]records.CallRecord, error) {
	return m.cfg.Records.History(ctx, limit)
}

// Close stops listening and ends the active call.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		stop := m.stopIncoming
		pending := m.pending
		m.pending = make(map[string]*pendingCall)
		m.mu.Unlock()

		if stop != nil {
			stop()
		}
		for _, p := range pending {
			p.stopStatus()
		}
		if err := m.Hangup(); err != nil && !errors.Is(err, ErrNoCall) {
			log.Warn().Err(err).Msg("call: hangup on close")
		}
	})
}

func (m *Manager) current() (*activeCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, m.active != nil
}

func (m *Manager) takePending(callID string) (*pendingCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[callID]
	delete(m.pending, callID)
	return p, ok
}

func (m *Manager) putPending(p *pendingCall) {
	m.mu.Lock()
	m.pending[p.ic.Record.ID] = p
	m.mu.Unlock()
}

func (m *Manager) onIncoming(rec records.CallRecord) {
	lg := log.With().Str("call", util.ShortID(rec.ID)).Str("caller", rec.CallerID).Logger()
	if m.Busy() {
		lg.Info().Msg("call: busy, rejecting incoming call")
		if _, err := m.cfg.Records.Reject(context.Background(), rec.ID); err != nil {
			lg.Warn().Err(err).Msg("call: reject while busy")
		}
		return
	}

	if r, err := m.cfg.Records.MarkRinging(context.Background(), rec.ID); err != nil {
		lg.Warn().Err(err).Msg("call: mark ringing")
		if errors.Is(err, records.ErrInvalidTransition) && r.Status.Terminal() {
			return
		}
	} else {
		rec = r
	}

	ic := &IncomingCall{Record: rec, m: m}
	p := &pendingCall{ic: ic}
	m.putPending(p)

	// Drop the call when the caller gives up or the ring times out.
	stop, err := m.cfg.Records.SubscribeToStatus(context.Background(), rec.ID, func(r records.CallRecord) {
		if !r.Status.Terminal() {
			return
		}
		if p, ok := m.takePending(r.ID); ok {
			p.stopStatus()
			lg.Info().Str("status", string(r.Status)).Msg("call: incoming call gone")
			m.emit(EventIncomingGone, r, nil)
		}
	})
	if err != nil {
		lg.Warn().Err(err).Msg("call: watch incoming call")
	} else {
		p.watch(stop)
	}

	lg.Info().Str("type", string(rec.CallType)).Msg("call: incoming")
	m.emit(EventIncoming, rec, nil)

	m.handlersMu.RLock()
	handlers := slices.Clone(m.handlers)
	m.handlersMu.RUnlock()
	for _, fn := range handlers {
		fn(ic)
	}
}

// setup subscribes signaling, acquires media and starts the session. On
// failure everything acquired so far is released and the error wraps ErrSetup.
func (m *Manager) setup(ctx context.Context, rec records.CallRecord, role Role) (*activeCall, error) {
	callID := rec.ID
	var undo []func()
	fail := func(err error) (*activeCall, error) {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		log.Warn().Err(err).Str("call", util.ShortID(callID)).Str("role", string(role)).Msg("call: setup failed")
		if errors.Is(err, ErrSetup) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}

	if err := m.cfg.Signaler.Subscribe(ctx, callID); err != nil {
		return fail(err)
	}
	undo = append(undo, func() { m.cfg.Signaler.Unsubscribe(callID) })

	stream, err := m.cfg.Acquirer.Acquire(ctx, rec.CallType == records.Video)
	if err != nil {
		return fail(err)
	}
	undo = append(undo, func() { stream.Release() })

	peer, err := m.cfg.NewPeer()
	if err != nil {
		return fail(fmt.Errorf("new peer connection: %w", err))
	}
	undo = append(undo, func() { _ = peer.Close() })

	audio, err := OpenAudioSink(m.cfg.AudioDir, callID)
	if err != nil {
		return fail(fmt.Errorf("audio sink: %w", err))
	}
	undo = append(undo, func() { _ = audio.Close() })

	cfg := SessionConfig{
		CallID:       callID,
		Role:         role,
		CallType:     rec.CallType,
		LocalUserID:  m.self,
		RemoteUserID: rec.Peer(m.self),
		Peer:         peer,
		Stream:       stream,
		Signaler:     m.cfg.Signaler,
		Audio:        audio,
	}
	if m.cfg.Video != nil {
		cfg.Video = m.cfg.Video
	}
	sess, err := NewSession(cfg)
	if err != nil {
		return fail(err)
	}
	if err := sess.Start(); err != nil {
		// Start already tore the session down.
		_ = audio.Close()
		return nil, err
	}

	stopStatus, err := m.cfg.Records.SubscribeToStatus(context.Background(), callID, func(r records.CallRecord) {
		switch {
		case r.Status == records.StatusOngoing && role == Initiator:
			sess.Negotiate()
		case r.Status.Terminal():
			go sess.EndCall()
		}
	})
	if err != nil {
		sess.EndCall()
		_ = audio.Close()
		return nil, fmt.Errorf("%w: watch call status: %w", ErrSetup, err)
	}

	ac := &activeCall{
		rec:        rec,
		session:    sess,
		audio:      audio,
		stopStatus: stopStatus,
		ended:      make(chan struct{}),
	}
	if role == Initiator && m.cfg.RingTimeout > 0 {
		ringCtx, cancel := context.WithCancel(context.Background())
		ac.cancelRing = cancel
		go m.watchRing(ringCtx, callID)
	}

	m.mu.Lock()
	m.active = ac
	m.mu.Unlock()
	m.emit(EventStarted, rec, nil)

	go m.supervise(ac)
	return ac, nil
}

func (m *Manager) watchRing(ctx context.Context, callID string) {
	rec, err := m.cfg.Records.WatchRing(ctx, callID, m.cfg.RingTimeout)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Str("call", util.ShortID(callID)).Msg("call: ring watch")
		}
		return
	}
	if rec.Status == records.StatusMissed {
		log.Info().Str("call", util.ShortID(callID)).Msg("call: no answer")
	}
}

// supervise waits for the session to end, then closes the record and frees
// the slot.
func (m *Manager) supervise(ac *activeCall) {
	<-ac.session.Done()
	ac.stopStatus()
	if ac.cancelRing != nil {
		ac.cancelRing()
	}

	rec := m.endRecord(ac.rec.ID)
	if err := ac.audio.Close(); err != nil {
		log.Debug().Err(err).Msg("call: close audio sink")
	}
	if m.cfg.Video != nil && ac.rec.CallType == records.Video {
		m.cfg.Video.Detach()
	}

	m.mu.Lock()
	if m.active == ac {
		m.active = nil
	}
	m.mu.Unlock()

	if rec.ID == "" {
		rec = ac.rec
	}
	m.emit(EventEnded, rec, ac.session.Err())
	m.release()
	close(ac.ended)
}

// endRecord completes the record; a record that already ended is left alone.
func (m *Manager) endRecord(callID string) records.CallRecord {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultRequestTimeout)
	defer cancel()
	rec, err := m.cfg.Records.EndCall(ctx, callID)
	if err != nil {
		log.Warn().Err(err).Str("call", util.ShortID(callID)).Msg("call: end record")
	}
	return rec
}
