package call

import (
	"sync"

	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/pion/webrtc/v4"
)

type eventKind int

const (
	evNegotiate eventKind = iota
	evSignal
	evLocalCandidate
	evRemoteTrack
	evConnectionState
	evToggleAudio
	evToggleVideo
	evHangup
	evFail
)

func (k eventKind) String() string {
	switch k {
	case evNegotiate:
		return "negotiate"
	case evSignal:
		return "signal"
	case evLocalCandidate:
		return "local-candidate"
	case evRemoteTrack:
		return "remote-track"
	case evConnectionState:
		return "connection-state"
	case evToggleAudio:
		return "toggle-audio"
	case evToggleVideo:
		return "toggle-video"
	case evHangup:
		return "hangup"
	case evFail:
		return "fail"
	}
	return "unknown"
}

// event is one input to the session state machine.
type event struct {
	kind      eventKind
	msg       signaling.Message
	candidate *webrtc.ICECandidate
	track     *webrtc.TrackRemote
	state     webrtc.PeerConnectionState
	err       error
	reply     chan bool
}

// eventQueue is an unbounded FIFO with a wake-up signal. Producers never
// block, so pion callbacks can enqueue from any goroutine.
type eventQueue struct {
	mu     sync.Mutex
	items  []event
	closed bool
	wake   chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{wake: make(chan struct{}, 1)}
}

// push reports false once the queue is closed.
func (q *eventQueue) push(e event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, e)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

func (q *eventQueue) pop() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return event{}, false
	}
	e := q.items[0]
	q.items[0] = event{}
	q.items = q.items[1:]
	return e, true
}

// close drops pending events and rejects new ones.
func (q *eventQueue) close() []event {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	rest := q.items
	q.items = nil
	return rest
}
