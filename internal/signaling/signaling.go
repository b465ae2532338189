// Package signaling carries offers, answers and ICE candidates between the
// two participants of a call over a realtime broker, one topic per call.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/petervdpas/goopcall/internal/realtime"
	"github.com/petervdpas/goopcall/internal/util"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	// ErrChannelUnavailable means the broker could not establish the
	// subscription or accept a message.
	ErrChannelUnavailable = errors.New("signaling channel unavailable")
	// ErrNotSubscribed is returned when using a call channel that was never
	// subscribed or has been released.
	ErrNotSubscribed = errors.New("signaling channel not subscribed")
)

type Type string

const (
	TypeOffer     Type = "offer"
	TypeAnswer    Type = "answer"
	TypeCandidate Type = "ice-candidate"
	// TypeHangup tells the other participant the call was ended on purpose.
	TypeHangup Type = "hangup"
)

// Message is one signaling payload. SDP is set for offers and answers,
// Candidate for ice-candidate messages. Hangup messages carry nothing.
type Message struct {
	ID        string                     `json:"id"`
	Type      Type                       `json:"type"`
	From      string                     `json:"from"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

func (m Message) Validate() error {
	switch m.Type {
	case TypeOffer, TypeAnswer:
		if m.SDP == nil || m.SDP.SDP == "" {
			return fmt.Errorf("%s without sdp", m.Type)
		}
	case TypeCandidate:
		if m.Candidate == nil {
			return errors.New("ice-candidate without candidate")
		}
	case TypeHangup:
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// Topic is the broker topic of a call's signaling channel.
func Topic(callID string) string { return "call:" + callID }

// Adapter multiplexes per-call signaling channels over one broker.
type Adapter struct {
	broker realtime.Broker
	self   string

	mu       sync.Mutex
	channels map[string]*channel
}

func New(b realtime.Broker, self string) *Adapter {
	return &Adapter{broker: b, self: self, channels: make(map[string]*channel)}
}

// Subscribe opens the channel of callID. Subscribing twice is a no-op.
func (a *Adapter) Subscribe(ctx context.Context, callID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.channels[callID]; ok {
		return nil
	}

	in, cancel, err := a.broker.Subscribe(ctx, Topic(callID))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrChannelUnavailable, util.ShortID(callID), err)
	}
	ch := newChannel(callID, a.self, cancel)
	a.channels[callID] = ch
	go ch.pump(in)
	go ch.deliver()
	return nil
}

// Send publishes m on callID's channel. Delivery is not acknowledged.
// ID and From are filled in when empty.
func (a *Adapter) Send(ctx context.Context, callID string, m Message) error {
	if _, ok := a.channel(callID); !ok {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, util.ShortID(callID))
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.From == "" {
		m.From = a.self
	}
	if err := m.Validate(); err != nil {
		return err
	}
	if err := a.broker.Publish(ctx, Topic(callID), m); err != nil {
		return fmt.Errorf("%w: send %s: %v", ErrChannelUnavailable, m.Type, err)
	}
	return nil
}

// OnMessage registers handler for callID. Handlers run one message at a time
// in arrival order. Messages received before the first handler is registered
// are held until it is.
func (a *Adapter) OnMessage(callID string, handler func(Message)) error {
	ch, ok := a.channel(callID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, util.ShortID(callID))
	}
	ch.addHandler(handler)
	return nil
}

// Unsubscribe releases callID's channel. It is idempotent; once it returns
// no further message is handed to the channel's handlers.
func (a *Adapter) Unsubscribe(callID string) {
	a.mu.Lock()
	ch, ok := a.channels[callID]
	delete(a.channels, callID)
	a.mu.Unlock()
	if ok {
		ch.close()
	}
}

// Subscribed reports whether callID currently has an open channel.
func (a *Adapter) Subscribed(callID string) bool {
	_, ok := a.channel(callID)
	return ok
}

func (a *Adapter) channel(callID string) (*channel, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.channels[callID]
	return ch, ok
}

// channel holds one call's inbound queue. pump moves envelopes from the
// broker into the queue, dropping echoes and duplicates; deliver drains the
// queue into the handlers.
type channel struct {
	callID string
	self   string
	cancel func()

	mu       sync.Mutex
	queue    []Message
	handlers []func(Message)
	seen     map[string]struct{}
	closed   bool
	wake     chan struct{}
	done     chan struct{}
	once     sync.Once
}

func newChannel(callID, self string, cancel func()) *channel {
	return &channel{
		callID: callID,
		self:   self,
		cancel: cancel,
		seen:   make(map[string]struct{}),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (c *channel) pump(in <-chan realtime.Envelope) {
	for env := range in {
		var m Message
		if err := env.Decode(&m); err != nil {
			log.Warn().Err(err).Str("call", util.ShortID(c.callID)).Msg("signaling: undecodable message")
			continue
		}
		if m.From == "" {
			m.From = env.From
		}
		if m.From == c.self || env.From == c.self {
			continue
		}
		if err := m.Validate(); err != nil {
			log.Warn().Err(err).Str("call", util.ShortID(c.callID)).Str("from", m.From).Msg("signaling: invalid message")
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		if m.ID != "" {
			if _, dup := c.seen[m.ID]; dup {
				c.mu.Unlock()
				log.Debug().Str("call", util.ShortID(c.callID)).Str("id", util.ShortID(m.ID)).Msg("signaling: duplicate dropped")
				continue
			}
			c.seen[m.ID] = struct{}{}
		}
		c.queue = append(c.queue, m)
		c.mu.Unlock()
		c.notify()
	}

	select {
	case <-c.done:
	default:
		log.Warn().Str("call", util.ShortID(c.callID)).Msg("signaling: broker closed the channel")
	}
}

func (c *channel) deliver() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}
		for {
			c.mu.Lock()
			if c.closed || len(c.queue) == 0 || len(c.handlers) == 0 {
				c.mu.Unlock()
				break
			}
			m := c.queue[0]
			c.queue = c.queue[1:]
			handlers := slices.Clone(c.handlers)
			c.mu.Unlock()

			for _, h := range handlers {
				if c.isClosed() {
					return
				}
				h(m)
			}
		}
	}
}

func (c *channel) addHandler(h func(Message)) {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
	c.notify()
}

func (c *channel) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *channel) close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.queue = nil
		c.handlers = nil
		c.mu.Unlock()
		close(c.done)
		c.cancel()
	})
}
