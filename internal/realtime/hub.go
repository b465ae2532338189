// Package realtime is the publish/subscribe layer calls are signaled over:
// an in-process Hub, a websocket relay Server exposing a Hub to remote
// clients, and the matching Client. Both Hub views and Client satisfy Broker.
package realtime

import (
	"context"
	"errors"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrClosed is returned by brokers that have been shut down.
var ErrClosed = errors.New("realtime: closed")

// listenerBuffer bounds each subscriber's queue. Slow subscribers lose
// envelopes rather than stalling the publisher.
const listenerBuffer = 256

// Envelope is a message delivered on a topic.
type Envelope struct {
	Topic   string              `json:"topic"`
	From    string              `json:"from"`
	Payload jsoniter.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Broker is the surface signaling and record watchers need from the
// realtime layer.
type Broker interface {
	Subscribe(ctx context.Context, topic string) (<-chan Envelope, func(), error)
	Publish(ctx context.Context, topic string, payload any) error
}

// Hub fans envelopes out to per-topic listeners.
type Hub struct {
	mu        sync.RWMutex
	listeners map[string]map[chan Envelope]struct{} // topic -> listeners
	closed    bool
}

func NewHub() *Hub {
	return &Hub{listeners: make(map[string]map[chan Envelope]struct{})}
}

// Subscribe returns a channel that receives envelopes published on topic.
func (h *Hub) Subscribe(topic string) (ch chan Envelope, cancel func(), err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, nil, ErrClosed
	}

	ch = make(chan Envelope, listenerBuffer)
	set, ok := h.listeners[topic]
	if !ok {
		set = make(map[chan Envelope]struct{})
		h.listeners[topic] = set
	}
	set[ch] = struct{}{}

	cancel = func() {
		h.mu.Lock()
		if set, ok := h.listeners[topic]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(h.listeners, topic)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel, nil
}

// Publish delivers env to every listener of env.Topic without blocking.
func (h *Hub) Publish(env Envelope) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}
	for ch := range h.listeners[env.Topic] {
		select {
		case ch <- env:
		default:
			log.Warn().Str("topic", env.Topic).Str("from", env.From).Msg("realtime: listener full, dropping envelope")
		}
	}
	return nil
}

// Listeners reports how many subscribers a topic has.
func (h *Hub) Listeners(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners[topic])
}

// Close shuts down the hub and closes all listener channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, set := range h.listeners {
		for ch := range set {
			close(ch)
		}
	}
	h.listeners = nil
}

// As returns a Broker view of the hub that stamps From with userID.
func (h *Hub) As(userID string) Broker {
	return hubBroker{hub: h, from: userID}
}

type hubBroker struct {
	hub  *Hub
	from string
}

func (b hubBroker) Subscribe(ctx context.Context, topic string) (<-chan Envelope, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	ch, cancel, err := b.hub.Subscribe(topic)
	if err != nil {
		return nil, nil, err
	}
	return ch, cancel, nil
}

func (b hubBroker) Publish(ctx context.Context, topic string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return b.hub.Publish(Envelope{Topic: topic, From: b.from, Payload: raw})
}
