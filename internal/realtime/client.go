package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/petervdpas/goopcall/internal/util"
	"github.com/rs/zerolog/log"
)

// ErrTimeout is returned when the relay does not answer a request in time.
var ErrTimeout = errors.New("realtime: request timed out")

// Client is a websocket connection to a relay Server. It multiplexes any
// number of local subscribers onto one relay subscription per topic.
type Client struct {
	ws      *websocket.Conn
	userID  string
	timeout time.Duration

	writeMu sync.Mutex

	// Pending replies: request ID -> channel receiving the matching res frame.
	pendingMu sync.Mutex
	pending   map[string]chan frame

	subsMu sync.Mutex
	subs   map[string]*topicSub

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// topicSub is the relay subscription behind a topic's local listeners.
type topicSub struct {
	listeners map[chan Envelope]struct{}
	ready     chan struct{} // closed once the relay answered the sub frame
	err       error
}

type DialOptions struct {
	UserID string
	// Token is sent as a bearer token. Relays without a JWT secret trust
	// UserID instead.
	Token          string
	RequestTimeout time.Duration
}

// Dial connects to the relay at url.
func Dial(ctx context.Context, url string, opts DialOptions) (*Client, error) {
	hdr := http.Header{}
	if opts.Token != "" {
		hdr.Set("Authorization", "Bearer "+opts.Token)
	}
	if opts.UserID != "" {
		hdr.Set(UserHeader, opts.UserID)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = util.DefaultRequestTimeout
	}

	dialer := websocket.Dialer{HandshakeTimeout: util.DefaultDialTimeout}
	ws, resp, err := dialer.DialContext(ctx, url, hdr)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dial relay: %w", ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	c := &Client{
		ws:      ws,
		userID:  opts.UserID,
		timeout: opts.RequestTimeout,
		pending: make(map[string]chan frame),
		subs:    make(map[string]*topicSub),
		done:    make(chan struct{}),
	}
	ws.SetPingHandler(func(data string) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	go c.readLoop()
	return c, nil
}

func (c *Client) UserID() string { return c.userID }

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection closed, if it did.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.closeErr = cause
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
		close(c.done)

		c.subsMu.Lock()
		for topic, ts := range c.subs {
			for ch := range ts.listeners {
				close(ch)
			}
			ts.listeners = nil
			delete(c.subs, topic)
		}
		c.subsMu.Unlock()
	})
}

func (c *Client) write(f frame) error {
	b, err := encodeFrame(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// roundTrip sends f with a fresh ID and waits for the relay's reply.
func (c *Client) roundTrip(ctx context.Context, f frame) (frame, error) {
	f.ID = uuid.NewString()

	// Register the reply channel before writing so a fast reply is not lost.
	ch := make(chan frame, 1)
	c.pendingMu.Lock()
	c.pending[f.ID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, f.ID)
		c.pendingMu.Unlock()
	}()

	if err := c.write(f); err != nil {
		return frame{}, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Error != "" {
			method := f.Method
			if method == "" {
				method = f.Op
			}
			return res, &RemoteError{Method: method, Code: res.Code, Message: res.Error}
		}
		return res, nil
	case <-timer.C:
		return frame{}, fmt.Errorf("%s %s: %w", f.Op, f.Method, ErrTimeout)
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case <-c.done:
		return frame{}, ErrClosed
	}
}

// Request calls method on the relay and decodes the reply into out (if non-nil).
func (c *Client) Request(ctx context.Context, method string, in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	res, err := c.roundTrip(ctx, frame{Op: opRequest, Method: method, Payload: raw})
	if err != nil {
		return err
	}
	if out == nil || len(res.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(res.Payload, out)
}

// Subscribe returns once the relay has confirmed the subscription. Later
// subscribers to a topic wait for the first one's confirmation and share
// its outcome.
func (c *Client) Subscribe(ctx context.Context, topic string) (<-chan Envelope, func(), error) {
	ch := make(chan Envelope, listenerBuffer)

	c.subsMu.Lock()
	ts, existing := c.subs[topic]
	if !existing {
		ts = &topicSub{listeners: make(map[chan Envelope]struct{}), ready: make(chan struct{})}
		c.subs[topic] = ts
	}
	ts.listeners[ch] = struct{}{}
	c.subsMu.Unlock()

	if !existing {
		_, err := c.roundTrip(ctx, frame{Op: opSubscribe, Topic: topic})
		c.subsMu.Lock()
		ts.err = err
		if err != nil && c.subs[topic] == ts {
			delete(c.subs, topic)
		}
		close(ts.ready)
		c.subsMu.Unlock()
	}

	select {
	case <-ts.ready:
	case <-ctx.Done():
		c.removeListener(topic, ts, ch)
		return nil, nil, ctx.Err()
	case <-c.done:
		return nil, nil, ErrClosed
	}
	if ts.err != nil {
		c.removeListener(topic, ts, ch)
		return nil, nil, ts.err
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() { c.removeListener(topic, ts, ch) })
	}
	return ch, cancel, nil
}

// removeListener drops ch from ts. When ch was the last listener of the
// topic's confirmed subscription the relay is told to unsubscribe, under
// subsMu so that a new sub frame for topic can only follow the unsub.
func (c *Client) removeListener(topic string, ts *topicSub, ch chan Envelope) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if _, ok := ts.listeners[ch]; !ok {
		return
	}
	delete(ts.listeners, ch)
	close(ch)
	if len(ts.listeners) > 0 || c.subs[topic] != ts {
		return
	}
	delete(c.subs, topic)
	if err := c.write(frame{Op: opUnsubscribe, Topic: topic}); err != nil && !errors.Is(err, ErrClosed) {
		log.Debug().Err(err).Str("topic", topic).Msg("realtime: unsubscribe")
	}
}

// Publish waits for the relay to accept the envelope; delivery to other
// clients is not acknowledged.
func (c *Client) Publish(ctx context.Context, topic string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = c.roundTrip(ctx, frame{Op: opPublish, Topic: topic, Payload: raw})
	return err
}

func (c *Client) readLoop() {
	var cause error = ErrClosed
	defer func() { c.shutdown(cause) }()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Warn().Err(err).Msg("realtime: relay connection lost")
				cause = fmt.Errorf("%w: %v", ErrClosed, err)
			}
			return
		}
		f, err := decodeFrame(data)
		if err != nil {
			log.Warn().Err(err).Msg("realtime: dropping frame")
			continue
		}

		switch f.Op {
		case opResponse:
			c.pendingMu.Lock()
			ch, ok := c.pending[f.ID]
			c.pendingMu.Unlock()
			if ok {
				select {
				case ch <- f:
				default:
				}
			} else if f.Error != "" {
				log.Warn().Str("code", f.Code).Str("error", f.Error).Msg("realtime: unsolicited error from relay")
			}

		case opEvent:
			env := Envelope{Topic: f.Topic, From: f.From, Payload: f.Payload}
			c.subsMu.Lock()
			var listeners map[chan Envelope]struct{}
			if ts, ok := c.subs[f.Topic]; ok {
				listeners = ts.listeners
			}
			for ch := range listeners {
				select {
				case ch <- env:
				default:
					log.Warn().Str("topic", f.Topic).Msg("realtime: listener full, dropping envelope")
				}
			}
			c.subsMu.Unlock()
		}
	}
}
