package realtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	sendBuffer     = 256
	defaultMaxSize = 1 << 20
)

// RequestFunc serves one request method. The result is encoded as the
// response payload; an error is reported to the caller with the code chosen
// by the server's error coder.
type RequestFunc func(ctx context.Context, userID string, payload jsoniter.RawMessage) (any, error)

type ServerOption func(*Server)

// WithMaxMessageBytes limits the size of a single inbound frame.
func WithMaxMessageBytes(n int64) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxMessage = n
		}
	}
}

// TopicGuard vets a subscribe (publish=false) or publish on topic by userID.
type TopicGuard func(userID string, publish bool, topic string) error

// WithTopicGuard installs fn in front of the hub.
func WithTopicGuard(fn TopicGuard) ServerOption {
	return func(s *Server) { s.guard = fn }
}

// WithErrorCoder maps handler errors to wire codes.
func WithErrorCoder(fn func(error) string) ServerOption {
	return func(s *Server) { s.errCode = fn }
}

// Server exposes a Hub over websockets. Every connection is bound to the
// user resolved by the Authenticator and every envelope it publishes is
// stamped with that user.
type Server struct {
	hub        *Hub
	auth       Authenticator
	upgrader   websocket.Upgrader
	maxMessage int64
	errCode    func(error) string
	guard      TopicGuard

	mu      sync.RWMutex
	methods map[string]RequestFunc
	conns   map[*serverConn]struct{}
}

func NewServer(hub *Hub, auth Authenticator, opts ...ServerOption) *Server {
	s := &Server{
		hub:  hub,
		auth: auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		maxMessage: defaultMaxSize,
		errCode:    func(error) string { return CodeInternal },
		methods:    make(map[string]RequestFunc),
		conns:      make(map[*serverConn]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Server) Hub() *Hub { return s.hub }

// Handle registers fn for method, replacing any previous handler.
func (s *Server) Handle(method string, fn RequestFunc) {
	s.mu.Lock()
	s.methods[method] = fn
	s.mu.Unlock()
}

// Connections reports the number of live websocket clients.
func (s *Server) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("relay: upgrade failed")
		return
	}
	ws.SetReadLimit(s.maxMessage)

	ctx, cancel := context.WithCancel(context.Background())
	c := &serverConn{
		srv:    s,
		ws:     ws,
		userID: userID,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		subs:   make(map[string]func()),
		ctx:    ctx,
		cancel: cancel,
	}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	log.Info().Str("user", userID).Str("remote", r.RemoteAddr).Msg("relay: client connected")

	go c.writeLoop()
	c.readLoop()
}

// Close drops every connection.
func (s *Server) Close() {
	s.mu.RLock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()
	for _, c := range conns {
		c.close()
	}
}

func (s *Server) method(name string) (RequestFunc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.methods[name]
	return fn, ok
}

type serverConn struct {
	srv    *Server
	ws     *websocket.Conn
	userID string
	send   chan []byte
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	subs      map[string]func()
	closeOnce sync.Once
}

func (c *serverConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()

		c.mu.Lock()
		for topic, cancel := range c.subs {
			cancel()
			delete(c.subs, topic)
		}
		c.mu.Unlock()

		_ = c.ws.Close()

		c.srv.mu.Lock()
		delete(c.srv.conns, c)
		c.srv.mu.Unlock()

		log.Info().Str("user", c.userID).Msg("relay: client disconnected")
	})
}

func (c *serverConn) enqueue(f frame) {
	b, err := encodeFrame(f)
	if err != nil {
		log.Error().Err(err).Str("op", f.Op).Msg("relay: encode frame")
		return
	}
	select {
	case c.send <- b:
	case <-c.done:
	}
}

func (c *serverConn) reply(id string, payload any, err error) {
	if id == "" {
		return
	}
	res := frame{Op: opResponse, ID: id}
	if err != nil {
		res.Error = err.Error()
		if IsBadRequest(err) {
			res.Code = CodeBadRequest
		} else {
			res.Code = c.srv.errCode(err)
		}
		c.enqueue(res)
		return
	}
	if payload != nil {
		raw, merr := json.Marshal(payload)
		if merr != nil {
			res.Error = merr.Error()
			res.Code = CodeInternal
			c.enqueue(res)
			return
		}
		res.Payload = raw
	}
	c.enqueue(res)
}

func (c *serverConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case b := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *serverConn) readLoop() {
	defer c.close()

	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("user", c.userID).Msg("relay: read")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		f, err := decodeFrame(data)
		if err != nil {
			c.enqueue(frame{Op: opResponse, Error: err.Error(), Code: CodeBadRequest})
			continue
		}
		c.handle(f)
	}
}

func (c *serverConn) handle(f frame) {
	switch f.Op {
	case opSubscribe:
		c.reply(f.ID, nil, c.subscribe(f.Topic))

	case opUnsubscribe:
		c.unsubscribe(f.Topic)
		c.reply(f.ID, nil, nil)

	case opPublish:
		if f.Topic == "" {
			c.reply(f.ID, nil, errBadRequest("missing topic"))
			return
		}
		if c.srv.guard != nil {
			if err := c.srv.guard(c.userID, true, f.Topic); err != nil {
				c.reply(f.ID, nil, err)
				return
			}
		}
		err := c.srv.hub.Publish(Envelope{Topic: f.Topic, From: c.userID, Payload: f.Payload})
		c.reply(f.ID, nil, err)

	case opRequest:
		fn, ok := c.srv.method(f.Method)
		if !ok {
			c.enqueue(frame{Op: opResponse, ID: f.ID, Error: "unknown method " + f.Method, Code: CodeUnknownMethod})
			return
		}
		// Handlers may block on storage; keep the read loop free.
		go func() {
			out, err := fn(c.ctx, c.userID, f.Payload)
			c.reply(f.ID, out, err)
		}()

	default:
		c.reply(f.ID, nil, errBadRequest("unknown op "+f.Op))
	}
}

func (c *serverConn) subscribe(topic string) error {
	if topic == "" {
		return errBadRequest("missing topic")
	}
	if c.srv.guard != nil {
		if err := c.srv.guard(c.userID, false, topic); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[topic]; ok {
		return nil
	}
	ch, cancel, err := c.srv.hub.Subscribe(topic)
	if err != nil {
		return err
	}
	c.subs[topic] = cancel

	go func() {
		for env := range ch {
			c.enqueue(frame{Op: opEvent, Topic: env.Topic, From: env.From, Payload: env.Payload})
		}
	}()
	return nil
}

func (c *serverConn) unsubscribe(topic string) {
	c.mu.Lock()
	cancel, ok := c.subs[topic]
	delete(c.subs, topic)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

type badRequestError struct{ msg string }

func (e badRequestError) Error() string { return e.msg }

func errBadRequest(msg string) error { return badRequestError{msg: msg} }

// IsBadRequest reports whether err was produced for a malformed frame.
func IsBadRequest(err error) bool {
	var br badRequestError
	return errors.As(err, &br)
}
