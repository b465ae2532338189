package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/records"
	"github.com/rs/zerolog/log"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	sseKeepalive        = 15 * time.Second
	mediaWriteTimeout   = 5 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
}

// originChecker applies the API's origin policy to websocket upgrades.
// Requests without an Origin header are not from a browser page. A nil
// allow falls back to gorilla's same-origin check.
func originChecker(allow func(origin string) bool) func(*http.Request) bool {
	if allow == nil {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allow(origin)
	}
}

// Calls is the call manager as seen by the HTTP API. *call.Manager
// satisfies it.
type Calls interface {
	StartCall(ctx context.Context, receiverID string, t records.CallType) (*call.Session, error)
	Accept(ctx context.Context, callID string) (*call.Session, error)
	Reject(ctx context.Context, callID string) error
	Hangup() error
	ToggleAudio() (bool, error)
	ToggleVideo() (bool, error)
	Active() (*call.Session, bool)
	Pending() []records.CallRecord
	History(ctx context.Context, limit int) ([]records.CallRecord, error)
	Subscribe() (<-chan call.Event, func())
}

// MediaSource streams the remote video as WebM messages.
// *call.VideoSurface satisfies it.
type MediaSource interface {
	Subscribe() (<-chan []byte, func())
}

// CallState is what /api/call/state reports: the active call, if any, and
// the calls ringing on this client.
type CallState struct {
	Active  *call.Snapshot       `json:"active"`
	Pending []records.CallRecord `json:"pending"`
}

type startRequest struct {
	ReceiverID string           `json:"receiver_id" validate:"required,max=128"`
	CallType   records.CallType `json:"call_type" validate:"omitempty,oneof=voice video"`
}

type callIDRequest struct {
	CallID string `json:"call_id" validate:"required,max=128"`
}

func snapshotOf(s *call.Session) *call.Snapshot {
	if s == nil {
		return nil
	}
	snap := s.Snapshot()
	return &snap
}

// RegisterCall registers the call API on mux. allowOrigin guards the media
// websocket, which CORS does not cover.
func RegisterCall(mux *http.ServeMux, calls Calls, video MediaSource, allowOrigin func(string) bool) {
	upgrader := wsUpgrader
	upgrader.CheckOrigin = originChecker(allowOrigin)

	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req startRequest) {
		t := req.CallType
		if t == "" {
			t = records.Voice
		}
		sess, err := calls.StartCall(r.Context(), req.ReceiverID, t)
		if err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, map[string]any{"status": "calling", "call": snapshotOf(sess)})
	})

	// POST /api/call/accept
	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, req callIDRequest) {
		sess, err := calls.Accept(r.Context(), req.CallID)
		if err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, map[string]any{"status": "accepted", "call": snapshotOf(sess)})
	})

	// POST /api/call/reject
	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, req callIDRequest) {
		if err := calls.Reject(r.Context(), req.CallID); err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "rejected", "call_id": req.CallID})
	})

	// POST /api/call/hangup
	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := calls.Hangup(); err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "ended"})
	})

	// POST /api/call/toggle-audio
	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		muted, err := calls.ToggleAudio()
		if err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	// POST /api/call/toggle-video
	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		off, err := calls.ToggleVideo()
		if err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"video_off": off})
	})

	// GET /api/call/history?limit=N
	handleGet(mux, "/api/call/history", func(w http.ResponseWriter, r *http.Request) {
		limit := defaultHistoryLimit
		if s := r.URL.Query().Get("limit"); s != "" {
			limit = atoiOrNeg(s)
			if limit <= 0 || limit > maxHistoryLimit {
				writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
				return
			}
		}
		recs, err := calls.History(r.Context(), limit)
		if err != nil {
			writeCallError(w, err)
			return
		}
		if recs == nil {
			recs = []records.CallRecord{}
		}
		writeJSON(w, recs)
	})

	// GET /api/call/state: SSE of CallState, one message per change.
	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		serveState(w, r, calls)
	})

	// GET /api/call/events: SSE of call.Event. Calls already ringing are
	// replayed as incoming events on connect.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming not supported")
			return
		}
		events, cancel := calls.Subscribe()
		defer cancel()

		sseHeaders(w)
		if writeSSE(w, flusher, "connected", map[string]string{"status": "ok"}) != nil {
			return
		}
		for _, rec := range calls.Pending() {
			if writeSSE(w, flusher, "call", call.Event{Kind: call.EventIncoming, Call: rec}) != nil {
				return
			}
		}

		ping := time.NewTicker(sseKeepalive)
		defer ping.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ping.C:
				if writeSSE(w, flusher, "ping", struct{}{}) != nil {
					return
				}
			case ev, ok := <-events:
				if !ok {
					return
				}
				if writeSSE(w, flusher, "call", ev) != nil {
					return
				}
			}
		}
	})

	// GET /api/call/media: websocket of binary WebM messages for a browser
	// MediaSource. The first message is the stream header.
	handleGet(mux, "/api/call/media", func(w http.ResponseWriter, r *http.Request) {
		if video == nil {
			writeError(w, http.StatusNotFound, "video is not enabled")
			return
		}
		serveMedia(w, r, &upgrader, video)
	})
}

func serveState(w http.ResponseWriter, r *http.Request, calls Calls) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	events, cancelEvents := calls.Subscribe()
	defer cancelEvents()

	var (
		snaps    <-chan call.Snapshot
		stopSnap = func() {}
		current  *call.Snapshot
	)
	defer func() { stopSnap() }()

	follow := func() {
		stopSnap()
		snaps, stopSnap = nil, func() {}
		if s, ok := calls.Active(); ok && s != nil {
			snaps, stopSnap = s.Subscribe()
		}
	}
	send := func() bool {
		return writeSSE(w, flusher, "state", CallState{Active: current, Pending: calls.Pending()}) == nil
	}

	sseHeaders(w)
	follow()
	if snaps == nil && !send() {
		return
	}

	ping := time.NewTicker(sseKeepalive)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			if writeSSE(w, flusher, "ping", struct{}{}) != nil {
				return
			}
		case snap, ok := <-snaps:
			if !ok {
				snaps = nil
				continue
			}
			current = &snap
			if !send() {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case call.EventStarted:
				follow()
				if snaps != nil {
					// the first snapshot of the new session is sent from its stream
					continue
				}
			case call.EventEnded:
				stopSnap()
				snaps, stopSnap = nil, func() {}
				current = nil
			}
			if !send() {
				return
			}
		}
	}
}

func serveMedia(w http.ResponseWriter, r *http.Request, upgrader *websocket.Upgrader, video MediaSource) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("viewer: media websocket upgrade")
		return
	}
	defer conn.Close()

	data, cancel := video.Subscribe()
	defer cancel()

	// The reader only exists to notice the browser going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	id := r.RemoteAddr
	log.Debug().Str("client", id).Msg("viewer: media websocket connected")
	defer log.Debug().Str("client", id).Msg("viewer: media websocket closed")

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case msg, ok := <-data:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(mediaWriteTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return
			}
		}
	}
}
