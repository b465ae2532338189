package viewer

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/petervdpas/goopcall/internal/util"
	"github.com/rs/zerolog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// LogEntry is one zerolog line. Call is the short call id the line was
// logged for, if any.
type LogEntry struct {
	TS     time.Time      `json:"ts"`
	Level  string         `json:"level,omitempty"`
	Call   string         `json:"call,omitempty"`
	Msg    string         `json:"msg"`
	Fields map[string]any `json:"fields,omitempty"`
}

// LogBuffer keeps the most recent log lines for the viewer. It is handed to
// util.SetupLogging as the extra writer and receives zerolog's JSON lines.
type LogBuffer struct {
	mu      sync.Mutex
	entries *util.RingBuffer[LogEntry]
	subs    map[chan LogEntry]struct{}
	partial bytes.Buffer
	now     func() time.Time
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		entries: util.NewRingBuffer[LogEntry](max),
		subs:    make(map[chan LogEntry]struct{}),
		now:     time.Now,
	}
}

// Write splits p into lines; a trailing partial line waits for the next call.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)
	for {
		data := b.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i == -1 {
			break
		}
		line := strings.TrimSpace(string(data[:i]))
		b.partial.Next(i + 1)
		if line == "" {
			continue
		}

		e := b.parse(line)
		b.entries.Push(e)
		for ch := range b.subs {
			select {
			case ch <- e:
			default:
			}
		}
	}
	return len(p), nil
}

// parse decodes a zerolog JSON line. Anything else is kept verbatim.
func (b *LogBuffer) parse(line string) LogEntry {
	e := LogEntry{TS: b.now(), Msg: line}
	if !strings.HasPrefix(line, "{") {
		return e
	}
	var raw map[string]any
	if err := json.UnmarshalFromString(line, &raw); err != nil {
		return e
	}

	take := func(key string) string {
		v, _ := raw[key].(string)
		delete(raw, key)
		return v
	}
	e.Msg = take(zerolog.MessageFieldName)
	e.Level = take(zerolog.LevelFieldName)
	e.Call = take("call")
	if ts, err := time.Parse(time.RFC3339, take(zerolog.TimestampFieldName)); err == nil {
		e.TS = ts
	}
	if len(raw) > 0 {
		e.Fields = raw
	}
	return e
}

func (b *LogBuffer) Snapshot() []LogEntry {
	return b.entries.Snapshot()
}

// Tail returns up to n of the newest entries.
func (b *LogBuffer) Tail(n int) []LogEntry {
	return b.entries.Last(n)
}

func (b *LogBuffer) Subscribe() (<-chan LogEntry, func()) {
	ch := make(chan LogEntry, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
}

// logFilter narrows the tail to one call and/or a minimum level.
type logFilter struct {
	call string
	min  zerolog.Level
}

func parseLogFilter(r *http.Request) (logFilter, error) {
	q := r.URL.Query()
	f := logFilter{call: q.Get("call"), min: zerolog.TraceLevel}
	if s := q.Get("level"); s != "" {
		lvl, err := zerolog.ParseLevel(s)
		if err != nil {
			return f, err
		}
		f.min = lvl
	}
	return f, nil
}

func (f logFilter) match(e LogEntry) bool {
	// Lines carry the short id; accept it or the full id.
	if f.call != "" && (e.Call == "" || !strings.HasPrefix(f.call, e.Call)) {
		return false
	}
	if e.Level != "" {
		if lvl, err := zerolog.ParseLevel(e.Level); err == nil && lvl < f.min {
			return false
		}
	}
	return true
}

// GET /api/logs[?n=100][&level=warn][&call=<id>]
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	f, err := parseLogFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n := -1
	if s := r.URL.Query().Get("n"); s != "" {
		if n, err = strconv.Atoi(s); err != nil || n < 0 {
			http.Error(w, "n must be a non-negative number", http.StatusBadRequest)
			return
		}
	}

	out := make([]LogEntry, 0)
	for _, e := range b.Snapshot() {
		if f.match(e) {
			out = append(out, e)
		}
	}
	if n >= 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(out)
}

// GET /api/logs/stream[?level=warn][&call=<id>] (Server-Sent Events), tail only
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	f, err := parseLogFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel := b.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !f.match(e) {
				continue
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("event: log\ndata: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
