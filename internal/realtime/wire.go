package realtime

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// Frame ops exchanged between Client and Server.
const (
	opSubscribe   = "sub"
	opUnsubscribe = "unsub"
	opPublish     = "pub"
	opEvent       = "event"
	opRequest     = "req"
	opResponse    = "res"
)

// frame is the single JSON object sent in every websocket text message.
// Requests (sub, pub, req) carry an ID that the matching res echoes.
type frame struct {
	Op      string              `json:"op"`
	ID      string              `json:"id,omitempty"`
	Topic   string              `json:"topic,omitempty"`
	From    string              `json:"from,omitempty"`
	Method  string              `json:"method,omitempty"`
	Payload jsoniter.RawMessage `json:"payload,omitempty"`
	Error   string              `json:"error,omitempty"`
	Code    string              `json:"code,omitempty"`
}

func encodeFrame(f frame) ([]byte, error) {
	return json.Marshal(f)
}

func decodeFrame(b []byte) (frame, error) {
	var f frame
	if err := json.Unmarshal(b, &f); err != nil {
		return frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Op == "" {
		return frame{}, errors.New("decode frame: missing op")
	}
	return f, nil
}

// RemoteError is a failed request as reported by the relay.
type RemoteError struct {
	Method  string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("relay %s: %s (%s)", e.Method, e.Message, e.Code)
	}
	return fmt.Sprintf("relay %s: %s", e.Method, e.Message)
}

// Error codes the server uses for failures not produced by a handler.
const (
	CodeBadRequest    = "bad_request"
	CodeUnknownMethod = "unknown_method"
	CodeInternal      = "internal"
)
