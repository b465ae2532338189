package records

import (
	"context"
	"errors"
	"fmt"

	"github.com/petervdpas/goopcall/internal/realtime"
)

// Relay methods served by Service and called by RemoteBackend.
const (
	MethodInsert = "record.insert"
	MethodGet    = "record.get"
	MethodUpdate = "record.update"
	MethodList   = "record.list"
)

// Wire codes for the sentinel errors of this package.
const (
	codeNotFound          = "not_found"
	codeConflict          = "conflict"
	codeInvalidTransition = "invalid_transition"
	codeInvalidRecord     = "invalid_record"
	codeForbidden         = "forbidden"
)

var codeErrors = map[string]error{
	codeNotFound:          ErrNotFound,
	codeConflict:          ErrConflict,
	codeInvalidTransition: ErrInvalidTransition,
	codeInvalidRecord:     ErrInvalidRecord,
	codeForbidden:         ErrForbidden,
}

// ErrorCode maps an error returned by Service handlers to its wire code.
func ErrorCode(err error) string {
	for code, sentinel := range codeErrors {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return realtime.CodeInternal
}

type getRequest struct {
	ID string `json:"id"`
}

type updateRequest struct {
	ID   string `json:"id"`
	From Status `json:"from"`
	To   Status `json:"to"`
}

type listRequest struct {
	Limit int `json:"limit"`
}

// RemoteBackend reaches the records of a relay over its websocket.
type RemoteBackend struct {
	client *realtime.Client
}

func NewRemoteBackend(c *realtime.Client) *RemoteBackend {
	return &RemoteBackend{client: c}
}

func (b *RemoteBackend) Insert(ctx context.Context, rec CallRecord) error {
	if err := rec.Check(); err != nil {
		return err
	}
	return b.call(ctx, MethodInsert, rec, nil)
}

func (b *RemoteBackend) Get(ctx context.Context, id string) (CallRecord, error) {
	var rec CallRecord
	err := b.call(ctx, MethodGet, getRequest{ID: id}, &rec)
	return rec, err
}

func (b *RemoteBackend) Transition(ctx context.Context, id string, from, to Status) (CallRecord, error) {
	var rec CallRecord
	err := b.call(ctx, MethodUpdate, updateRequest{ID: id, From: from, To: to}, &rec)
	return rec, err
}

// List ignores userID: the relay only lists calls of the authenticated user.
func (b *RemoteBackend) List(ctx context.Context, userID string, limit int) ([]CallRecord, error) {
	var recs []CallRecord
	err := b.call(ctx, MethodList, listRequest{Limit: limit}, &recs)
	return recs, err
}

func (b *RemoteBackend) Watch(ctx context.Context, userID string) (<-chan Change, func(), error) {
	ch, cancel, err := b.client.Subscribe(ctx, UserTopic(userID))
	if err != nil {
		return nil, nil, err
	}
	out, stop := decodeChanges(ctx, ch, cancel)
	return out, stop, nil
}

func (b *RemoteBackend) call(ctx context.Context, method string, in, out any) error {
	err := b.client.Request(ctx, method, in, out)
	var re *realtime.RemoteError
	if errors.As(err, &re) {
		if sentinel, ok := codeErrors[re.Code]; ok {
			return fmt.Errorf("%w: %s", sentinel, re.Message)
		}
	}
	return err
}
