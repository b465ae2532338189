// Package records owns the lifecycle of call records: who called whom, how
// the call went and when. Records are the ringing mechanism; the media layer
// never touches them directly.
package records

import (
	"errors"
	"fmt"
	"time"

	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/samber/lo"
)

type CallType string

const (
	Voice CallType = "voice"
	Video CallType = "video"
)

func (t CallType) Valid() bool { return t == Voice || t == Video }

type Status string

const (
	StatusCalling   Status = "calling"
	StatusRinging   Status = "ringing"
	StatusOngoing   Status = "ongoing"
	StatusRejected  Status = "rejected"
	StatusMissed    Status = "missed"
	StatusCompleted Status = "completed"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotFound          = errors.New("call record not found")
	ErrConflict          = errors.New("call record changed concurrently")
	ErrInvalidRecord     = errors.New("invalid call record")
	ErrForbidden         = errors.New("not a participant of this call")
)

// transitions lists the statuses reachable from each status. Terminal
// statuses have no entry.
var transitions = map[Status][]Status{
	StatusCalling: {StatusRinging, StatusOngoing, StatusRejected, StatusMissed, StatusCompleted},
	StatusRinging: {StatusOngoing, StatusRejected, StatusMissed, StatusCompleted},
	StatusOngoing: {StatusCompleted},
}

// Pending are the statuses of a call nobody has answered yet.
var Pending = []Status{StatusCalling, StatusRinging}

func (s Status) Valid() bool {
	switch s {
	case StatusCalling, StatusRinging, StatusOngoing, StatusRejected, StatusMissed, StatusCompleted:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusMissed || s == StatusCompleted
}

func (s Status) Pending() bool { return lo.Contains(Pending, s) }

// CanTransition reports whether a record may move from one status to another.
func CanTransition(from, to Status) bool {
	return lo.Contains(transitions[from], to)
}

// CallRecord describes one call attempt between exactly two participants.
type CallRecord struct {
	ID         string     `json:"id"`
	CallerID   string     `json:"caller_id"`
	ReceiverID string     `json:"receiver_id"`
	CallType   CallType   `json:"call_type"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// Peer returns the other participant from userID's point of view.
func (r CallRecord) Peer(userID string) string {
	if r.CallerID == userID {
		return r.ReceiverID
	}
	return r.CallerID
}

func (r CallRecord) Involves(userID string) bool {
	return r.CallerID == userID || r.ReceiverID == userID
}

// Duration is the time spent connected, zero if the call never started.
func (r CallRecord) Duration() time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	end := r.UpdatedAt
	if r.EndedAt != nil {
		end = *r.EndedAt
	}
	return end.Sub(*r.StartedAt)
}

// Check validates a freshly created record.
func (r CallRecord) Check() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	case r.CallerID == "" || r.ReceiverID == "":
		return fmt.Errorf("%w: both participants are required", ErrInvalidRecord)
	case r.CallerID == r.ReceiverID:
		return fmt.Errorf("%w: caller and receiver must differ", ErrInvalidRecord)
	case !r.CallType.Valid():
		return fmt.Errorf("%w: call type %q", ErrInvalidRecord, r.CallType)
	case r.Status != StatusCalling:
		return fmt.Errorf("%w: new calls start as %s", ErrInvalidRecord, StatusCalling)
	case r.EndedAt != nil || r.StartedAt != nil:
		return fmt.Errorf("%w: new calls carry no start or end time", ErrInvalidRecord)
	}
	return nil
}

// advance returns r moved to status to at time at. StartedAt is stamped when
// the call goes ongoing and EndedAt exactly when it reaches a terminal status.
func (r CallRecord) advance(to Status, at time.Time) (CallRecord, error) {
	if !CanTransition(r.Status, to) {
		return r, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	next := r
	next.Status = to
	next.UpdatedAt = at
	if to == StatusOngoing {
		next.StartedAt = lo.ToPtr(at)
	}
	if to.Terminal() {
		next.EndedAt = lo.ToPtr(at)
	}
	return next, nil
}

func toRow(r CallRecord) storage.CallRow {
	return storage.CallRow{
		ID:         r.ID,
		CallerID:   r.CallerID,
		ReceiverID: r.ReceiverID,
		CallType:   string(r.CallType),
		Status:     string(r.Status),
		CreatedAt:  r.CreatedAt.UnixMilli(),
		UpdatedAt:  r.UpdatedAt.UnixMilli(),
		StartedAt:  millisPtr(r.StartedAt),
		EndedAt:    millisPtr(r.EndedAt),
	}
}

func fromRow(row storage.CallRow) CallRecord {
	return CallRecord{
		ID:         row.ID,
		CallerID:   row.CallerID,
		ReceiverID: row.ReceiverID,
		CallType:   CallType(row.CallType),
		Status:     Status(row.Status),
		CreatedAt:  time.UnixMilli(row.CreatedAt),
		UpdatedAt:  time.UnixMilli(row.UpdatedAt),
		StartedAt:  timePtr(row.StartedAt),
		EndedAt:    timePtr(row.EndedAt),
	}
}

func millisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	return lo.ToPtr(t.UnixMilli())
}

func timePtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	return lo.ToPtr(time.UnixMilli(*ms))
}
