package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// maxConflictRetries bounds how often a status update is retried after
// losing a compare-and-set against the other participant.
const maxConflictRetries = 3

// Lifecycle is one user's view of the call records.
type Lifecycle struct {
	backend Backend
	self    string
	now     clock
}

func NewLifecycle(b Backend, self string) *Lifecycle {
	return &Lifecycle{backend: b, self: self, now: time.Now}
}

func (l *Lifecycle) Self() string { return l.self }

// CreateCall inserts a new record in status calling. Its id scopes the
// signaling channel of the call.
func (l *Lifecycle) CreateCall(ctx context.Context, callerID, receiverID string, t CallType) (CallRecord, error) {
	now := l.now()
	rec := CallRecord{
		ID:         uuid.NewString(),
		CallerID:   callerID,
		ReceiverID: receiverID,
		CallType:   t,
		Status:     StatusCalling,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := l.backend.Insert(ctx, rec); err != nil {
		return CallRecord{}, err
	}
	log.Debug().Str("call", rec.ID).Str("receiver", receiverID).Str("type", string(t)).Msg("records: call created")
	return rec, nil
}

func (l *Lifecycle) Get(ctx context.Context, id string) (CallRecord, error) {
	return l.backend.Get(ctx, id)
}

// History lists the newest calls of the local user.
func (l *Lifecycle) History(ctx context.Context, limit int) ([]CallRecord, error) {
	return l.backend.List(ctx, l.self, limit)
}

// UpdateStatus moves the record to status to. Regressions and moves out of a
// terminal status fail with ErrInvalidTransition.
func (l *Lifecycle) UpdateStatus(ctx context.Context, id string, to Status) (CallRecord, error) {
	if !to.Valid() {
		return CallRecord{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	var lastErr error
	for range maxConflictRetries {
		cur, err := l.backend.Get(ctx, id)
		if err != nil {
			return CallRecord{}, err
		}
		if !CanTransition(cur.Status, to) {
			return cur, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, to)
		}
		rec, err := l.backend.Transition(ctx, id, cur.Status, to)
		if errors.Is(err, ErrConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return rec, err
		}
		return rec, nil
	}
	return CallRecord{}, lastErr
}

func (l *Lifecycle) MarkRinging(ctx context.Context, id string) (CallRecord, error) {
	return l.UpdateStatus(ctx, id, StatusRinging)
}

func (l *Lifecycle) Accept(ctx context.Context, id string) (CallRecord, error) {
	return l.UpdateStatus(ctx, id, StatusOngoing)
}

func (l *Lifecycle) Reject(ctx context.Context, id string) (CallRecord, error) {
	return l.UpdateStatus(ctx, id, StatusRejected)
}

func (l *Lifecycle) MarkMissed(ctx context.Context, id string) (CallRecord, error) {
	return l.UpdateStatus(ctx, id, StatusMissed)
}

// EndCall completes the call. It is a no-op on records that already reached
// a terminal status, so every termination path may call it.
func (l *Lifecycle) EndCall(ctx context.Context, id string) (CallRecord, error) {
	rec, err := l.UpdateStatus(ctx, id, StatusCompleted)
	if errors.Is(err, ErrInvalidTransition) && rec.Status.Terminal() {
		return rec, nil
	}
	return rec, err
}

// SubscribeToStatus calls handler, in order, for every status change of the
// call. If the record already left calling when the subscription is set up,
// handler is called once with its current state.
func (l *Lifecycle) SubscribeToStatus(ctx context.Context, id string, handler func(CallRecord)) (func(), error) {
	changes, cancel, err := l.backend.Watch(ctx, l.self)
	if err != nil {
		return nil, err
	}

	cur, err := l.backend.Get(ctx, id)
	if err != nil {
		cancel()
		return nil, err
	}

	go func() {
		last := cur.Status
		if last != StatusCalling {
			handler(cur)
		}
		for c := range changes {
			// Changes older than the initial read replay statuses the
			// record already moved past.
			if c.Record.ID != id || c.Previous == "" || !CanTransition(last, c.Record.Status) {
				continue
			}
			last = c.Record.Status
			handler(c.Record)
		}
	}()
	return cancel, nil
}

// SubscribeIncoming calls handler for every new call addressed to the local user.
func (l *Lifecycle) SubscribeIncoming(ctx context.Context, handler func(CallRecord)) (func(), error) {
	changes, cancel, err := l.backend.Watch(ctx, l.self)
	if err != nil {
		return nil, err
	}
	go func() {
		for c := range changes {
			if c.Previous == "" && c.Record.ReceiverID == l.self {
				handler(c.Record)
			}
		}
	}()
	return cancel, nil
}

// WatchRing marks the call missed if nobody answers it within timeout. It
// returns the record once it left calling/ringing, or ctx's error.
func (l *Lifecycle) WatchRing(ctx context.Context, id string, timeout time.Duration) (CallRecord, error) {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	answered := make(chan CallRecord, 1)
	cancel, err := l.SubscribeToStatus(ctx, id, func(rec CallRecord) {
		if !rec.Status.Pending() {
			select {
			case answered <- rec:
			default:
			}
		}
	})
	if err != nil {
		return CallRecord{}, err
	}
	defer cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case rec := <-answered:
		return rec, nil
	case <-ctx.Done():
		return CallRecord{}, ctx.Err()
	case <-timer.C:
	}

	rec, err := l.MarkMissed(ctx, id)
	if errors.Is(err, ErrInvalidTransition) {
		// Answered or ended while the timer fired.
		return rec, nil
	}
	if err != nil {
		return rec, err
	}
	log.Info().Str("call", id).Dur("after", timeout).Msg("records: call missed")
	return rec, nil
}
