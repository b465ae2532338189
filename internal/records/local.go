package records

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/petervdpas/goopcall/internal/realtime"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// LocalBackend keeps records in sqlite and announces changes on a hub.
type LocalBackend struct {
	db  *storage.DB
	hub *realtime.Hub
	now clock
}

func NewLocalBackend(db *storage.DB, hub *realtime.Hub) *LocalBackend {
	return &LocalBackend{db: db, hub: hub, now: time.Now}
}

func (b *LocalBackend) Insert(ctx context.Context, rec CallRecord) error {
	if err := rec.Check(); err != nil {
		return err
	}
	if err := b.db.InsertCall(toRow(rec)); err != nil {
		return fmt.Errorf("insert call %s: %w", rec.ID, err)
	}
	b.announce(Change{Record: rec})
	return nil
}

func (b *LocalBackend) Get(ctx context.Context, id string) (CallRecord, error) {
	row, err := b.db.GetCall(id)
	if errors.Is(err, storage.ErrNotFound) {
		return CallRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return CallRecord{}, err
	}
	return fromRow(row), nil
}

func (b *LocalBackend) Transition(ctx context.Context, id string, from, to Status) (CallRecord, error) {
	cur, err := b.Get(ctx, id)
	if err != nil {
		return CallRecord{}, err
	}
	if cur.Status != from {
		return cur, fmt.Errorf("%w: %s is %s, not %s", ErrConflict, id, cur.Status, from)
	}
	next, err := cur.advance(to, b.now())
	if err != nil {
		return cur, err
	}

	row, err := b.db.CompareAndSetStatus(string(from), toRow(next))
	switch {
	case errors.Is(err, storage.ErrConflict):
		return fromRow(row), fmt.Errorf("%w: %s is %s, not %s", ErrConflict, id, row.Status, from)
	case errors.Is(err, storage.ErrNotFound):
		return CallRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	case err != nil:
		return CallRecord{}, err
	}

	stored := fromRow(row)
	b.announce(Change{Record: stored, Previous: from})
	return stored, nil
}

func (b *LocalBackend) List(ctx context.Context, userID string, limit int) ([]CallRecord, error) {
	rows, err := b.db.ListCalls(userID, limit)
	if err != nil {
		return nil, err
	}
	return lo.Map(rows, func(r storage.CallRow, _ int) CallRecord { return fromRow(r) }), nil
}

// Stale returns pending records untouched since before.
func (b *LocalBackend) Stale(before time.Time) ([]CallRecord, error) {
	rows, err := b.db.ListCallsInStatus(
		lo.Map(Pending, func(s Status, _ int) string { return string(s) }),
		before.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	return lo.Map(rows, func(r storage.CallRow, _ int) CallRecord { return fromRow(r) }), nil
}

func (b *LocalBackend) Watch(ctx context.Context, userID string) (<-chan Change, func(), error) {
	ch, cancel, err := b.hub.Subscribe(UserTopic(userID))
	if err != nil {
		return nil, nil, err
	}
	out, stop := decodeChanges(ctx, ch, cancel)
	return out, stop, nil
}

func (b *LocalBackend) announce(c Change) {
	raw, err := json.Marshal(c)
	if err != nil {
		log.Error().Err(err).Str("call", c.Record.ID).Msg("records: encode change")
		return
	}
	for _, user := range []string{c.Record.CallerID, c.Record.ReceiverID} {
		if err := b.hub.Publish(realtime.Envelope{Topic: UserTopic(user), Payload: raw}); err != nil {
			log.Warn().Err(err).Str("call", c.Record.ID).Msg("records: announce change")
		}
	}
}

// decodeChanges converts an envelope stream into a Change stream. The output
// closes when the input closes, ctx ends or the returned stop is called.
func decodeChanges(ctx context.Context, in <-chan realtime.Envelope, cancel func()) (<-chan Change, func()) {
	out := make(chan Change, 64)
	stopCh := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(stopCh)
			cancel()
		})
	}

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				stop()
				return
			case <-stopCh:
				return
			case env, ok := <-in:
				if !ok {
					return
				}
				var c Change
				if err := env.Decode(&c); err != nil {
					log.Warn().Err(err).Msg("records: undecodable change")
					continue
				}
				select {
				case out <- c:
				case <-stopCh:
					return
				case <-ctx.Done():
					stop()
					return
				}
			}
		}
	}()
	return out, stop
}
