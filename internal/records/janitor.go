package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Janitor marks calls that were left ringing by vanished callers as missed.
type Janitor struct {
	backend *LocalBackend
	maxAge  time.Duration
	cron    *cron.Cron
}

// NewJanitor schedules a sweep on spec (cron syntax or "@every 30s").
func NewJanitor(b *LocalBackend, maxAge time.Duration, spec string) (*Janitor, error) {
	j := &Janitor{backend: b, maxAge: maxAge, cron: cron.New()}
	if _, err := j.cron.AddFunc(spec, func() { j.Sweep(context.Background()) }); err != nil {
		return nil, fmt.Errorf("janitor schedule %q: %w", spec, err)
	}
	return j, nil
}

func (j *Janitor) Start() { j.cron.Start() }

// Stop waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// Sweep marks every stale pending call missed and returns how many it changed.
func (j *Janitor) Sweep(ctx context.Context) int {
	stale, err := j.backend.Stale(j.backend.now().Add(-j.maxAge))
	if err != nil {
		log.Error().Err(err).Msg("janitor: list stale calls")
		return 0
	}
	n := 0
	for _, rec := range stale {
		_, err := j.backend.Transition(ctx, rec.ID, rec.Status, StatusMissed)
		switch {
		case err == nil:
			n++
		case errors.Is(err, ErrConflict):
			// Answered in the meantime.
		default:
			log.Warn().Err(err).Str("call", rec.ID).Msg("janitor: mark missed")
		}
	}
	if n > 0 {
		log.Info().Int("count", n).Msg("janitor: stale calls marked missed")
	}
	return n
}
