package media

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// RetryAcquirer retries transient acquisition failures with exponential
// backoff. Permission and device errors are returned at once.
type RetryAcquirer struct {
	Next        Acquirer
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration

	wait func(ctx context.Context, d time.Duration) error
}

func NewRetryAcquirer(next Acquirer, maxAttempts int, base time.Duration) *RetryAcquirer {
	return &RetryAcquirer{
		Next:        next,
		MaxAttempts: maxAttempts,
		Base:        base,
		Max:         8 * base,
		wait:        sleepCtx,
	}
}

// Backoff returns the delay after the given failed attempt (1-based).
func (r *RetryAcquirer) Backoff(attempt int) time.Duration {
	d := r.Base << (attempt - 1)
	if r.Max > 0 && (d > r.Max || d <= 0) {
		d = r.Max
	}
	return d
}

func (r *RetryAcquirer) ConfigureMediaEngine(m *webrtc.MediaEngine) error {
	return ConfigureMediaEngine(r.Next, m)
}

func (r *RetryAcquirer) Acquire(ctx context.Context, wantsVideo bool) (*Stream, error) {
	attempts := max(r.MaxAttempts, 1)
	wait := r.wait
	if wait == nil {
		wait = sleepCtx
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		s, err := r.Next.Acquire(ctx, wantsVideo)
		if err == nil {
			return s, nil
		}
		if Terminal(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if attempt == attempts {
			break
		}

		d := r.Backoff(attempt)
		log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", d).Msg("media: acquisition failed, retrying")
		if err := wait(ctx, d); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrGaveUp, attempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
