package search

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/litsearch/internal/domain"
)

// Retry wait bounds. The raw wait derived from the server's reset time is
// clamped into [minRetryWait, maxRetryWait] and then jittered; waits beyond
// retryCeilingDefault are declined outright rather than scheduled.
const (
	minRetryWait        = 1 * time.Second
	maxRetryWait        = 30 * time.Second
	retryJitter         = 250 * time.Millisecond
	retryCeilingDefault = 120 * time.Second
)

// RetryScheduler turns rate-limit errors into bounded, jittered waits. At
// most one retry is attempted per search; a second rate-limit error on the
// retried attempt surfaces to the caller.
type RetryScheduler struct {
	ceiling time.Duration
	now     func() time.Time
	logger  zerolog.Logger

	mu   sync.Mutex
	rand *rand.Rand
}

// NewRetryScheduler creates a scheduler. A non-positive ceiling falls back to
// the default; a nil now falls back to time.Now.
func NewRetryScheduler(ceiling time.Duration, now func() time.Time, logger zerolog.Logger) *RetryScheduler {
	if ceiling <= 0 {
		ceiling = retryCeilingDefault
	}
	if now == nil {
		now = time.Now
	}
	return &RetryScheduler{
		ceiling: ceiling,
		now:     now,
		logger:  logger.With().Str("component", "retry_scheduler").Logger(),
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WaitFor computes the scheduled wait for a rate-limit error. The second
// return is false when the error carries no usable reset information or the
// implied wait exceeds the ceiling, in which case no retry should happen.
func (s *RetryScheduler) WaitFor(err error) (time.Duration, bool) {
	var rle *domain.RateLimitError
	if !errors.As(err, &rle) {
		return 0, false
	}

	wait := time.Duration(0)
	haveHint := false
	if rle.Snapshot != nil && !rle.Snapshot.ResetTime.IsZero() {
		wait = rle.Snapshot.ResetTime.Sub(s.now())
		if wait < 0 {
			wait = 0
		}
		haveHint = true
	}
	if rle.RetryAfter > wait {
		wait = rle.RetryAfter
		haveHint = true
	}
	if !haveHint {
		return 0, false
	}
	if wait > s.ceiling {
		return 0, false
	}

	if wait < minRetryWait {
		wait = minRetryWait
	}
	if wait > maxRetryWait {
		wait = maxRetryWait
	}
	return wait + s.jitter(), true
}

// Sleep blocks for the given wait or until ctx is cancelled, returning the
// context's error in the latter case.
func (s *RetryScheduler) Sleep(ctx context.Context, wait time.Duration) error {
	s.logger.Debug().Dur("wait", wait).Msg("sleeping before retry")
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return nil
	}
}

func (s *RetryScheduler) jitter() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.rand.Int63n(int64(retryJitter)))
}
