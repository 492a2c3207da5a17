package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOracleUnavailable is returned while the breaker is open.
var ErrOracleUnavailable = errors.New("llm: oracle unavailable")

// BreakerOptions configures a Breaker. Zero values select defaults.
type BreakerOptions struct {
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
	Backoff     BackoffPolicy
	// Sleep waits between attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Breaker retries a scorer with backoff and stops calling it after repeated
// failures.
type Breaker struct {
	next    Scorer
	cb      *gobreaker.CircuitBreaker
	backoff BackoffPolicy
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *slog.Logger
}

// NewBreaker wraps next.
func NewBreaker(next Scorer, opts BreakerOptions) *Breaker {
	if opts.ConsecutiveFailures == 0 {
		opts.ConsecutiveFailures = 5
	}
	if opts.OpenTimeout == 0 {
		opts.OpenTimeout = time.Minute
	}
	if opts.Backoff.MaxAttempts == 0 {
		opts.Backoff = DefaultBackoff()
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	b := &Breaker{
		next:    next,
		backoff: opts.Backoff,
		sleep:   opts.Sleep,
		logger:  slog.Default().With("component", "llm.breaker", "scorer", next.Name()),
	}
	trip := opts.ConsecutiveFailures
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        next.Name(),
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= trip },
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("oracle breaker state change", "from", from.String(), "to", to.String())
		},
		// A cancelled round says nothing about the oracle's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	return b
}

func (b *Breaker) Name() string { return b.next.Name() }

// State reports the breaker state ("closed", "half-open" or "open").
func (b *Breaker) State() string { return b.cb.State().String() }

// Score implements Scorer.
func (b *Breaker) Score(ctx context.Context, s Submission) (int, error) {
	var lastErr error
	for attempt := 0; attempt < b.backoff.MaxAttempts; attempt++ {
		if err := b.sleep(ctx, b.backoff.Delay(s.ArtifactID, attempt)); err != nil {
			return 0, err
		}
		v, err := b.cb.Execute(func() (interface{}, error) {
			return b.next.Score(ctx, s)
		})
		if err == nil {
			return v.(int), nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return 0, ErrOracleUnavailable
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		lastErr = err
		b.logger.WarnContext(ctx, "oracle score failed", "artifact_id", s.ArtifactID, "attempt", attempt, "error", err)
	}
	return 0, lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
