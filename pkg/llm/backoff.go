package llm

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffPolicy is an exponential backoff with deterministic jitter.
type BackoffPolicy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultBackoff retries an oracle call twice within about two seconds.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{BaseMs: 200, MaxMs: 2000, MaxJitterMs: 100, MaxAttempts: 3}
}

// Delay returns the wait before attempt (0-based; attempt 0 never waits).
// The jitter is derived from key so that replays of the same round reproduce
// the same schedule.
func (p BackoffPolicy) Delay(key string, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	factor := int64(1) << min(attempt-1, 30)
	delay := p.BaseMs * factor
	if p.MaxMs > 0 && delay > p.MaxMs {
		delay = p.MaxMs
	}
	return time.Duration(delay+p.jitter(key, attempt)) * time.Millisecond
}

func (p BackoffPolicy) jitter(key string, attempt int) int64 {
	if p.MaxJitterMs <= 0 {
		return 0
	}
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", key, attempt)))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(p.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive
}

// Schedule lists the delays for every attempt.
func (p BackoffPolicy) Schedule(key string) []time.Duration {
	out := make([]time.Duration, max(p.MaxAttempts, 1))
	for i := range out {
		out[i] = p.Delay(key, i)
	}
	return out
}
