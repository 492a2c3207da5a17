package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/intent"
)

// idempotencyHeader carries a client-chosen key. An intent resubmitted by
// the same principal under a settled key gets the recorded result back
// instead of acting twice.
const idempotencyHeader = "Idempotency-Key"

var (
	errReplayInFlight = errors.New("an intent with this Idempotency-Key is still being processed")
	errReplayMismatch = errors.New("this Idempotency-Key was already used for a different intent")
)

// ReplayStore records intent outcomes by principal and idempotency key.
type ReplayStore interface {
	// Reserve claims key for the intent with the given digest. A settled key
	// returns its recorded result; the caller must Settle or Release a key
	// it newly claimed.
	Reserve(principal, key, digest string) (*intent.Result, error)
	Settle(principal, key string, res intent.Result)
	Release(principal, key string)
}

type replayKey struct{ principal, key string }

type replayEntry struct {
	digest string
	result *intent.Result // nil while the intent runs
	at     time.Time
}

// IntentReplays is the in-memory ReplayStore. Settled results are kept for
// ttl; retriable failures are not kept, so a retry acts again.
type IntentReplays struct {
	mu      sync.Mutex
	entries map[replayKey]*replayEntry
	ttl     time.Duration
	clock   func() time.Time
}

func NewIntentReplays(ttl time.Duration) *IntentReplays {
	return &IntentReplays{
		entries: make(map[replayKey]*replayEntry),
		ttl:     ttl,
		clock:   time.Now,
	}
}

func (r *IntentReplays) Reserve(principal, key, digest string) (*intent.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := replayKey{principal, key}
	now := r.clock()
	if e, ok := r.entries[k]; ok && now.Sub(e.at) < r.ttl {
		switch {
		case e.digest != digest:
			return nil, errReplayMismatch
		case e.result == nil:
			return nil, errReplayInFlight
		}
		res := *e.result
		return &res, nil
	}
	r.entries[k] = &replayEntry{digest: digest, at: now}
	return nil, nil
}

func (r *IntentReplays) Settle(principal, key string, res intent.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := replayKey{principal, key}
	e, ok := r.entries[k]
	if !ok {
		return
	}
	if !res.Success && res.Retriable {
		delete(r.entries, k)
		return
	}
	e.result, e.at = &res, r.clock()
}

func (r *IntentReplays) Release(principal, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[replayKey{principal, key}]; ok && e.result == nil {
		delete(r.entries, replayKey{principal, key})
	}
}

// Run drops expired records every five minutes until ctx is done.
func (r *IntentReplays) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evict()
		}
	}
}

func (r *IntentReplays) evict() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()
	for k, e := range r.entries {
		if e.result != nil && now.Sub(e.at) >= r.ttl {
			delete(r.entries, k)
		}
	}
}
