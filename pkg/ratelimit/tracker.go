// Package ratelimit provides rolling-window admission control for renewable
// resources (API calls, CPU seconds, actions).
//
// Consumption is recorded as timestamped entries; capacity replenishes
// continuously as entries age out of the trailing window. There is no reset
// tick.
package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Limit bounds consumption of one resource per principal.
type Limit struct {
	MaxPerWindow float64       `json:"max_per_window" yaml:"max_per_window"`
	Window       time.Duration `json:"window" yaml:"window"`
}

// Store abstracts the storage of consumption windows.
// Implementations must serialise operations per key.
type Store interface {
	// Usage returns the amount consumed within (now-window, now].
	Usage(ctx context.Context, key string, window time.Duration, now time.Time) (float64, error)

	// Add appends a consumption entry unconditionally.
	Add(ctx context.Context, key string, amount float64, window time.Duration, now time.Time) error

	// TryAdd appends the entry only if the window total stays within max.
	// It returns whether the entry was recorded and the usage before it.
	TryAdd(ctx context.Context, key string, amount, max float64, window time.Duration, now time.Time) (bool, float64, error)
}

// Tracker applies per-resource limits over a Store.
type Tracker struct {
	mu     sync.RWMutex
	limits map[string]Limit
	store  Store
	clock  func() time.Time
}

// NewTracker creates a tracker. A nil store uses the in-memory store.
func NewTracker(store Store, limits map[string]Limit) *Tracker {
	if store == nil {
		store = NewMemoryStore()
	}
	t := &Tracker{
		limits: make(map[string]Limit, len(limits)),
		store:  store,
		clock:  time.Now,
	}
	for res, l := range limits {
		t.limits[res] = l
	}
	return t
}

// WithClock overrides clock for testing.
func (t *Tracker) WithClock(clock func() time.Time) *Tracker {
	t.clock = clock
	return t
}

// SetLimit configures or replaces a resource limit.
func (t *Tracker) SetLimit(resource string, l Limit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limits[resource] = l
}

// Limit returns the configured limit for a resource.
func (t *Tracker) Limit(resource string) (Limit, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	l, ok := t.limits[resource]
	return l, ok && l.Window > 0
}

// Resources lists the limited resources.
func (t *Tracker) Resources() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.limits))
	for r := range t.limits {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func key(resource, principal string) string {
	return resource + ":" + principal
}

// CanConsume reports whether consuming amount now would stay within the
// trailing window. Unlimited resources always return true.
func (t *Tracker) CanConsume(ctx context.Context, resource, principal string, amount float64) (bool, error) {
	l, ok := t.Limit(resource)
	if !ok {
		return true, nil
	}
	used, err := t.store.Usage(ctx, key(resource, principal), l.Window, t.clock())
	if err != nil {
		return false, fmt.Errorf("ratelimit: usage %s/%s: %w", resource, principal, err)
	}
	return used+amount <= l.MaxPerWindow, nil
}

// Record appends a consumption entry. Recording on an unlimited resource is
// a no-op.
func (t *Tracker) Record(ctx context.Context, resource, principal string, amount float64) error {
	if amount <= 0 {
		return nil
	}
	l, ok := t.Limit(resource)
	if !ok {
		return nil
	}
	if err := t.store.Add(ctx, key(resource, principal), amount, l.Window, t.clock()); err != nil {
		return fmt.Errorf("ratelimit: record %s/%s: %w", resource, principal, err)
	}
	return nil
}

// TryConsume checks and records atomically under the per-key lock.
func (t *Tracker) TryConsume(ctx context.Context, resource, principal string, amount float64) (bool, error) {
	l, ok := t.Limit(resource)
	if !ok {
		return true, nil
	}
	allowed, _, err := t.store.TryAdd(ctx, key(resource, principal), amount, l.MaxPerWindow, l.Window, t.clock())
	if err != nil {
		return false, fmt.Errorf("ratelimit: consume %s/%s: %w", resource, principal, err)
	}
	return allowed, nil
}

// Usage reports the window total for a principal.
func (t *Tracker) Usage(ctx context.Context, resource, principal string) (float64, error) {
	l, ok := t.Limit(resource)
	if !ok {
		return 0, nil
	}
	return t.store.Usage(ctx, key(resource, principal), l.Window, t.clock())
}

// Status is a per-resource view used by the quotas query.
type Status struct {
	Resource     string  `json:"resource"`
	Used         float64 `json:"used"`
	MaxPerWindow float64 `json:"max_per_window"`
	Remaining    float64 `json:"remaining"`
	WindowSecs   float64 `json:"window_seconds"`
}

// Snapshot returns the status of every limited resource for a principal.
func (t *Tracker) Snapshot(ctx context.Context, principal string) ([]Status, error) {
	var out []Status
	for _, res := range t.Resources() {
		l, ok := t.Limit(res)
		if !ok {
			continue
		}
		used, err := t.store.Usage(ctx, key(res, principal), l.Window, t.clock())
		if err != nil {
			return nil, err
		}
		remaining := l.MaxPerWindow - used
		if remaining < 0 {
			remaining = 0
		}
		out = append(out, Status{
			Resource:     res,
			Used:         used,
			MaxPerWindow: l.MaxPerWindow,
			Remaining:    remaining,
			WindowSecs:   l.Window.Seconds(),
		})
	}
	return out, nil
}
