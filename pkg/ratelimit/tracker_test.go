package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestTracker() (*Tracker, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tr := NewTracker(nil, map[string]Limit{
		"llm_calls": {MaxPerWindow: 3, Window: time.Minute},
	}).WithClock(clk.Now)
	return tr, clk
}

func TestTracker_RollingWindowReplenishesContinuously(t *testing.T) {
	ctx := context.Background()
	tr, clk := newTestTracker()

	require.NoError(t, tr.Record(ctx, "llm_calls", "alice", 1))
	clk.Advance(20 * time.Second)
	require.NoError(t, tr.Record(ctx, "llm_calls", "alice", 1))
	clk.Advance(20 * time.Second)
	require.NoError(t, tr.Record(ctx, "llm_calls", "alice", 1))

	ok, err := tr.CanConsume(ctx, "llm_calls", "alice", 1)
	require.NoError(t, err)
	assert.False(t, ok, "window is full")

	// The first entry ages out 60s after it was recorded; only one slot frees.
	clk.Advance(21 * time.Second)
	ok, err = tr.CanConsume(ctx, "llm_calls", "alice", 1)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = tr.CanConsume(ctx, "llm_calls", "alice", 2)
	require.NoError(t, err)
	assert.False(t, ok, "replenishment is not a step reset")

	used, err := tr.Usage(ctx, "llm_calls", "alice")
	require.NoError(t, err)
	assert.Equal(t, float64(2), used)
}

func TestTracker_PrincipalsAreIndependent(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker()
	require.NoError(t, tr.Record(ctx, "llm_calls", "alice", 3))

	ok, err := tr.CanConsume(ctx, "llm_calls", "bob", 3)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTracker_UnlimitedResource(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker()
	ok, err := tr.CanConsume(ctx, "unknown", "alice", 1e9)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, tr.Record(ctx, "unknown", "alice", 5))
}

func TestTracker_TryConsumeIsAtomic(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker()
	tr.SetLimit("actions", Limit{MaxPerWindow: 10, Window: time.Minute})

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := tr.TryConsume(ctx, "actions", "alice", 1)
			if err == nil && ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, allowed)
}

func TestTracker_Snapshot(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker()
	require.NoError(t, tr.Record(ctx, "llm_calls", "alice", 1))

	st, err := tr.Snapshot(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, st, 1)
	assert.Equal(t, "llm_calls", st[0].Resource)
	assert.Equal(t, float64(2), st[0].Remaining)
	assert.Equal(t, float64(60), st[0].WindowSecs)
}
