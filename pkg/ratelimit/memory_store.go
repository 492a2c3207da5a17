package ratelimit

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	at     time.Time
	amount float64
}

type window struct {
	mu      sync.Mutex
	entries []entry
}

// prune drops entries at or before now-window. Entries are appended in time
// order, so the live suffix starts at the first entry inside the window.
func (w *window) prune(span time.Duration, now time.Time) {
	cutoff := now.Add(-span)
	i := 0
	for i < len(w.entries) && !w.entries[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
}

func (w *window) sum() float64 {
	var s float64
	for _, e := range w.entries {
		s += e.amount
	}
	return s
}

// MemoryStore keeps windows in process memory, one lock per key.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*window)}
}

func (s *MemoryStore) get(key string) *window {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[key]
	if !ok {
		w = &window{}
		s.windows[key] = w
	}
	return w
}

func (s *MemoryStore) Usage(_ context.Context, key string, span time.Duration, now time.Time) (float64, error) {
	w := s.get(key)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(span, now)
	return w.sum(), nil
}

func (s *MemoryStore) Add(_ context.Context, key string, amount float64, span time.Duration, now time.Time) error {
	w := s.get(key)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(span, now)
	w.entries = append(w.entries, entry{at: now, amount: amount})
	return nil
}

func (s *MemoryStore) TryAdd(_ context.Context, key string, amount, max float64, span time.Duration, now time.Time) (bool, float64, error) {
	w := s.get(key)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(span, now)
	used := w.sum()
	if used+amount > max {
		return false, used, nil
	}
	w.entries = append(w.entries, entry{at: now, amount: amount})
	return true, used, nil
}
