// Package eventlog is the kernel's append-only, hash-chained event record.
//
// Every dispatched action, ledger movement and auction settlement is appended
// here together with the caller's verbatim reasoning. Each event is chained to
// its predecessor through the canonical (RFC 8785) hash of its content, so the
// log can be verified after a checkpoint round-trip.
package eventlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/canonicalize"
)

// GenesisHash is the PrevHash of the first event.
const GenesisHash = "genesis"

// Event types
const (
	TypeAction     = "action"
	TypeTransfer   = "ledger.transfer"
	TypeMint       = "ledger.mint"
	TypeSpend      = "ledger.spend"
	TypeSettlement = "mint.settlement"
	TypeBid        = "mint.bid"
)

// Event is an immutable, hash-chained entry.
type Event struct {
	Sequence    uint64         `json:"sequence"`
	EventID     string         `json:"event_id"`
	Type        string         `json:"type"`
	PrincipalID string         `json:"principal_id,omitempty"`
	Reasoning   string         `json:"reasoning,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data,omitempty"`
	PrevHash    string         `json:"prev_hash"`
	Hash        string         `json:"hash"`
}

type hashInput struct {
	Seq       uint64         `json:"seq"`
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Principal string         `json:"principal"`
	Reasoning string         `json:"reasoning"`
	Timestamp string         `json:"ts"`
	Data      map[string]any `json:"data"`
	PrevHash  string         `json:"prev"`
}

func computeHash(e Event) (string, error) {
	h, err := canonicalize.CanonicalHash(hashInput{
		Seq:       e.Sequence,
		ID:        e.EventID,
		Type:      e.Type,
		Principal: e.PrincipalID,
		Reasoning: e.Reasoning,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Data:      e.Data,
		PrevHash:  e.PrevHash,
	})
	if err != nil {
		return "", err
	}
	return "sha256:" + h, nil
}

// Log is an in-memory hash-chained event log. When MaxEvents is positive the
// oldest events are dropped; the chain stays verifiable from the retained base.
type Log struct {
	mu        sync.RWMutex
	events    []Event
	nextSeq   uint64
	headHash  string
	baseHash  string
	maxEvents int
	clock     func() time.Time
}

// New creates an empty log retaining at most maxEvents (0 = unbounded).
func New(maxEvents int) *Log {
	return &Log{
		nextSeq:   1,
		headHash:  GenesisHash,
		baseHash:  GenesisHash,
		maxEvents: maxEvents,
		clock:     time.Now,
	}
}

// WithClock overrides clock for testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// Append assigns the sequence number, ID, timestamp and hash, and returns the
// committed event.
func (l *Log) Append(ctx context.Context, e Event) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	e.Sequence = l.nextSeq
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.clock().UTC()
	}
	e.PrevHash = l.headHash
	h, err := computeHash(e)
	if err != nil {
		return Event{}, fmt.Errorf("eventlog: hash event %d: %w", e.Sequence, err)
	}
	e.Hash = h

	l.events = append(l.events, e)
	l.nextSeq++
	l.headHash = h

	if l.maxEvents > 0 && len(l.events) > l.maxEvents {
		drop := len(l.events) - l.maxEvents
		l.baseHash = l.events[drop-1].Hash
		l.events = append([]Event(nil), l.events[drop:]...)
	}
	return e, nil
}

// Range returns up to limit events with Sequence > since, oldest first.
// A non-positive limit returns every matching event.
func (l *Log) Range(since uint64, limit int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Event, 0)
	for _, e := range l.events {
		if e.Sequence <= since {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Filter returns the most recent events matching the predicate, newest last.
func (l *Log) Filter(limit int, match func(Event) bool) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Event, 0)
	for i := len(l.events) - 1; i >= 0; i-- {
		if match != nil && !match(l.events[i]) {
			continue
		}
		out = append(out, l.events[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Head returns the current head hash.
func (l *Log) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headHash
}

// LastSequence returns the highest committed sequence number.
func (l *Log) LastSequence() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextSeq - 1
}

// Len returns the number of retained events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Verify checks the integrity of the retained chain.
func (l *Log) Verify() (bool, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return verifyChain(l.baseHash, l.events)
}

func verifyChain(base string, events []Event) (bool, string) {
	prev := base
	for _, e := range events {
		if e.PrevHash != prev {
			return false, fmt.Sprintf("chain broken at event %d: expected prev %s, got %s", e.Sequence, prev, e.PrevHash)
		}
		computed, err := computeHash(e)
		if err != nil {
			return false, fmt.Sprintf("failed to hash event %d: %v", e.Sequence, err)
		}
		if computed != e.Hash {
			return false, fmt.Sprintf("hash mismatch at event %d", e.Sequence)
		}
		prev = e.Hash
	}
	return true, "chain verified"
}

// State is the serialisable form of a Log.
type State struct {
	BaseHash string  `json:"base_hash"`
	Events   []Event `json:"events"`
}

// Export returns a copy of the retained chain.
func (l *Log) Export() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return State{BaseHash: l.baseHash, Events: append([]Event(nil), l.events...)}
}

// Import replaces the log contents after verifying the chain.
func (l *Log) Import(s State) error {
	base := s.BaseHash
	if base == "" {
		base = GenesisHash
	}
	if ok, reason := verifyChain(base, s.Events); !ok {
		return fmt.Errorf("eventlog: import rejected: %s", reason)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append([]Event(nil), s.Events...)
	l.baseHash = base
	l.headHash = base
	l.nextSeq = 1
	if n := len(s.Events); n > 0 {
		l.headHash = s.Events[n-1].Hash
		l.nextSeq = s.Events[n-1].Sequence + 1
	}
	return nil
}
