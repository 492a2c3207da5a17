package eventlog

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() func() time.Time {
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return func() time.Time { return t0 }
}

func TestAppend_ChainsEvents(t *testing.T) {
	ctx := context.Background()
	l := New(0).WithClock(fixedClock())
	assert.Equal(t, GenesisHash, l.Head())

	e1, err := l.Append(ctx, Event{Type: TypeAction, PrincipalID: "alice", Reasoning: "I want to pay bob", Data: map[string]any{"action_type": "transfer"}})
	require.NoError(t, err)
	e2, err := l.Append(ctx, Event{Type: TypeTransfer, Data: map[string]any{"from": "alice", "to": "bob", "amount": 30}})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), e1.Sequence)
	assert.Equal(t, uint64(2), e2.Sequence)
	assert.Equal(t, GenesisHash, e1.PrevHash)
	assert.Equal(t, e1.Hash, e2.PrevHash)
	assert.Equal(t, e2.Hash, l.Head())
	assert.Equal(t, "I want to pay bob", e1.Reasoning)

	ok, reason := l.Verify()
	assert.True(t, ok, reason)
}

func TestVerify_DetectsTampering(t *testing.T) {
	ctx := context.Background()
	l := New(0)
	_, err := l.Append(ctx, Event{Type: TypeAction, Reasoning: "original"})
	require.NoError(t, err)

	l.events[0].Reasoning = "rewritten"
	ok, reason := l.Verify()
	assert.False(t, ok)
	assert.Contains(t, reason, "hash mismatch")
}

func TestRangeAndFilter(t *testing.T) {
	ctx := context.Background()
	l := New(0)
	for _, p := range []string{"a", "b", "a", "c"} {
		_, err := l.Append(ctx, Event{Type: TypeAction, PrincipalID: p})
		require.NoError(t, err)
	}

	got := l.Range(1, 2)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(2), got[0].Sequence)
	assert.Equal(t, uint64(3), got[1].Sequence)

	onlyA := l.Filter(10, func(e Event) bool { return e.PrincipalID == "a" })
	require.Len(t, onlyA, 2)
	assert.Equal(t, uint64(1), onlyA[0].Sequence)
	assert.Equal(t, uint64(3), onlyA[1].Sequence)
}

func TestRetention_KeepsChainVerifiable(t *testing.T) {
	ctx := context.Background()
	l := New(3)
	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, Event{Type: TypeAction, Data: map[string]any{"i": i}})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, l.Len())
	assert.Equal(t, uint64(5), l.LastSequence())
	ok, reason := l.Verify()
	assert.True(t, ok, reason)
}

func TestExportImport_RoundTripThroughJSON(t *testing.T) {
	ctx := context.Background()
	l := New(0)
	_, err := l.Append(ctx, Event{Type: TypeMint, PrincipalID: "system", Data: map[string]any{"amount": 50, "reason": "bonus"}})
	require.NoError(t, err)
	_, err = l.Append(ctx, Event{Type: TypeAction, PrincipalID: "alice", Reasoning: "noop"})
	require.NoError(t, err)

	raw, err := json.Marshal(l.Export())
	require.NoError(t, err)
	var st State
	require.NoError(t, json.Unmarshal(raw, &st))

	restored := New(0)
	require.NoError(t, restored.Import(st))
	assert.Equal(t, l.Head(), restored.Head())

	next, err := restored.Append(ctx, Event{Type: TypeAction})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), next.Sequence)

	st.Events[0].Data["amount"] = 5000.0
	assert.Error(t, New(0).Import(st))
}
