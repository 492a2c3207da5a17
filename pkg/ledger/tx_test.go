package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/finance"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/kernel/errorir"
)

func TestTx_StagedUntilCommit(t *testing.T) {
	ctx := context.Background()
	l := seeded(t, map[string]int64{"alice": 50})

	tx := l.Begin()
	require.NoError(t, tx.Transfer("alice", "svc", 20, "invoke price"))
	assert.Equal(t, int64(30), tx.Balance("alice"))
	assert.Equal(t, int64(20), tx.Balance("svc"))
	assert.Equal(t, int64(50), l.GetBalance("alice"), "not visible outside the tx")

	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, int64(30), l.GetBalance("alice"))
	assert.Equal(t, int64(20), l.GetBalance("svc"))
}

func TestTx_AffordabilityIncludesStagedDebits(t *testing.T) {
	l := seeded(t, map[string]int64{"alice": 50})
	tx := l.Begin()
	require.NoError(t, tx.Transfer("alice", "a", 30, ""))
	err := tx.Transfer("alice", "b", 30, "")
	assert.ErrorIs(t, err, errorir.ErrInsufficientFunds)
	assert.Equal(t, 1, tx.Pending())
}

func TestTx_SavepointRollback(t *testing.T) {
	ctx := context.Background()
	l := seeded(t, map[string]int64{"alice": 50})
	require.NoError(t, l.CreditResource(ctx, "alice", "compute", finance.Units(3)))

	tx := l.Begin()
	require.NoError(t, tx.Transfer("alice", "a", 10, ""))
	sp := tx.Savepoint()
	require.NoError(t, tx.Transfer("alice", "b", 10, ""))
	require.NoError(t, tx.SpendResource("alice", "compute", finance.Units(2)))
	assert.Equal(t, finance.Units(1), tx.Resource("alice", "compute"))

	tx.RollbackTo(sp)
	assert.Equal(t, int64(40), tx.Balance("alice"))
	assert.Equal(t, finance.Units(3), tx.Resource("alice", "compute"))

	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, int64(40), l.GetBalance("alice"))
	assert.Equal(t, int64(10), l.GetBalance("a"))
	assert.Equal(t, int64(0), l.GetBalance("b"))
}

func TestTx_CommitRevalidatesAgainstConcurrentSpend(t *testing.T) {
	ctx := context.Background()
	l := seeded(t, map[string]int64{"alice": 50})

	tx := l.Begin()
	require.NoError(t, tx.Transfer("alice", "svc", 40, ""))

	require.NoError(t, l.Transfer(ctx, "alice", "bob", 20, "raced"))

	err := tx.Commit(ctx)
	assert.ErrorIs(t, err, errorir.ErrInsufficientFunds)
	assert.Equal(t, int64(30), l.GetBalance("alice"))
	assert.Equal(t, int64(0), l.GetBalance("svc"), "failed commit applies nothing")
}

func TestTx_DiscardAppliesNothing(t *testing.T) {
	l := seeded(t, map[string]int64{"alice": 50})
	tx := l.Begin()
	require.NoError(t, tx.Transfer("alice", "svc", 40, ""))
	tx.Discard()

	assert.Error(t, tx.Commit(context.Background()))
	assert.Equal(t, int64(50), l.GetBalance("alice"))
}

func TestTx_PrepareRelease(t *testing.T) {
	ctx := context.Background()
	l := seeded(t, map[string]int64{"alice": 50})
	tx := l.Begin()
	require.NoError(t, tx.Transfer("alice", "svc", 5, ""))

	p, err := tx.Prepare()
	require.NoError(t, err)
	p.Release()

	assert.Equal(t, int64(50), l.GetBalance("alice"))
	require.NoError(t, l.Transfer(ctx, "alice", "bob", 1, ""), "locks released")
}

func TestTx_JournalOnApply(t *testing.T) {
	ctx := context.Background()
	j := &recordingJournal{}
	l := New(WithJournal(j))
	require.NoError(t, l.Credit(ctx, "alice", 10, "seed"))

	tx := l.Begin()
	require.NoError(t, tx.Transfer("alice", "svc", 5, "price"))
	require.NoError(t, tx.Commit(ctx))

	require.Len(t, j.entries, 2)
	assert.Equal(t, EntryCredit, j.entries[0].Kind)
	assert.Equal(t, EntryTransfer, j.entries[1].Kind)
	assert.Equal(t, "price", j.entries[1].Reason)
}
