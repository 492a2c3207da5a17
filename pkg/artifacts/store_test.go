package artifacts

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/kernel/errorir"
)

func newTestStore(opts ...StoreOption) *Store {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return NewStore(append([]StoreOption{WithStoreClock(clock)}, opts...)...)
}

func write(t *testing.T, s *Store, req WriteRequest) *Artifact {
	t.Helper()
	a, err := s.Write(context.Background(), req)
	require.NoError(t, err)
	return a
}

func boolPtr(b bool) *bool { return &b }

func TestWrite_RoundTrip(t *testing.T) {
	s := newTestStore()
	pol := &Policy{ReadPrice: 2, AllowRead: []string{"bob"}, AllowWrite: []string{}, AllowInvoke: []string{"*"}}
	created := write(t, s, WriteRequest{
		ID:        "notes",
		Content:   "hello",
		Code:      "run: args[0] + 1",
		Policy:    pol,
		Requester: "alice",
	})

	got, err := s.Get("notes")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, "run: args[0] + 1", got.Code)
	assert.Equal(t, pol, got.Policy)
	assert.Equal(t, "alice", got.CreatedBy)
	assert.Equal(t, TypeExecutable, got.Type)
	assert.True(t, got.Executable)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, created, got)

	again, err := s.Get("notes")
	require.NoError(t, err)
	assert.Equal(t, got, again, "reads are idempotent")
}

func TestWrite_DefaultPolicy(t *testing.T) {
	s := newTestStore()
	a := write(t, s, WriteRequest{ID: "plain", Content: "x", Requester: "alice"})
	assert.Equal(t, DefaultPolicy(), a.Policy)
	assert.Equal(t, TypeData, a.Type)
	assert.False(t, a.Executable)
}

func TestWrite_GetReturnsCopy(t *testing.T) {
	s := newTestStore()
	write(t, s, WriteRequest{ID: "a", Content: "x", Metadata: map[string]any{"k": "v"}, Requester: "alice"})
	got, err := s.Get("a")
	require.NoError(t, err)
	got.Content = "mutated"
	got.Metadata["k"] = "changed"

	again, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "x", again.Content)
	assert.Equal(t, "v", again.Metadata["k"])
}

func TestWrite_ImmutableFields(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	write(t, s, WriteRequest{ID: "doc", Type: TypeData, Content: "v1", Requester: "alice"})

	_, err := s.Write(ctx, WriteRequest{ID: "doc", Type: TypeContract, Content: "v2", Requester: "alice"})
	assert.ErrorIs(t, err, errorir.ErrInvalidArgument)

	contract := "private"
	_, err = s.Write(ctx, WriteRequest{ID: "doc", Content: "v2", AccessContractID: &contract, Requester: "mallory"})
	assert.ErrorIs(t, err, errorir.ErrNotAuthorized)

	_, err = s.Write(ctx, WriteRequest{ID: "doc", Content: "v2", Policy: &Policy{AllowRead: []string{"*"}}, Requester: "mallory"})
	assert.ErrorIs(t, err, errorir.ErrNotAuthorized)

	_, err = s.Write(ctx, WriteRequest{ID: "doc", Content: "v2", Capabilities: []string{"mint"}, Requester: "alice"})
	assert.ErrorIs(t, err, errorir.ErrNotAuthorized)

	_, err = s.Write(ctx, WriteRequest{ID: "doc", Content: "v2", KernelProtected: true, Requester: "alice"})
	assert.ErrorIs(t, err, errorir.ErrNotAuthorized)

	// A non-creator writer keeps created_by intact.
	updated, err := s.Write(ctx, WriteRequest{ID: "doc", Content: "v2", Requester: "bob"})
	require.NoError(t, err)
	assert.Equal(t, "alice", updated.CreatedBy)
	assert.Equal(t, TypeData, updated.Type)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, "v2", updated.Content)
}

func TestWrite_ReservedNamespace(t *testing.T) {
	s := newTestStore()
	for _, id := range []string{"genesis_ledger", "system:clock", "charge_delegation:alice"} {
		_, err := s.Write(context.Background(), WriteRequest{ID: id, Content: "x", Requester: "alice"})
		assert.ErrorIs(t, err, errorir.ErrNotAuthorized, id)
	}
}

func TestWrite_InvalidIdentifiers(t *testing.T) {
	s := newTestStore()
	for _, id := range []string{"", "has space", "tab\tid"} {
		_, err := s.Write(context.Background(), WriteRequest{ID: id, Requester: "alice"})
		assert.ErrorIs(t, err, errorir.ErrInvalidArgument, "%q", id)
	}
}

func TestWrite_ExpectVersion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	v := func(n int64) *int64 { return &n }

	_, err := s.Write(ctx, WriteRequest{ID: "doc", Content: "a", Requester: "alice", ExpectVersion: v(1)})
	require.Error(t, err)
	assert.False(t, s.Exists("doc"))

	write(t, s, WriteRequest{ID: "doc", Content: "a", Requester: "alice", ExpectVersion: v(0)})
	write(t, s, WriteRequest{ID: "doc", Content: "b", Requester: "alice", ExpectVersion: v(1)})

	// A writer that checked version 1 loses to the update above.
	_, err = s.Write(ctx, WriteRequest{ID: "doc", Content: "stale", Requester: "alice", ExpectVersion: v(1)})
	require.Error(t, err)
	ir := errorir.From(err)
	assert.True(t, ir.Retriable)
	assert.Equal(t, int64(1), ir.Details["expected_version"])
	assert.Equal(t, int64(2), ir.Details["version"])

	// Creating over a record that appeared since the check fails too.
	_, err = s.Write(ctx, WriteRequest{ID: "doc", Content: "mine", Requester: "mallory", ExpectVersion: v(0)})
	require.Error(t, err)

	_, err = s.Edit(ctx, EditRequest{ID: "doc", Old: "b", New: "c", Requester: "alice", ExpectVersion: v(1)})
	require.Error(t, err)
	a, err := s.Edit(ctx, EditRequest{ID: "doc", Old: "b", New: "c", Requester: "alice", ExpectVersion: v(2)})
	require.NoError(t, err)
	assert.Equal(t, "c", a.Content)
	assert.Equal(t, int64(3), a.Version)
}

func TestEdit_UniqueMatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	write(t, s, WriteRequest{ID: "txt", Content: "foo bar foo", Requester: "alice"})

	_, err := s.Edit(ctx, EditRequest{ID: "txt", Old: "foo", New: "baz", Requester: "alice"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errorir.ErrInvalidArgument)
	assert.Equal(t, 2, errorir.From(err).Details["matches"])

	_, err = s.Edit(ctx, EditRequest{ID: "txt", Old: "missing", New: "baz", Requester: "alice"})
	assert.ErrorIs(t, err, errorir.ErrInvalidArgument)

	_, err = s.Edit(ctx, EditRequest{ID: "txt", Old: "", New: "baz", Requester: "alice"})
	assert.ErrorIs(t, err, errorir.ErrInvalidArgument)

	a, err := s.Edit(ctx, EditRequest{ID: "txt", Old: "bar", New: "baz", Requester: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "foo baz foo", a.Content)
}

func TestEdit_CodeFieldRefreshesOutboundInvocations(t *testing.T) {
	s := newTestStore()
	write(t, s, WriteRequest{ID: "svc", Code: `run: invoke("a", args)`, Requester: "alice"})
	a, err := s.Get("svc")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, a.Metadata["outbound_invocations"])

	a, err = s.Edit(context.Background(), EditRequest{ID: "svc", Field: FieldCode, Old: `"a"`, New: `"b"`, Requester: "alice"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, a.Metadata["outbound_invocations"])
}

func TestDelete_Tombstone(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	write(t, s, WriteRequest{ID: "x", Content: "data", Requester: "alice"})

	_, err := s.Delete(ctx, "x", "bob")
	assert.ErrorIs(t, err, errorir.ErrNotAuthorized)

	del, err := s.Delete(ctx, "x", "alice")
	require.NoError(t, err)
	assert.True(t, del.Deleted)
	assert.Equal(t, "alice", del.DeletedBy)
	require.NotNil(t, del.DeletedAt)

	tomb := del.Tombstone()
	assert.Equal(t, true, tomb["deleted"])
	assert.Equal(t, "alice", tomb["deleted_by"])
	assert.NotContains(t, tomb, "content")

	_, err = s.Write(ctx, WriteRequest{ID: "x", Content: "again", Requester: "alice"})
	assert.ErrorIs(t, err, errorir.ErrDeleted)
	_, err = s.Edit(ctx, EditRequest{ID: "x", Old: "data", New: "d", Requester: "alice"})
	assert.ErrorIs(t, err, errorir.ErrDeleted)
	_, err = s.Delete(ctx, "x", "alice")
	assert.ErrorIs(t, err, errorir.ErrDeleted)

	assert.True(t, s.Exists("x"))
	assert.Len(t, s.ListAll(true), 1)
	assert.Empty(t, s.ListAll(false))
	assert.Equal(t, int64(0), s.GetOwnerUsage("alice"))
}

func TestDelete_ReservedNamespace(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	_, err := s.CreateProtected(ctx, Artifact{ID: "genesis_mint", Code: "run: 1", Executable: true, CreatedBy: "system"})
	require.NoError(t, err)
	_, err = s.Delete(ctx, "genesis_mint", "system")
	assert.ErrorIs(t, err, errorir.ErrNotAuthorized)
}

func TestDependencies_Validation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	write(t, s, WriteRequest{ID: "a", Content: "a", Requester: "alice"})
	write(t, s, WriteRequest{ID: "b", Content: "b", DependsOn: []string{"a"}, Requester: "alice"})

	_, err := s.Write(ctx, WriteRequest{ID: "c", DependsOn: []string{"ghost"}, Requester: "alice"})
	assert.ErrorIs(t, err, errorir.ErrNotFound)
	assert.False(t, s.Exists("c"))

	_, err = s.Write(ctx, WriteRequest{ID: "c", DependsOn: []string{"c"}, Requester: "alice"})
	assert.ErrorIs(t, err, errorir.ErrInvalidArgument)

	before, err := s.Get("a")
	require.NoError(t, err)
	_, err = s.Write(ctx, WriteRequest{ID: "a", Content: "a", DependsOn: []string{"b"}, Requester: "alice"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errorir.ErrInvalidArgument)
	assert.Contains(t, err.Error(), "cycle")

	after, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, before, after, "a rejected cycle leaves the store unchanged")
}

func TestDependencies_DeletedAtResolution(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	write(t, s, WriteRequest{ID: "lib", Content: "x", Requester: "alice"})
	write(t, s, WriteRequest{ID: "app", Code: "run: 1", DependsOn: []string{"lib"}, Requester: "bob"})

	deps, err := s.ResolveDependencies("app")
	require.NoError(t, err)
	require.Contains(t, deps, "lib")

	_, err = s.Delete(ctx, "lib", "alice")
	require.NoError(t, err)

	_, err = s.ResolveDependencies("app")
	assert.ErrorIs(t, err, errorir.ErrDeleted)

	_, err = s.Write(ctx, WriteRequest{ID: "app2", DependsOn: []string{"lib"}, Requester: "bob"})
	assert.ErrorIs(t, err, errorir.ErrDeleted)
}

func TestConcurrentWritesCannotFormCycle(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		s := newTestStore()
		write(t, s, WriteRequest{ID: "p", Requester: "alice"})
		write(t, s, WriteRequest{ID: "q", Requester: "alice"})

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = s.Write(ctx, WriteRequest{ID: "p", DependsOn: []string{"q"}, Requester: "alice"})
		}()
		go func() {
			defer wg.Done()
			_, _ = s.Write(ctx, WriteRequest{ID: "q", DependsOn: []string{"p"}, Requester: "alice"})
		}()
		wg.Wait()

		p, _ := s.Get("p")
		q, _ := s.Get("q")
		assert.False(t, len(p.DependsOn) > 0 && len(q.DependsOn) > 0, "both edges committed")
	}
}

func TestQuota(t *testing.T) {
	ctx := context.Background()
	limit := int64(10)
	s := newTestStore(WithQuota(func(owner string, used, delta int64) error {
		if used+delta > limit {
			return errorir.QuotaExceeded("disk", owner, "disk quota exceeded: %d + %d > %d", used, delta, limit)
		}
		return nil
	}))

	write(t, s, WriteRequest{ID: "a", Content: "12345678", Requester: "alice"})
	_, err := s.Write(ctx, WriteRequest{ID: "b", Content: "123", Requester: "alice"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errorir.ErrQuotaExceeded)
	assert.True(t, errorir.From(err).Retriable)

	// Shrinking is always allowed, and frees room.
	write(t, s, WriteRequest{ID: "a", Content: "1", Requester: "alice"})
	write(t, s, WriteRequest{ID: "b", Content: "123", Requester: "alice"})
	assert.Equal(t, int64(4), s.GetOwnerUsage("alice"))

	size, err := s.GetSize("b")
	require.NoError(t, err)
	assert.Equal(t, int64(3), size)
}

func TestModifyProtected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	_, err := s.CreateProtected(ctx, Artifact{
		ID:              "charge_delegation:alice",
		Type:            TypeDelegation,
		Content:         "{}",
		CreatedBy:       "alice",
		KernelProtected: true,
	})
	require.NoError(t, err)

	_, err = s.Write(ctx, WriteRequest{ID: "charge_delegation:alice", Content: "forged", Requester: "alice"})
	assert.ErrorIs(t, err, errorir.ErrNotAuthorized)
	_, err = s.Edit(ctx, EditRequest{ID: "charge_delegation:alice", Old: "{}", New: "[]", Requester: "alice"})
	assert.ErrorIs(t, err, errorir.ErrNotAuthorized)

	a, err := s.ModifyProtected(ctx, "charge_delegation:alice", func(a *Artifact) error {
		a.Content = `{"grants":[]}`
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, `{"grants":[]}`, a.Content)
	assert.Equal(t, int64(2), a.Version)

	_, err = s.ModifyProtected(ctx, "charge_delegation:alice", func(a *Artifact) error {
		a.CreatedBy = "mallory"
		return nil
	})
	assert.ErrorIs(t, err, errorir.ErrInvalidArgument)

	got, err := s.Get("charge_delegation:alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.CreatedBy)
}

func TestListQueries(t *testing.T) {
	s := newTestStore()
	write(t, s, WriteRequest{ID: "b", Content: "x", Requester: "alice"})
	write(t, s, WriteRequest{ID: "a", Code: "run: 1", Requester: "alice"})
	write(t, s, WriteRequest{ID: "c", Content: "x", Requester: "bob"})

	ids := func(as []*Artifact) []string {
		out := make([]string, len(as))
		for i, a := range as {
			out[i] = a.ID
		}
		return out
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids(s.ListAll(false)))
	assert.Equal(t, []string{"a", "b"}, ids(s.ListByOwner("alice")))
	assert.Equal(t, []string{"a"}, ids(s.ListByType(TypeExecutable)))
}

func TestSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	write(t, s, WriteRequest{ID: "a", Content: "x", Requester: "alice"})
	write(t, s, WriteRequest{ID: "b", DependsOn: []string{"a"}, Requester: "alice"})
	_, err := s.Delete(ctx, "b", "alice")
	require.NoError(t, err)

	snap := s.Snapshot()
	restored := newTestStore()
	require.NoError(t, restored.Restore(snap))
	assert.Equal(t, s.ListAll(true), restored.ListAll(true))

	cyclic := []Artifact{
		{ID: "x", CreatedBy: "alice", DependsOn: []string{"y"}},
		{ID: "y", CreatedBy: "alice", DependsOn: []string{"x"}},
	}
	assert.Error(t, newTestStore().Restore(cyclic))
}

func TestConcurrentWritesDifferentIDs(t *testing.T) {
	s := newTestStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Write(context.Background(), WriteRequest{ID: fmt.Sprintf("art-%d", i), Content: "x", Requester: "alice"})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Len(t, s.ListAll(false), 50)
}
