package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/artifacts"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/authz"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/kernel/errorir"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/ledger"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/ratelimit"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/runtime/budget"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/runtime/sandbox"
)

type harness struct {
	ledger *ledger.Ledger
	store  *artifacts.Store
	ex     *Executor
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	l := ledger.New()
	s := artifacts.NewStore()
	runner, err := sandbox.NewRunner(budget.DefaultBudget())
	require.NoError(t, err)
	t.Cleanup(func() { _ = runner.Close(context.Background()) })
	return &harness{ledger: l, store: s, ex: New(l, s, authz.NewEngine(s), runner, opts...)}
}

func (h *harness) fund(t *testing.T, id string, amount int64) {
	t.Helper()
	require.NoError(t, h.ledger.Credit(context.Background(), id, amount, "test"))
}

func (h *harness) put(t *testing.T, req artifacts.WriteRequest) {
	t.Helper()
	_, err := h.store.Write(context.Background(), req)
	require.NoError(t, err)
}

func (h *harness) system(t *testing.T, id, code string, caps ...string) {
	t.Helper()
	_, err := h.store.CreateProtected(context.Background(), artifacts.Artifact{
		ID:           id,
		CreatedBy:    "system",
		Code:         code,
		Executable:   true,
		Capabilities: caps,
	})
	require.NoError(t, err)
}

func (h *harness) content(t *testing.T, id string) string {
	t.Helper()
	a, err := h.store.Get(id)
	require.NoError(t, err)
	return a.Content
}

func priced(price int64) *artifacts.Policy {
	p := artifacts.DefaultPolicy()
	p.InvokePrice = price
	return p
}

func TestExecute_PureOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.ex.Execute(ctx, "args[0] + args[1]", []any{1, 2})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, int64(3), res.Result)
	assert.Contains(t, res.ResourcesConsumed, ResourceCPUSeconds)

	// JSON-looking string arguments arrive decoded.
	res = h.ex.Execute(ctx, "args[0].a", []any{`{"a": 5}`})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, int64(5), res.Result)

	res = h.ex.Execute(ctx, "pay('bob', 1)", nil)
	assert.False(t, res.Success)
	assert.Equal(t, errorir.KindRuntimeError, res.ErrorKind)
}

func TestExecuteWithWallet(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "w", 100)

	res := h.ex.ExecuteWithWallet(ctx, "[pay('bob', 30), balance()]", nil, "w")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, []any{true, int64(70)}, res.Result)
	assert.Equal(t, int64(70), h.ledger.GetBalance("w"))
	assert.Equal(t, int64(30), h.ledger.GetBalance("bob"))

	// The second payment fails, so the first is not applied either.
	res = h.ex.ExecuteWithWallet(ctx, "[pay('bob', 30), pay('bob', 1000)]", nil, "w")
	assert.False(t, res.Success)
	assert.Equal(t, errorir.KindInsufficientFunds, res.ErrorKind)
	assert.Equal(t, int64(70), h.ledger.GetBalance("w"))
	assert.Equal(t, int64(30), h.ledger.GetBalance("bob"))
}

func TestInvoke_PricePaidToCreator(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "alice", 100)
	h.put(t, artifacts.WriteRequest{ID: "doubler", Code: "args[0] * 2", Policy: priced(10), Requester: "bob"})

	res := h.ex.Invoke(context.Background(), InvokeRequest{Caller: "alice", ArtifactID: "doubler", Args: []any{21}})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, int64(42), res.Result)
	assert.Equal(t, int64(10), res.PricePaid)
	assert.Equal(t, "alice", res.ChargedTo)
	assert.Equal(t, int64(90), h.ledger.GetBalance("alice"))
	assert.Equal(t, int64(10), h.ledger.GetBalance("bob"))

	// The creator invokes for free.
	res = h.ex.Invoke(context.Background(), InvokeRequest{Caller: "bob", ArtifactID: "doubler", Args: []any{1}})
	require.True(t, res.Success, res.Error)
	assert.Zero(t, res.PricePaid)
	assert.Equal(t, int64(10), h.ledger.GetBalance("bob"))
}

func TestInvoke_Failures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "alice", 5)
	h.put(t, artifacts.WriteRequest{ID: "notes", Content: "hello", Requester: "bob"})
	h.put(t, artifacts.WriteRequest{ID: "gone", Code: "1", Requester: "bob"})
	_, err := h.store.Delete(ctx, "gone", "bob")
	require.NoError(t, err)
	h.put(t, artifacts.WriteRequest{ID: "closed", Code: "1", Requester: "bob",
		Policy: &artifacts.Policy{AllowRead: []string{"*"}, AllowWrite: []string{}, AllowInvoke: []string{}}})
	h.put(t, artifacts.WriteRequest{ID: "pricey", Code: "1", Policy: priced(50), Requester: "bob"})
	h.put(t, artifacts.WriteRequest{ID: "broken", Code: "args[0] +", Requester: "bob"})

	tests := []struct {
		target string
		want   errorir.Kind
	}{
		{"missing", errorir.KindNotFound},
		{"gone", errorir.KindDeleted},
		{"notes", errorir.KindNotExecutable},
		{"closed", errorir.KindNotAuthorized},
		{"pricey", errorir.KindInsufficientFunds},
		{"broken", errorir.KindRuntimeError},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			res := h.ex.Invoke(ctx, InvokeRequest{Caller: "alice", ArtifactID: tt.target, Args: []any{1}})
			assert.False(t, res.Success)
			assert.Equal(t, tt.want, res.ErrorKind, res.Error)
			require.NotNil(t, res.Err)
			assert.Equal(t, int64(5), h.ledger.GetBalance("alice"))
		})
	}
}

func chain(t *testing.T, h *harness, from, to int) {
	t.Helper()
	for i := from; i <= to; i++ {
		code := "1"
		if i < to {
			code = fmt.Sprintf(`invoke("a%d", [])`, i+1)
		}
		h.put(t, artifacts.WriteRequest{ID: fmt.Sprintf("a%d", i), Code: code, Policy: priced(1), Requester: "bob"})
	}
}

func TestInvoke_DepthBound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "alice", 100)
	chain(t, h, 1, 6)

	res := h.ex.Invoke(ctx, InvokeRequest{Caller: "alice", ArtifactID: "a1"})
	require.False(t, res.Success)
	assert.Equal(t, errorir.KindInvalidArgument, res.ErrorKind)
	require.NotNil(t, res.Err)
	assert.Equal(t, budget.ErrInvokeDepthExceeded, res.Err.Details["budget_code"])
	assert.Equal(t, int64(100), h.ledger.GetBalance("alice"), "no hop of an aborted chain is charged")
	assert.Zero(t, h.ledger.GetBalance("bob"))

	// Starting one hop lower keeps the deepest call at the bound.
	res = h.ex.Invoke(ctx, InvokeRequest{Caller: "alice", ArtifactID: "a2"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, int64(95), h.ledger.GetBalance("alice"))
	assert.Equal(t, int64(5), h.ledger.GetBalance("bob"))
}

func TestInvoke_NestedFailureRollsBackOnlyTheCallee(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "alice", 100)
	h.put(t, artifacts.WriteRequest{ID: "bad", Code: `[set_self_state("dirty"), json_decode("{")]`, Policy: priced(7), Requester: "bob"})
	h.put(t, artifacts.WriteRequest{ID: "outer", Code: `[set_self_state("visited"), invoke("bad", [])]`, Requester: "bob"})

	res := h.ex.Invoke(context.Background(), InvokeRequest{Caller: "alice", ArtifactID: "outer"})
	require.True(t, res.Success, res.Error)

	out, ok := res.Result.([]any)
	require.True(t, ok)
	require.Len(t, out, 2)
	env, ok := out[1].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, env["success"])
	assert.Equal(t, "invalid_argument", env["error_code"])

	assert.Equal(t, "visited", h.content(t, "outer"))
	assert.Empty(t, h.content(t, "bad"))
	assert.Equal(t, int64(100), h.ledger.GetBalance("alice"))
}

func TestInvoke_TimeoutLeavesNoPartialState(t *testing.T) {
	b := budget.DefaultBudget()
	b.TimeLimitMs = 50
	h := newHarness(t, WithBudget(b))
	h.fund(t, "alice", 100)
	require.NoError(t, h.ex.RegisterExtension(Extension{
		Name:               "stall",
		RequiresCapability: "test",
		Capability:         sandbox.CapPure,
		Fn: func(ctx context.Context, _ *Call, _ []any) (any, error) {
			select {
			case <-time.After(300 * time.Millisecond):
			case <-ctx.Done():
			}
			return true, nil
		},
	}))
	h.system(t, "slow", `[set_self_state("changed"), pay("bob", 10), stall()]`, "test")
	h.fund(t, "slow", 10)

	res := h.ex.Invoke(context.Background(), InvokeRequest{Caller: "alice", ArtifactID: "slow"})
	require.False(t, res.Success)
	assert.Equal(t, errorir.KindTimeout, res.ErrorKind)
	assert.Empty(t, h.content(t, "slow"))
	assert.Equal(t, int64(10), h.ledger.GetBalance("slow"))
	assert.Zero(t, h.ledger.GetBalance("bob"))
}

func TestInvoke_HandleRequestSkipsPolicy(t *testing.T) {
	h := newHarness(t)
	h.put(t, artifacts.WriteRequest{
		ID:        "door",
		Code:      "handle_request: 'caller == \"carol\" ? \"welcome \" + operation : \"go away\"'\n",
		Policy:    &artifacts.Policy{InvokePrice: 50, AllowRead: []string{"*"}, AllowWrite: []string{}, AllowInvoke: []string{}},
		Requester: "bob",
	})

	res := h.ex.Invoke(context.Background(), InvokeRequest{Caller: "carol", ArtifactID: "door", Method: "enter"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "welcome enter", res.Result)
	assert.Zero(t, res.PricePaid)

	res = h.ex.Invoke(context.Background(), InvokeRequest{Caller: "dave", ArtifactID: "door"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "go away", res.Result)
}

func TestInvoke_Dependencies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.put(t, artifacts.WriteRequest{ID: "lib", Code: "args[0] + 1", Requester: "bob"})
	h.put(t, artifacts.WriteRequest{ID: "app", Code: `dep("lib", [41])["result"]`, DependsOn: []string{"lib"}, Requester: "bob"})
	h.put(t, artifacts.WriteRequest{ID: "sneaky", Code: `dep("lib", [1])`, Requester: "bob"})

	res := h.ex.Invoke(ctx, InvokeRequest{Caller: "alice", ArtifactID: "app"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, int64(42), res.Result)

	res = h.ex.Invoke(ctx, InvokeRequest{Caller: "alice", ArtifactID: "sneaky"})
	assert.Equal(t, errorir.KindInvalidArgument, res.ErrorKind)

	_, err := h.store.Delete(ctx, "lib", "bob")
	require.NoError(t, err)
	res = h.ex.Invoke(ctx, InvokeRequest{Caller: "alice", ArtifactID: "app"})
	assert.False(t, res.Success)
	assert.Equal(t, errorir.KindDeleted, res.ErrorKind)
}

func TestInvoke_WriteArtifactFromCode(t *testing.T) {
	h := newHarness(t)
	h.put(t, artifacts.WriteRequest{ID: "writer", Code: `write_artifact("scratch", {"k": 1})`, Requester: "bob"})

	res := h.ex.Invoke(context.Background(), InvokeRequest{Caller: "alice", ArtifactID: "writer"})
	require.True(t, res.Success, res.Error)

	a, err := h.store.Get("scratch")
	require.NoError(t, err)
	assert.Equal(t, "writer", a.CreatedBy)
	assert.JSONEq(t, `{"k": 1}`, a.Content)

	// bob's notes are not writable by the writer artifact.
	h.put(t, artifacts.WriteRequest{ID: "notes", Content: "mine", Requester: "bob"})
	h.put(t, artifacts.WriteRequest{ID: "vandal", Code: `write_artifact("notes", "defaced")`, Requester: "mallory"})
	res = h.ex.Invoke(context.Background(), InvokeRequest{Caller: "mallory", ArtifactID: "vandal"})
	assert.Equal(t, errorir.KindNotAuthorized, res.ErrorKind)
	assert.Equal(t, "mine", h.content(t, "notes"))
}

func TestInvoke_ContractGatesAccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "alice", 100)
	h.fund(t, "carol", 100)
	h.put(t, artifacts.WriteRequest{
		ID:        "gate",
		Type:      artifacts.TypeContract,
		Code:      "check_permission: '{\"allowed\": caller == \"alice\", \"reason\": \"alice only\", \"cost\": 3}'\n",
		Requester: "bob",
	})
	gate := "gate"
	h.put(t, artifacts.WriteRequest{ID: "guarded", Code: `"ok"`, AccessContractID: &gate, Requester: "bob"})

	res := h.ex.Invoke(ctx, InvokeRequest{Caller: "alice", ArtifactID: "guarded"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "ok", res.Result)
	assert.Equal(t, int64(3), res.PricePaid)
	assert.Equal(t, int64(97), h.ledger.GetBalance("alice"))
	assert.Equal(t, int64(3), h.ledger.GetBalance("bob"))

	res = h.ex.Invoke(ctx, InvokeRequest{Caller: "carol", ArtifactID: "guarded"})
	assert.Equal(t, errorir.KindNotAuthorized, res.ErrorKind)
	assert.Contains(t, res.Error, "alice only")
	assert.Equal(t, int64(100), h.ledger.GetBalance("carol"))
}

func TestRunContract_ReadOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "greedy", 10)
	h.put(t, artifacts.WriteRequest{ID: "greedy", Code: "check_permission: 'pay(\"bob\", 1)'\n", Requester: "bob"})
	h.put(t, artifacts.WriteRequest{ID: "peek", Code: "check_permission: 'balance_of(caller) > 0'\n", Requester: "bob"})
	h.put(t, artifacts.WriteRequest{ID: "norun", Code: "1", Requester: "bob"})
	target := &artifacts.Artifact{ID: "t", CreatedBy: "bob"}

	contract, err := h.store.Get("greedy")
	require.NoError(t, err)
	_, err = h.ex.RunContract(ctx, contract, authz.CheckRequest{Caller: "alice", Action: authz.ActionInvoke, Target: target})
	require.Error(t, err)
	assert.Equal(t, errorir.KindNotAuthorized, errorir.KindOf(err))
	assert.Equal(t, int64(10), h.ledger.GetBalance("greedy"))

	contract, err = h.store.Get("peek")
	require.NoError(t, err)
	h.fund(t, "alice", 1)
	res, err := h.ex.RunContract(ctx, contract, authz.CheckRequest{Caller: "alice", Action: authz.ActionRead, Target: target})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	res, err = h.ex.RunContract(ctx, contract, authz.CheckRequest{Caller: "nobody", Action: authz.ActionRead, Target: target})
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	contract, err = h.store.Get("norun")
	require.NoError(t, err)
	_, err = h.ex.RunContract(ctx, contract, authz.CheckRequest{Caller: "alice", Action: authz.ActionRead, Target: target})
	assert.Equal(t, errorir.KindNotExecutable, errorir.KindOf(err))
}

func TestRunContract_ReadsObeyPermissions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	private := authz.ContractPrivate
	h.put(t, artifacts.WriteRequest{ID: "diary", Content: "alice-diary-7", AccessContractID: &private, Requester: "alice"})
	h.put(t, artifacts.WriteRequest{ID: "bulletin", Content: "open", Requester: "alice"})
	h.put(t, artifacts.WriteRequest{
		ID:        "pricey",
		Content:   "paywalled",
		Policy:    &artifacts.Policy{ReadPrice: 2, AllowRead: []string{"*"}, AllowWrite: []string{}, AllowInvoke: []string{}},
		Requester: "alice",
	})
	h.put(t, artifacts.WriteRequest{
		ID:        "snoop",
		Type:      artifacts.TypeContract,
		Code:      "check_permission: '{\"allowed\": false, \"reason\": read_artifact(\"diary\")}'\n",
		Requester: "mallory",
	})
	snoop := "snoop"
	h.put(t, artifacts.WriteRequest{ID: "lure", Code: `"ok"`, AccessContractID: &snoop, Requester: "mallory"})

	// The contract's denial reason must not carry content its reader could
	// not see.
	res := h.ex.Invoke(ctx, InvokeRequest{Caller: "mallory", ArtifactID: "lure"})
	require.False(t, res.Success)
	assert.Equal(t, errorir.KindNotAuthorized, res.ErrorKind)
	assert.NotContains(t, res.Error, "alice-diary-7")

	target := &artifacts.Artifact{ID: "t", CreatedBy: "bob"}
	contract, err := h.store.Get("snoop")
	require.NoError(t, err)
	_, err = h.ex.RunContract(ctx, contract, authz.CheckRequest{Caller: "mallory", Action: authz.ActionRead, Target: target})
	require.Error(t, err)
	assert.Equal(t, errorir.KindNotAuthorized, errorir.KindOf(err))
	assert.NotContains(t, err.Error(), "alice-diary-7")

	// Readable artifacts stay readable; priced ones are closed since
	// contracts cannot pay.
	h.put(t, artifacts.WriteRequest{ID: "notice", Code: "check_permission: 'read_artifact(\"bulletin\") == \"open\"'\n", Requester: "mallory"})
	contract, err = h.store.Get("notice")
	require.NoError(t, err)
	out, err := h.ex.RunContract(ctx, contract, authz.CheckRequest{Caller: "carol", Action: authz.ActionRead, Target: target})
	require.NoError(t, err)
	assert.True(t, out.Allowed)

	h.put(t, artifacts.WriteRequest{ID: "freeload", Code: "check_permission: 'read_artifact(\"pricey\") != \"\"'\n", Requester: "mallory"})
	contract, err = h.store.Get("freeload")
	require.NoError(t, err)
	_, err = h.ex.RunContract(ctx, contract, authz.CheckRequest{Caller: "carol", Action: authz.ActionRead, Target: target})
	assert.Equal(t, errorir.KindNotAuthorized, errorir.KindOf(err))
}

func TestRunContract_SeesStagedState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.put(t, artifacts.WriteRequest{
		ID:        "switchboard",
		Type:      artifacts.TypeContract,
		Code:      "check_permission: 'read_artifact(\"switch\") == \"on\" && balance_of(\"opener\") == 2'\n",
		Requester: "bob",
	})
	board := "switchboard"
	h.put(t, artifacts.WriteRequest{ID: "vault", Code: `"opened"`, AccessContractID: &board, Requester: "bob"})
	h.put(t, artifacts.WriteRequest{ID: "opener", Code: `[write_artifact("switch", "on"), pay("bob", 3), invoke("vault", [])]`, Requester: "alice"})
	h.fund(t, "opener", 5)

	// Against live state the switch does not exist yet.
	res := h.ex.Invoke(ctx, InvokeRequest{Caller: "alice", ArtifactID: "vault"})
	require.False(t, res.Success)
	assert.Equal(t, errorir.KindNotAuthorized, res.ErrorKind)

	res = h.ex.Invoke(ctx, InvokeRequest{Caller: "alice", ArtifactID: "opener"})
	require.True(t, res.Success, res.Error)
	out, ok := res.Result.([]any)
	require.True(t, ok)
	require.Len(t, out, 3)
	env, ok := out[2].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, env["success"], env["error"])
	assert.Equal(t, "opened", env["result"])
	assert.Equal(t, "on", h.content(t, "switch"))
	assert.Equal(t, int64(2), h.ledger.GetBalance("opener"))
}

func TestRunContract_TimeoutIsRetriable(t *testing.T) {
	b := budget.DefaultBudget()
	b.TimeLimitMs = 50
	b.CostLimit = 0
	h := newHarness(t, WithBudget(b))
	ctx := context.Background()

	// Ten million iterations of nested comprehension outlast the budget.
	spin := "g >= 0"
	for _, v := range []string{"g", "f", "e", "d", "c", "b", "a"} {
		spin = "[0, 1, 2, 3, 4, 5, 6, 7, 8, 9].all(" + v + ", " + spin + ")"
	}
	h.put(t, artifacts.WriteRequest{
		ID:        "spinner",
		Type:      artifacts.TypeContract,
		Code:      "check_permission: '" + spin + "'\n",
		Requester: "bob",
	})
	spinner := "spinner"
	h.put(t, artifacts.WriteRequest{ID: "guarded", Code: `"ok"`, AccessContractID: &spinner, Requester: "bob"})

	start := time.Now()
	res := h.ex.Invoke(ctx, InvokeRequest{Caller: "alice", ArtifactID: "guarded"})
	require.False(t, res.Success)
	assert.Equal(t, errorir.KindTimeout, res.ErrorKind)
	require.NotNil(t, res.Err)
	assert.True(t, res.Err.Retriable)
	assert.Less(t, time.Since(start), 2*time.Second)

	guarded, err := h.store.Get("guarded")
	require.NoError(t, err)
	perm := h.ex.authz.Check(ctx, "alice", authz.ActionRead, guarded, nil)
	require.False(t, perm.Allowed)
	assert.Equal(t, errorir.KindTimeout, perm.Err().Kind)
}

type grantMap map[string]*artifacts.Artifact

func (g grantMap) Get(id string) (*artifacts.Artifact, error) {
	a, ok := g[id]
	if !ok {
		return nil, errorir.NotFound("artifact", id)
	}
	return a, nil
}

func delegationRecord(t *testing.T, principal string, protected bool, grants ...Grant) *artifacts.Artifact {
	t.Helper()
	b, err := json.Marshal(DelegationRecord{Principal: principal, Grants: grants})
	require.NoError(t, err)
	return &artifacts.Artifact{
		ID:              DelegationID(principal),
		CreatedBy:       principal,
		Content:         string(b),
		KernelProtected: protected,
	}
}

func TestResolvePayer(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	sponsored := &artifacts.Artifact{ID: "svc", CreatedBy: "bob", ChargeTo: artifacts.ChargeToTarget}
	plain := &artifacts.Artifact{ID: "svc", CreatedBy: "bob"}
	ictx := InvocationContext{OriginalCaller: "alice", Caller: "alice", Cost: 10, Now: now}

	forged := delegationRecord(t, "bob", true, Grant{Charger: "alice", MaxPerCall: 50})
	forged.CreatedBy = "mallory"

	tests := []struct {
		name   string
		target *artifacts.Artifact
		grants grantMap
		want   string
	}{
		{"caller billing ignores grants", plain,
			grantMap{DelegationID("bob"): delegationRecord(t, "bob", true, Grant{Charger: "alice", MaxPerCall: 50})}, "alice"},
		{"no record", sponsored, grantMap{}, "alice"},
		{"matching grant", sponsored,
			grantMap{DelegationID("bob"): delegationRecord(t, "bob", true, Grant{Charger: "alice", MaxPerCall: 50})}, "bob"},
		{"wildcard grant", sponsored,
			grantMap{DelegationID("bob"): delegationRecord(t, "bob", true, Grant{Charger: "*", MaxPerCall: 10})}, "bob"},
		{"cost above cap", sponsored,
			grantMap{DelegationID("bob"): delegationRecord(t, "bob", true, Grant{Charger: "alice", MaxPerCall: 9})}, "alice"},
		{"expired grant", sponsored,
			grantMap{DelegationID("bob"): delegationRecord(t, "bob", true, Grant{Charger: "alice", MaxPerCall: 50, ExpiresAt: &past})}, "alice"},
		{"other charger", sponsored,
			grantMap{DelegationID("bob"): delegationRecord(t, "bob", true, Grant{Charger: "carol", MaxPerCall: 50})}, "alice"},
		{"unprotected record", sponsored,
			grantMap{DelegationID("bob"): delegationRecord(t, "bob", false, Grant{Charger: "alice", MaxPerCall: 50})}, "alice"},
		{"record not owned by the principal", sponsored, grantMap{DelegationID("bob"): forged}, "alice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolvePayer(tt.target, ictx, tt.grants))
		})
	}
}

func TestDelegationService(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, ext := range h.ex.DelegationExtensions() {
		require.NoError(t, h.ex.RegisterExtension(ext))
	}
	h.system(t, "genesis_delegation",
		"run: 'grant_charge_delegation(args[0], args[1], 0)'\nhandle_request: 'operation == \"revoke\" ? revoke_charge_delegation(args[0]) : (operation == \"list\" ? charge_delegations() : grant_charge_delegation(args[0], args[1], 0))'\n",
		CapabilityDelegation)
	h.fund(t, "alice", 100)
	h.fund(t, "carol", 100)
	h.put(t, artifacts.WriteRequest{ID: "sponsored", Code: `"served"`, ChargeTo: artifacts.ChargeToTarget, Policy: priced(20), Requester: "bob"})

	res := h.ex.Invoke(ctx, InvokeRequest{Caller: "bob", ArtifactID: "genesis_delegation", Method: "grant", Args: []any{"alice", 50}})
	require.True(t, res.Success, res.Error)

	rec, err := h.store.Get(DelegationID("bob"))
	require.NoError(t, err)
	assert.True(t, rec.KernelProtected)
	assert.Equal(t, "bob", rec.CreatedBy)

	res = h.ex.Invoke(ctx, InvokeRequest{Caller: "alice", ArtifactID: "sponsored"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "bob", res.ChargedTo)
	assert.Equal(t, int64(100), h.ledger.GetBalance("alice"))

	res = h.ex.Invoke(ctx, InvokeRequest{Caller: "carol", ArtifactID: "sponsored"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "carol", res.ChargedTo)
	assert.Equal(t, int64(80), h.ledger.GetBalance("carol"))

	res = h.ex.Invoke(ctx, InvokeRequest{Caller: "bob", ArtifactID: "genesis_delegation", Method: "revoke", Args: []any{"alice"}})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, true, res.Result)

	res = h.ex.Invoke(ctx, InvokeRequest{Caller: "alice", ArtifactID: "sponsored"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "alice", res.ChargedTo)
	assert.Equal(t, int64(80), h.ledger.GetBalance("alice"))

	// Users cannot touch the record directly.
	_, err = h.store.Write(ctx, artifacts.WriteRequest{ID: DelegationID("bob"), Content: "{}", Requester: "bob"})
	assert.Equal(t, errorir.KindNotAuthorized, errorir.KindOf(err))
}

func TestExtensions_CapabilityGatedAndCommitHooks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var fired atomic.Int32
	require.NoError(t, h.ex.RegisterExtension(Extension{
		Name:               "note",
		RequiresCapability: "notary",
		Capability:         sandbox.CapPure,
		Fn: func(_ context.Context, call *Call, _ []any) (any, error) {
			call.OnCommit(func(context.Context) { fired.Add(1) })
			return call.Caller, nil
		},
	}))
	assert.Error(t, h.ex.RegisterExtension(Extension{Name: "loose", Fn: func(context.Context, *Call, []any) (any, error) { return nil, nil }}))

	h.system(t, "notary", "note()", "notary")
	h.system(t, "notary_fail", `[note(), json_decode("{")]`, "notary")
	h.put(t, artifacts.WriteRequest{ID: "impostor", Code: "note()", Requester: "mallory"})

	res := h.ex.Invoke(ctx, InvokeRequest{Caller: "alice", ArtifactID: "notary"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "alice", res.Result)
	assert.Equal(t, int32(1), fired.Load())

	res = h.ex.Invoke(ctx, InvokeRequest{Caller: "alice", ArtifactID: "notary_fail"})
	assert.False(t, res.Success)
	assert.Equal(t, int32(1), fired.Load())

	res = h.ex.Invoke(ctx, InvokeRequest{Caller: "alice", ArtifactID: "impostor"})
	assert.False(t, res.Success)
	assert.Equal(t, errorir.KindRuntimeError, res.ErrorKind)
}

func TestInvoke_CPUAdmission(t *testing.T) {
	tracker := ratelimit.NewTracker(nil, map[string]ratelimit.Limit{
		ResourceCPUSeconds: {MaxPerWindow: 10, Window: time.Minute},
	})
	h := newHarness(t, WithTracker(tracker))
	ctx := context.Background()
	h.put(t, artifacts.WriteRequest{ID: "spin", Code: "1", Requester: "bob"})

	res := h.ex.Invoke(ctx, InvokeRequest{Caller: "alice", ArtifactID: "spin"})
	require.True(t, res.Success, res.Error)
	used, err := tracker.Usage(ctx, ResourceCPUSeconds, "alice")
	require.NoError(t, err)
	assert.Greater(t, used, 0.0)

	require.NoError(t, tracker.Record(ctx, ResourceCPUSeconds, "carol", 11))
	res = h.ex.Invoke(ctx, InvokeRequest{Caller: "carol", ArtifactID: "spin"})
	assert.False(t, res.Success)
	assert.Equal(t, errorir.KindQuotaExceeded, res.ErrorKind)
}
