package executor

import (
	"context"
	"fmt"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/artifacts"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/authz"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/kernel/errorir"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/runtime/sandbox"
)

// RunContract evaluates a contract's check_permission entry point. Contract
// code reads the state of the invocation that triggered the check, or the
// live state outside one; every mutating host function is gated off.
func (e *Executor) RunContract(ctx context.Context, contract *artifacts.Artifact, req authz.CheckRequest) (authz.Result, error) {
	m, err := sandbox.ParseModule(contract.Code)
	if err != nil {
		return authz.Result{}, err
	}
	if !m.Has(sandbox.EntryCheckPermission) {
		return authz.Result{}, errorir.New(errorir.KindNotExecutable, "contract %q has no %s entry point", contract.ID, sandbox.EntryCheckPermission)
	}

	enforcer := sandbox.NewPolicyEnforcer(sandbox.ContractSurface())
	fns := enforcer.Gate(e.readOnlyFunctions(ctx, contract.ID))
	out, err := e.runner.Run(ctx, m, sandbox.Request{
		Entry: sandbox.EntryCheckPermission,
		Vars: map[string]any{
			"caller":      req.Caller,
			"action":      string(req.Action),
			"target":      targetView(req.Target),
			"context":     sandbox.Normalize(req.Context),
			"artifact_id": contract.ID,
		},
		Functions: fns,
		Budget:    e.budget,
	})
	if v := enforcer.GetViolations(); len(v) > 0 {
		e.logger.WarnContext(ctx, "contract attempted a mutating call",
			"contract_id", contract.ID, "function", v[0].Function)
	}
	if err != nil {
		return authz.Result{}, err
	}
	return decodePermission(out.Value)
}

// targetView exposes the trust-bearing fields of the target. Content is
// included for contracts that gate on artifact state.
func targetView(a *artifacts.Artifact) map[string]any {
	if a == nil {
		return nil
	}
	v := map[string]any{
		"id":           a.ID,
		"type":         a.Type,
		"created_by":   a.CreatedBy,
		"content":      a.Content,
		"executable":   a.Executable,
		"has_standing": a.HasStanding,
		"depends_on":   sandbox.Normalize(a.DependsOn),
		"metadata":     sandbox.Normalize(a.Metadata),
	}
	if a.Policy != nil {
		v["policy"] = sandbox.Normalize(a.Policy)
	}
	return v
}

func decodePermission(v any) (authz.Result, error) {
	switch t := v.(type) {
	case bool:
		return authz.Result{Allowed: t}, nil
	case map[string]any:
		allowed, ok := t["allowed"].(bool)
		if !ok {
			return authz.Result{}, errorir.Runtime("contract result lacks a boolean allowed field")
		}
		res := authz.Result{Allowed: allowed}
		if r, ok := t["reason"].(string); ok {
			res.Reason = r
		}
		if c, ok := t["cost"]; ok && c != nil {
			cost, err := argInt(c, "check_permission cost")
			if err != nil {
				return authz.Result{}, err
			}
			res.Cost = cost
		}
		if c, ok := t["conditions"].(map[string]any); ok {
			res.Conditions = c
		}
		return res, nil
	default:
		return authz.Result{}, errorir.Runtime("contract returned %s, want bool or object", typeName(v))
	}
}

func typeName(v any) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%T", v)
}

// contractView is the state contract code reads.
type contractView struct {
	get     func(id string) (*artifacts.Artifact, error)
	balance func(id string) int64
}

func (e *Executor) contractView(ctx context.Context) contractView {
	if s := sessionFrom(ctx); s != nil {
		return contractView{get: s.store.Get, balance: s.ledger.Balance}
	}
	return contractView{get: e.store.Get, balance: e.ledger.ReadOnly().GetBalance}
}

// readOnlyFunctions is the contract surface: balances and artifact reads.
// A read is checked against the target's own access rules with the contract
// as the reader. Mutating names stay declared so the enforcer can record
// attempts.
func (e *Executor) readOnlyFunctions(ctx context.Context, contractID string) []sandbox.HostFunction {
	view := e.contractView(ctx)
	fns := pureFunctions()
	fns = append(fns,
		sandbox.HostFunction{Name: "balance", Arity: 0, Capability: sandbox.CapLedgerRead, Fn: func([]any) (any, error) {
			return view.balance(contractID), nil
		}},
		sandbox.HostFunction{Name: "balance_of", Arity: 1, Capability: sandbox.CapLedgerRead, Fn: func(args []any) (any, error) {
			id, err := argString(args[0], "balance_of")
			if err != nil {
				return nil, err
			}
			return view.balance(id), nil
		}},
		sandbox.HostFunction{Name: "read_artifact", Arity: 1, Capability: sandbox.CapArtifactsRead, Fn: func(args []any) (any, error) {
			id, err := argString(args[0], "read_artifact")
			if err != nil {
				return nil, err
			}
			a, err := view.get(id)
			if err != nil {
				return nil, err
			}
			if a.Deleted {
				return nil, errorir.Deleted(a.ID)
			}
			perm := e.authz.Check(ctx, contractID, authz.ActionRead, a, nil)
			if !perm.Allowed {
				return nil, perm.Err().With("artifact_id", a.ID)
			}
			// Contracts cannot pay, so priced reads stay closed to them.
			if perm.Cost > 0 {
				return nil, errorir.NotAuthorized("reading %s costs %d; contracts cannot pay", a.ID, perm.Cost).With("artifact_id", a.ID)
			}
			return a.Content, nil
		}},
		sandbox.HostFunction{Name: "pay", Arity: 2, Capability: sandbox.CapLedgerWrite, Fn: denied},
		sandbox.HostFunction{Name: "write_artifact", Arity: 2, Capability: sandbox.CapArtifactsWrite, Fn: denied},
		sandbox.HostFunction{Name: "set_self_state", Arity: 1, Capability: sandbox.CapArtifactsWrite, Fn: denied},
		sandbox.HostFunction{Name: "invoke", Arity: 2, Capability: sandbox.CapInvoke, Fn: denied},
	)
	return fns
}

func denied([]any) (any, error) {
	return nil, errorir.NotAuthorized("not available in read-only mode")
}
