package executor

import (
	"context"
	"encoding/json"
	"math"
	"strings"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/artifacts"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/authz"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/kernel/errorir"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/runtime/sandbox"
)

func pureFunctions() []sandbox.HostFunction {
	return []sandbox.HostFunction{
		{Name: "json_decode", Arity: 1, Capability: sandbox.CapPure, Fn: func(args []any) (any, error) {
			s, err := argString(args[0], "json_decode")
			if err != nil {
				return nil, err
			}
			v, err := sandbox.DecodeJSON([]byte(s))
			if err != nil {
				return nil, errorir.InvalidArgument("json_decode: %v", err)
			}
			return v, nil
		}},
		{Name: "json_encode", Arity: 1, Capability: sandbox.CapPure, Fn: func(args []any) (any, error) {
			b, err := json.Marshal(args[0])
			if err != nil {
				return nil, errorir.InvalidArgument("json_encode: %v", err)
			}
			return string(b), nil
		}},
	}
}

// walletFunctions are scoped to the running artifact's own wallet.
func (f *frame) walletFunctions() []sandbox.HostFunction {
	self := f.artifact.ID
	return []sandbox.HostFunction{
		{Name: "balance", Arity: 0, Capability: sandbox.CapLedgerRead, Fn: func([]any) (any, error) {
			return f.sess.ledger.Balance(self), nil
		}},
		{Name: "balance_of", Arity: 1, Capability: sandbox.CapLedgerRead, Fn: func(args []any) (any, error) {
			id, err := argString(args[0], "balance_of")
			if err != nil {
				return nil, err
			}
			return f.sess.ledger.Balance(id), nil
		}},
		{Name: "pay", Arity: 2, Capability: sandbox.CapLedgerWrite, Fn: func(args []any) (any, error) {
			if err := f.sess.live(); err != nil {
				return nil, err
			}
			to, err := argString(args[0], "pay")
			if err != nil {
				return nil, err
			}
			to, err = artifacts.NormalizeID(to)
			if err != nil {
				return nil, err
			}
			amount, err := argInt(args[1], "pay")
			if err != nil {
				return nil, err
			}
			if err := f.sess.ledger.Transfer(self, to, amount, "pay:"+self); err != nil {
				return nil, err
			}
			return true, nil
		}},
	}
}

// stateFunctions read and write artifacts through the permission engine,
// acting as the running artifact.
func (f *frame) stateFunctions(ctx context.Context) []sandbox.HostFunction {
	self := f.artifact.ID
	return []sandbox.HostFunction{
		{Name: "read_artifact", Arity: 1, Capability: sandbox.CapArtifactsRead, Fn: func(args []any) (any, error) {
			id, err := argString(args[0], "read_artifact")
			if err != nil {
				return nil, err
			}
			a, err := f.sess.store.Get(id)
			if err != nil {
				return nil, err
			}
			if a.Deleted {
				return nil, errorir.Deleted(a.ID)
			}
			perm := f.sess.ex.authz.Check(ctx, self, authz.ActionRead, a, nil)
			if !perm.Allowed {
				return nil, perm.Err().With("artifact_id", a.ID)
			}
			if perm.Cost > 0 && f.payer != a.CreatedBy {
				if err := f.sess.ledger.Transfer(f.payer, a.CreatedBy, perm.Cost, "read:"+a.ID); err != nil {
					return nil, err
				}
			}
			return a.Content, nil
		}},
		{Name: "write_artifact", Arity: 2, Capability: sandbox.CapArtifactsWrite, Fn: func(args []any) (any, error) {
			if err := f.sess.live(); err != nil {
				return nil, err
			}
			id, err := argString(args[0], "write_artifact")
			if err != nil {
				return nil, err
			}
			content, err := contentString(args[1])
			if err != nil {
				return nil, err
			}
			return f.writeContent(ctx, id, content)
		}},
		{Name: "self_state", Arity: 0, Capability: sandbox.CapArtifactsRead, Fn: func([]any) (any, error) {
			a, err := f.sess.store.Get(self)
			if err != nil {
				return nil, err
			}
			return a.Content, nil
		}},
		{Name: "set_self_state", Arity: 1, Capability: sandbox.CapArtifactsWrite, Fn: func(args []any) (any, error) {
			if err := f.sess.live(); err != nil {
				return nil, err
			}
			content, err := contentString(args[0])
			if err != nil {
				return nil, err
			}
			if _, err := f.sess.store.SetContent(self, content); err != nil {
				return nil, err
			}
			return true, nil
		}},
	}
}

// writeContent creates id owned by the running artifact, or replaces the
// content of an existing artifact the running artifact may write.
func (f *frame) writeContent(ctx context.Context, id, content string) (any, error) {
	self := f.artifact.ID
	existing, err := f.sess.store.Get(id)
	if err != nil {
		if errorir.KindOf(err) != errorir.KindNotFound {
			return nil, err
		}
		if _, err := f.sess.store.Write(artifacts.WriteRequest{ID: id, Content: content, Requester: self}); err != nil {
			return nil, err
		}
		return true, nil
	}
	if existing.Deleted {
		return nil, errorir.Deleted(existing.ID)
	}
	perm := f.sess.ex.authz.Check(ctx, self, authz.ActionWrite, existing, nil)
	if !perm.Allowed {
		return nil, perm.Err().With("artifact_id", existing.ID)
	}
	if _, err := f.sess.store.SetContent(existing.ID, content); err != nil {
		return nil, err
	}
	return true, nil
}

// invokeFunctions compose artifacts. A failed nested call returns a failure
// envelope to the calling code after its effects are rolled back; an aborted
// chain (depth bound, timeout) stops the calling code as well.
func (f *frame) invokeFunctions(ctx context.Context) []sandbox.HostFunction {
	call := func(target, method string, args any) (any, error) {
		list, err := argList(args)
		if err != nil {
			return nil, err
		}
		out, err := f.sess.invoke(ctx, f.artifact.ID, target, method, sandbox.NormalizeArgs(list), f.depth+1)
		if err != nil {
			if aerr := f.sess.err(); aerr != nil {
				return nil, aerr
			}
			return envelope(nil, 0, err), nil
		}
		return envelope(out.value, out.price, nil), nil
	}
	return []sandbox.HostFunction{
		{Name: "invoke", Arity: 2, Capability: sandbox.CapInvoke, Fn: func(args []any) (any, error) {
			id, err := argString(args[0], "invoke")
			if err != nil {
				return nil, err
			}
			return call(id, "", args[1])
		}},
		{Name: "invoke_method", Arity: 3, Capability: sandbox.CapInvoke, Fn: func(args []any) (any, error) {
			id, err := argString(args[0], "invoke_method")
			if err != nil {
				return nil, err
			}
			method, err := argString(args[1], "invoke_method")
			if err != nil {
				return nil, err
			}
			return call(id, method, args[2])
		}},
		{Name: "dep", Arity: 2, Capability: sandbox.CapInvoke, Fn: func(args []any) (any, error) {
			id, err := argString(args[0], "dep")
			if err != nil {
				return nil, err
			}
			if !declared(f.artifact.DependsOn, id) {
				return nil, errorir.InvalidArgument("%s is not a declared dependency of %s", id, f.artifact.ID)
			}
			return call(id, "", args[1])
		}},
	}
}

func declared(deps []string, id string) bool {
	for _, d := range deps {
		if d == id {
			return true
		}
	}
	return false
}

func argString(v any, fn string) (string, error) {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", errorir.InvalidArgument("%s expects a non-empty string, got %T", fn, v)
	}
	return s, nil
}

func argInt(v any, fn string) (int64, error) {
	switch n := sandbox.Normalize(v).(type) {
	case int64:
		return n, nil
	case float64:
		if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
			return int64(n), nil
		}
	}
	return 0, errorir.InvalidArgument("%s expects an integer amount, got %v", fn, v)
}

func argList(v any) ([]any, error) {
	switch t := sandbox.Normalize(v).(type) {
	case nil:
		return nil, nil
	case []any:
		return t, nil
	default:
		return []any{t}, nil
	}
}

func contentString(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", errorir.InvalidArgument("content is not JSON encodable: %v", err)
	}
	return string(b), nil
}
