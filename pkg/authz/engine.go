// Package authz answers "may principal P perform action A on artifact T?".
//
// Two strategies are supported. A static Policy on the artifact is a pure
// allow-list lookup. An access contract named by AccessContractID is either
// a built-in (freeware, self_owned, private, public) or another artifact
// whose check_permission entry point is executed through a ContractRunner
// with a read-only view of the ledger.
package authz

import (
	"context"
	"log/slog"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/artifacts"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/kernel/errorir"
)

// Action is an operation subject to a permission check.
type Action string

const (
	ActionRead     Action = "read"
	ActionWrite    Action = "write"
	ActionEdit     Action = "edit"
	ActionExecute  Action = "execute"
	ActionInvoke   Action = "invoke"
	ActionDelete   Action = "delete"
	ActionTransfer Action = "transfer"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionRead, ActionWrite, ActionEdit, ActionExecute, ActionInvoke, ActionDelete, ActionTransfer:
		return true
	}
	return false
}

// Result is the outcome of a permission check. Cost is the scrip price the
// caller owes for the action. It is never persisted.
type Result struct {
	Allowed    bool           `json:"allowed"`
	Reason     string         `json:"reason"`
	Cost       int64          `json:"cost"`
	Conditions map[string]any `json:"conditions,omitempty"`

	// Cause is the evaluation failure behind a fail-closed denial.
	Cause error `json:"-"`
}

// Err converts a denial into the error returned to the caller. A contract
// that ran out of time stays a retriable timeout; anything else is
// not_authorized.
func (r Result) Err() *errorir.Error {
	if errorir.KindOf(r.Cause) == errorir.KindTimeout {
		return errorir.Timeout("%s", r.Reason).Wrap(r.Cause)
	}
	return errorir.NotAuthorized("%s", r.Reason)
}

func allow(reason string, cost int64) Result {
	return Result{Allowed: true, Reason: reason, Cost: cost}
}

func deny(reason string) Result {
	return Result{Allowed: false, Reason: reason}
}

// CheckRequest is handed to contract code.
type CheckRequest struct {
	Caller  string
	Action  Action
	Target  *artifacts.Artifact
	Context map[string]any
}

// ArtifactGetter resolves contract artifacts.
type ArtifactGetter interface {
	Get(id string) (*artifacts.Artifact, error)
}

// ContractRunner executes a contract artifact's check_permission entry
// point. The executor implements it.
type ContractRunner interface {
	RunContract(ctx context.Context, contract *artifacts.Artifact, req CheckRequest) (Result, error)
}

// Engine evaluates permissions. It holds no mutable state of its own, so the
// same inputs always produce the same Result.
type Engine struct {
	store    ArtifactGetter
	runner   ContractRunner
	maxDepth int
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithRunner sets the contract runner.
func WithRunner(r ContractRunner) Option {
	return func(e *Engine) { e.runner = r }
}

// WithMaxContractDepth bounds nested contract evaluation.
func WithMaxContractDepth(n int) Option {
	return func(e *Engine) { e.maxDepth = n }
}

// NewEngine creates an engine that resolves contracts from store.
func NewEngine(store ArtifactGetter, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		maxDepth: 5,
		logger:   slog.Default().With("component", "authz"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetRunner wires the contract runner after construction; the executor and
// the engine reference each other.
func (e *Engine) SetRunner(r ContractRunner) {
	e.runner = r
}

type (
	depthKey struct{}
	viewKey  struct{}
)

// WithView resolves contract artifacts through view for checks made with
// the returned context, typically a transaction holding writes staged by an
// in-flight invocation.
func WithView(ctx context.Context, view ArtifactGetter) context.Context {
	return context.WithValue(ctx, viewKey{}, view)
}

func (e *Engine) view(ctx context.Context) ArtifactGetter {
	if v, ok := ctx.Value(viewKey{}).(ArtifactGetter); ok && v != nil {
		return v
	}
	return e.store
}

func contractDepth(ctx context.Context) int {
	d, _ := ctx.Value(depthKey{}).(int)
	return d
}

// Check evaluates whether caller may perform action on target.
func (e *Engine) Check(ctx context.Context, caller string, action Action, target *artifacts.Artifact, extra map[string]any) Result {
	if target == nil {
		return deny("target not found")
	}
	if !action.Valid() {
		return deny("unknown action " + string(action))
	}
	if caller == "" {
		return deny("anonymous caller")
	}
	if target.AccessContractID != "" {
		return e.checkContract(ctx, caller, action, target, extra)
	}
	return checkPolicy(caller, action, target)
}

func (e *Engine) checkContract(ctx context.Context, caller string, action Action, target *artifacts.Artifact, extra map[string]any) Result {
	id := target.AccessContractID
	if fn, ok := builtin(id); ok {
		return fn(caller, action, target)
	}

	depth := contractDepth(ctx)
	if depth >= e.maxDepth {
		e.logger.WarnContext(ctx, "contract depth exceeded", "contract_id", id, "depth", depth)
		return deny("contract evaluation depth exceeded")
	}
	store := e.view(ctx)
	if store == nil || e.runner == nil {
		return deny("contract " + id + " cannot be evaluated")
	}
	contract, err := store.Get(id)
	if err != nil {
		return deny("contract " + id + " not found")
	}
	if contract.Deleted {
		return deny("contract " + id + " is deleted")
	}
	if !contract.CanExecute() {
		return deny("contract " + id + " is not executable")
	}

	ctx = context.WithValue(ctx, depthKey{}, depth+1)
	res, err := e.runner.RunContract(ctx, contract, CheckRequest{
		Caller:  caller,
		Action:  action,
		Target:  target.Clone(),
		Context: extra,
	})
	if err != nil {
		e.logger.WarnContext(ctx, "contract evaluation failed", "contract_id", id, "target", target.ID, "error", err)
		res := deny("contract " + id + " failed: " + err.Error())
		res.Cause = err
		return res
	}
	if res.Cost < 0 {
		res.Cost = 0
	}
	if res.Reason == "" {
		if res.Allowed {
			res.Reason = "allowed by contract " + id
		} else {
			res.Reason = "denied by contract " + id
		}
	}
	return res
}

// checkPolicy is the static allow-list evaluation. The creator is always
// allowed at no cost; the artifact may read and modify itself.
func checkPolicy(caller string, action Action, target *artifacts.Artifact) Result {
	if caller == target.CreatedBy {
		return allow("creator", 0)
	}
	p := target.EffectivePolicy()
	switch action {
	case ActionRead:
		if caller == target.ID {
			return allow("self", 0)
		}
		if listed(p.AllowRead, caller) {
			return allow("allow_read", p.ReadPrice)
		}
	case ActionWrite, ActionEdit:
		if caller == target.ID {
			return allow("self", 0)
		}
		if listed(p.AllowWrite, caller) {
			return allow("allow_write", 0)
		}
	case ActionInvoke, ActionExecute:
		if listed(p.AllowInvoke, caller) {
			return allow("allow_invoke", p.InvokePrice)
		}
	case ActionDelete, ActionTransfer:
		return deny(string(action) + " is restricted to the creator")
	}
	return deny(caller + " is not permitted to " + string(action) + " " + target.ID)
}

// listed implements the allow-list semantics: "*" admits everyone, an empty
// list admits nobody beyond the creator.
func listed(list []string, caller string) bool {
	for _, id := range list {
		if id == "*" || id == caller {
			return true
		}
	}
	return false
}
