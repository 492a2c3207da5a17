// Package sandbox runs artifact code under a compute budget with a curated
// capability surface.
//
// The sandbox bounds execution time and evaluation cost and exposes only the
// host functions the caller registers. It is not a security boundary against
// host compromise; process isolation is expected to come from outside.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"
	"github.com/google/cel-go/interpreter"
	"github.com/tetratelabs/wazero"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/kernel/errorir"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/runtime/budget"
)

// Variables every CEL entry point may reference. Unset ones evaluate to null.
var celVariables = []string{
	"args", "method", "artifact_id", "caller", "operation",
	"action", "target", "context", "deps", "input",
}

// HostFunction is a capability injected into running code. Arguments and
// results use the shared value model (see Normalize).
type HostFunction struct {
	Name  string
	Arity int
	// Capability classifies the function for surface policies. Empty means
	// CapPure.
	Capability string
	Fn         func(args []any) (any, error)
}

// Request describes one entry-point evaluation.
type Request struct {
	Entry     string
	Vars      map[string]any
	Functions []HostFunction
	Budget    budget.ComputeBudget
}

// Outcome is a successful evaluation.
type Outcome struct {
	Value   any
	Cost    uint64
	Elapsed time.Duration
}

// Runner evaluates parsed modules.
type Runner struct {
	base   *cel.Env
	budget budget.ComputeBudget
	logger *slog.Logger

	wasmOnce sync.Once
	wasm     wazero.Runtime
	wasmErr  error
	compiled sync.Map // digest -> wazero.CompiledModule

	regoCache sync.Map // source+entry digest -> rego.PreparedEvalQuery
}

// NewRunner builds the shared CEL environment. The WASM runtime is created
// on first use with the memory ceiling from b.
func NewRunner(b budget.ComputeBudget) (*Runner, error) {
	opts := []cel.EnvOption{
		ext.Strings(),
		ext.Math(),
		ext.Lists(),
		ext.Sets(),
		ext.Encoders(),
		ext.Bindings(),
	}
	for _, name := range celVariables {
		opts = append(opts, cel.Variable(name, cel.DynType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Runner{
		base:   env,
		budget: b,
		logger: slog.Default().With("component", "sandbox"),
	}, nil
}

// Run evaluates req.Entry of m. The budget deadline is applied on top of
// any deadline already carried by ctx.
func (r *Runner) Run(ctx context.Context, m *Module, req Request) (Outcome, error) {
	if !m.Has(req.Entry) {
		return Outcome{}, errorir.New(errorir.KindNotExecutable, "entry point %q is not defined", req.Entry).With("entry", req.Entry)
	}
	b := req.Budget
	if b.TimeLimitMs <= 0 {
		b = r.budget
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, b.TimeLimit())
	defer cancel()

	type result struct {
		out Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: errorir.Runtime("code panicked: %v", p)}
			}
		}()
		var (
			out Outcome
			err error
		)
		switch m.Dialect {
		case DialectRego:
			out, err = r.runRego(ctx, m, req)
		case DialectWASM:
			out, err = r.runWASM(ctx, m, req, b)
		default:
			out, err = r.runCEL(ctx, m, req, b)
		}
		done <- result{out: out, err: err}
	}()

	select {
	case <-ctx.Done():
		elapsed := time.Since(start)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Outcome{Elapsed: elapsed}, budget.TimeoutError(b, elapsed).IR()
		}
		return Outcome{Elapsed: elapsed}, errorir.Runtime("execution cancelled").Wrap(ctx.Err())
	case res := <-done:
		res.out.Elapsed = time.Since(start)
		if res.err != nil {
			return res.out, r.classify(ctx, b, res.out.Elapsed, res.err)
		}
		return res.out, nil
	}
}

// classify maps engine failures to the kernel taxonomy. Typed errors raised
// by host functions pass through unchanged.
func (r *Runner) classify(ctx context.Context, b budget.ComputeBudget, elapsed time.Duration, err error) error {
	var ir *errorir.Error
	if errors.As(err, &ir) {
		return ir
	}
	var bErr *budget.ComputeBudgetError
	if errors.As(err, &bErr) {
		return bErr.IR()
	}
	if ctx.Err() != nil {
		return budget.TimeoutError(b, elapsed).IR()
	}
	var cancelled interpreter.EvalCancelledError
	if errors.As(err, &cancelled) && cancelled.Cause == interpreter.CostLimitExceeded {
		return (&budget.ComputeBudgetError{
			Code:    budget.ErrComputeCostExhausted,
			Message: "evaluation cost limit exceeded",
			Limit:   int64(b.CostLimit),
		}).IR()
	}
	return errorir.Runtime("%s", err.Error()).Wrap(err)
}

func (r *Runner) runCEL(ctx context.Context, m *Module, req Request, b budget.ComputeBudget) (Outcome, error) {
	env := r.base
	if len(req.Functions) > 0 {
		extended, err := r.base.Extend(celFunctions(req.Functions)...)
		if err != nil {
			return Outcome{}, errorir.Runtime("host function setup: %v", err)
		}
		env = extended
	}

	ast, issues := env.Compile(m.Entries[req.Entry])
	if issues != nil && issues.Err() != nil {
		return Outcome{}, errorir.Runtime("compile %s: %v", req.Entry, issues.Err()).With("entry", req.Entry)
	}
	progOpts := []cel.ProgramOption{
		cel.InterruptCheckFrequency(100),
		cel.EvalOptions(cel.OptTrackCost),
	}
	if b.CostLimit > 0 {
		progOpts = append(progOpts, cel.CostLimit(b.CostLimit))
	}
	prg, err := env.Program(ast, progOpts...)
	if err != nil {
		return Outcome{}, errorir.Runtime("program %s: %v", req.Entry, err)
	}

	vars := make(map[string]any, len(celVariables))
	for _, name := range celVariables {
		vars[name] = nil
	}
	for k, v := range req.Vars {
		vars[k] = Normalize(v)
	}

	val, det, err := prg.ContextEval(ctx, vars)
	var cost uint64
	if det != nil && det.ActualCost() != nil {
		cost = *det.ActualCost()
	}
	if err != nil {
		return Outcome{Cost: cost}, err
	}
	if cerr := budget.CheckCost(b, cost); cerr != nil {
		return Outcome{Cost: cost}, cerr
	}
	native, err := fromCEL(val)
	if err != nil {
		return Outcome{Cost: cost}, err
	}
	return Outcome{Value: native, Cost: cost}, nil
}

// celFunctions declares host functions with dynamic signatures. Functions
// sharing a name become overloads distinguished by arity.
func celFunctions(fns []HostFunction) []cel.EnvOption {
	byName := make(map[string][]HostFunction)
	for _, fn := range fns {
		byName[fn.Name] = append(byName[fn.Name], fn)
	}
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := make([]cel.EnvOption, 0, len(names))
	for _, name := range names {
		var overloads []cel.FunctionOpt
		for _, fn := range byName[name] {
			argTypes := make([]*cel.Type, fn.Arity)
			for i := range argTypes {
				argTypes[i] = cel.DynType
			}
			overloads = append(overloads, cel.Overload(
				fmt.Sprintf("%s_%d", fn.Name, fn.Arity),
				argTypes,
				cel.DynType,
				cel.FunctionBinding(bindHost(fn)),
			))
		}
		opts = append(opts, cel.Function(name, overloads...))
	}
	return opts
}

func bindHost(fn HostFunction) func(values ...ref.Val) ref.Val {
	return func(values ...ref.Val) ref.Val {
		args := make([]any, len(values))
		for i, v := range values {
			native, err := fromCEL(v)
			if err != nil {
				return types.WrapErr(err)
			}
			args[i] = native
		}
		out, err := fn.Fn(args)
		if err != nil {
			return types.WrapErr(err)
		}
		return toCEL(out)
	}
}

// Close releases the WASM runtime if one was created.
func (r *Runner) Close(ctx context.Context) error {
	if r.wasm != nil {
		return r.wasm.Close(ctx)
	}
	return nil
}
