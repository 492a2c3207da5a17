// Package executor runs artifact code under a compute budget and composes
// invocations between artifacts.
//
// Every invocation chain runs inside one session that stages ledger and
// store effects in transactions. Effects become visible only when the
// top-level invocation succeeds; a failure, a timeout or an exceeded depth
// bound anywhere that aborts the chain leaves no partial state behind.
package executor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/artifacts"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/authz"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/kernel/errorir"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/ledger"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/ratelimit"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/runtime/budget"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/runtime/sandbox"
)

// Executor runs artifact code with a curated capability surface.
type Executor struct {
	ledger  *ledger.Ledger
	store   *artifacts.Store
	authz   *authz.Engine
	runner  *sandbox.Runner
	tracker *ratelimit.Tracker
	budget  budget.ComputeBudget
	logger  *slog.Logger
	clock   func() time.Time

	extMu      sync.RWMutex
	extensions map[string]Extension
}

// Option configures an Executor.
type Option func(*Executor)

// WithTracker feeds measured CPU time to a rate tracker.
func WithTracker(t *ratelimit.Tracker) Option {
	return func(e *Executor) { e.tracker = t }
}

// WithBudget overrides the default compute budget.
func WithBudget(b budget.ComputeBudget) Option {
	return func(e *Executor) { e.budget = b }
}

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(e *Executor) { e.clock = clock }
}

// WithLogger overrides the component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// New creates an executor and registers it as the engine's contract runner.
func New(l *ledger.Ledger, s *artifacts.Store, engine *authz.Engine, runner *sandbox.Runner, opts ...Option) *Executor {
	e := &Executor{
		ledger:     l,
		store:      s,
		authz:      engine,
		runner:     runner,
		budget:     budget.DefaultBudget(),
		logger:     slog.Default().With("component", "executor"),
		clock:      time.Now,
		extensions: make(map[string]Extension),
	}
	for _, opt := range opts {
		opt(e)
	}
	if engine != nil {
		engine.SetRunner(e)
	}
	return e
}

// Budget returns the compute budget applied to each chain.
func (e *Executor) Budget() budget.ComputeBudget {
	return e.budget
}

// Execute runs code with no wallet and no invocation: only pure helper
// functions are available.
func (e *Executor) Execute(ctx context.Context, code string, args []any) Result {
	start := time.Now()
	m, err := sandbox.ParseModule(code)
	if err != nil {
		return failed(err, time.Since(start))
	}
	ctx, cancel := context.WithTimeout(ctx, e.budget.TimeLimit())
	defer cancel()

	out, err := e.runner.Run(ctx, m, sandbox.Request{
		Entry:     sandbox.EntryRun,
		Vars:      map[string]any{"args": sandbox.NormalizeArgs(args)},
		Functions: pureFunctions(),
		Budget:    e.budget,
	})
	if err != nil {
		return failed(err, time.Since(start))
	}
	return Result{
		Success:           true,
		Result:            out.Value,
		ExecutionTimeMs:   ms(out.Elapsed),
		ResourcesConsumed: map[string]float64{ResourceCPUSeconds: out.Elapsed.Seconds()},
	}
}

// ExecuteWithWallet runs code with balance() and pay() scoped to the wallet
// of artifactID. Payments are committed only if the run succeeds.
func (e *Executor) ExecuteWithWallet(ctx context.Context, code string, args []any, artifactID string) Result {
	start := time.Now()
	m, err := sandbox.ParseModule(code)
	if err != nil {
		return failed(err, time.Since(start))
	}
	ctx, cancel := context.WithTimeout(ctx, e.budget.TimeLimit())
	defer cancel()

	sess := e.newSession(artifactID)
	defer sess.close()
	f := &frame{sess: sess, artifact: &artifacts.Artifact{ID: artifactID, CreatedBy: artifactID}, caller: artifactID, depth: 1, payer: artifactID}
	fns := append(pureFunctions(), f.walletFunctions()...)

	out, err := e.runner.Run(ctx, m, sandbox.Request{
		Entry:     sandbox.EntryRun,
		Vars:      map[string]any{"args": sandbox.NormalizeArgs(args), "artifact_id": artifactID},
		Functions: fns,
		Budget:    e.budget,
	})
	if err == nil {
		err = sess.err()
	}
	if err == nil {
		err = sess.commit(ctx)
	}
	res := Result{
		ExecutionTimeMs:   ms(out.Elapsed),
		ResourcesConsumed: map[string]float64{ResourceCPUSeconds: out.Elapsed.Seconds()},
		ChargedTo:         artifactID,
	}
	if err != nil {
		f := failed(err, time.Since(start))
		f.ResourcesConsumed, f.ChargedTo = res.ResourcesConsumed, res.ChargedTo
		return f
	}
	res.Success = true
	res.Result = out.Value
	return res
}

// Invoke runs the full composition mode: the target may pay, read and write
// artifacts, and invoke other artifacts. The caller (or the delegated payer)
// is charged the invoke price of every hop in the chain.
func (e *Executor) Invoke(ctx context.Context, req InvokeRequest) Result {
	start := time.Now()
	if err := e.admitCPU(ctx, req.Caller); err != nil {
		return failed(err, time.Since(start))
	}
	ctx, cancel := context.WithTimeout(ctx, e.budget.TimeLimit())
	defer cancel()

	sess := e.newSession(req.Caller)
	defer sess.close()
	ctx = sess.bind(ctx)

	out, err := sess.invoke(ctx, req.Caller, req.ArtifactID, req.Method, sandbox.NormalizeArgs(req.Args), 1)
	if err == nil {
		err = sess.err()
	}
	if err == nil {
		err = sess.commit(ctx)
	}
	elapsed := time.Since(start)

	payer := out.payer
	if payer == "" {
		payer = req.Caller
	}
	cpu := out.elapsed.Seconds()
	e.recordCPU(ctx, payer, cpu)

	if err != nil {
		ir := errorir.From(err)
		e.logger.InfoContext(ctx, "invocation failed",
			"caller", req.Caller, "artifact_id", req.ArtifactID, "method", req.Method,
			"error_code", ir.Code(), "error", ir.Message)
		res := failed(ir, elapsed)
		res.ResourcesConsumed = map[string]float64{ResourceCPUSeconds: cpu}
		res.ChargedTo = payer
		return res
	}
	e.logger.DebugContext(ctx, "invocation committed",
		"caller", req.Caller, "artifact_id", req.ArtifactID, "price_paid", out.price, "charged_to", payer)
	return Result{
		Success:           true,
		Result:            out.value,
		ExecutionTimeMs:   ms(elapsed),
		ResourcesConsumed: map[string]float64{ResourceCPUSeconds: cpu},
		PricePaid:         out.price,
		ChargedTo:         payer,
	}
}

// admitCPU rejects callers whose trailing CPU window is already exhausted.
func (e *Executor) admitCPU(ctx context.Context, principal string) error {
	if e.tracker == nil {
		return nil
	}
	ok, err := e.tracker.CanConsume(ctx, ResourceCPUSeconds, principal, 0)
	if err != nil {
		return errorir.Runtime("cpu admission: %v", err).Wrap(err)
	}
	if !ok {
		return errorir.QuotaExceeded(ResourceCPUSeconds, principal, "cpu_seconds window exhausted for %s", principal)
	}
	return nil
}

func (e *Executor) recordCPU(ctx context.Context, principal string, seconds float64) {
	if e.tracker == nil || seconds <= 0 {
		return
	}
	if err := e.tracker.Record(ctx, ResourceCPUSeconds, principal, seconds); err != nil {
		e.logger.WarnContext(ctx, "failed to record cpu usage", "principal_id", principal, "error", err)
	}
}
