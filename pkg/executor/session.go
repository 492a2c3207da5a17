package executor

import (
	"context"
	"sync"
	"time"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/artifacts"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/authz"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/kernel/errorir"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/ledger"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/runtime/budget"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/runtime/sandbox"
)

// session is one invocation chain. All frames share its transactions.
type session struct {
	ex     *Executor
	origin string
	ledger *ledger.Tx
	store  *artifacts.Tx

	mu      sync.Mutex
	aborted *errorir.Error
	closed  bool
	hooks   []func(context.Context)
}

// frame is one artifact running inside a session.
type frame struct {
	sess     *session
	artifact *artifacts.Artifact
	caller   string
	depth    int
	payer    string
}

// callOutcome is the result of one hop.
type callOutcome struct {
	value   any
	price   int64
	payer   string
	elapsed time.Duration
}

type savepoint struct {
	ledger, store, hooks int
}

type sessionKey struct{}

// bind scopes ctx to the session. Permission checks made with it resolve
// contracts, and contract reads, against the staged state.
func (s *session) bind(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, sessionKey{}, s)
	return authz.WithView(ctx, s.store)
}

func sessionFrom(ctx context.Context) *session {
	s, _ := ctx.Value(sessionKey{}).(*session)
	return s
}

func (e *Executor) newSession(origin string) *session {
	return &session{
		ex:     e,
		origin: origin,
		ledger: e.ledger.Begin(),
		store:  e.store.Begin(),
	}
}

// abort fails the whole chain. Frames observing it stop instead of
// reporting a recoverable failure to their calling code.
func (s *session) abort(err *errorir.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted == nil {
		s.aborted = err
	}
}

func (s *session) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted != nil {
		return s.aborted
	}
	return nil
}

// live rejects host calls after the chain was aborted or finished. Code
// abandoned by a timeout may still be running.
func (s *session) live() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted != nil {
		return s.aborted
	}
	if s.closed {
		return errorir.Runtime("invocation already finished")
	}
	return nil
}

func (s *session) onCommit(fn func(context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

func (s *session) savepoint() savepoint {
	s.mu.Lock()
	h := len(s.hooks)
	s.mu.Unlock()
	return savepoint{ledger: s.ledger.Savepoint(), store: s.store.Savepoint(), hooks: h}
}

func (s *session) rollbackTo(sp savepoint) {
	s.ledger.RollbackTo(sp.ledger)
	s.store.RollbackTo(sp.store)
	s.mu.Lock()
	if sp.hooks < len(s.hooks) {
		s.hooks = s.hooks[:sp.hooks]
	}
	s.mu.Unlock()
}

// commit applies the staged effects. Both transactions are prepared before
// either is applied so a conflict in one leaves the other untouched.
func (s *session) commit(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errorir.Runtime("invocation already finished")
	}
	s.closed = true
	hooks := s.hooks
	s.mu.Unlock()

	lp, err := s.ledger.Prepare()
	if err != nil {
		s.store.Discard()
		return err
	}
	sp, err := s.store.Prepare()
	if err != nil {
		lp.Release()
		return err
	}
	sp.Apply(ctx)
	lp.Apply(ctx)
	for _, fn := range hooks {
		fn(ctx)
	}
	return nil
}

// close discards anything not committed.
func (s *session) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.ledger.Discard()
	s.store.Discard()
}

func (s *session) maxDepth() int {
	if d := s.ex.budget.MaxInvokeDepth; d > 0 {
		return d
	}
	return budget.DefaultBudget().MaxInvokeDepth
}

// invoke runs one hop of the chain. caller is the immediate caller; the
// session origin pays unless the target delegates its charges.
func (s *session) invoke(ctx context.Context, caller, targetID, method string, args []any, depth int) (callOutcome, error) {
	if err := s.live(); err != nil {
		return callOutcome{}, err
	}
	limits := s.ex.budget
	limits.MaxInvokeDepth = s.maxDepth()
	if err := budget.CheckDepth(limits, depth); err != nil {
		ir := err.(*budget.ComputeBudgetError).IR().With("artifact_id", targetID)
		s.abort(ir)
		s.ex.logger.WarnContext(ctx, "invocation depth exceeded",
			"origin", s.origin, "artifact_id", targetID, "depth", depth, "max_depth", limits.MaxInvokeDepth)
		return callOutcome{}, ir
	}

	target, err := s.store.Get(targetID)
	if err != nil {
		return callOutcome{}, err
	}
	if target.Deleted {
		return callOutcome{}, errorir.Deleted(target.ID)
	}
	if !target.CanExecute() {
		return callOutcome{}, errorir.NotExecutable(target.ID)
	}
	m, err := sandbox.ParseModule(target.Code)
	if err != nil {
		return callOutcome{}, errorir.NotExecutable(target.ID).Wrap(err)
	}

	// Code defining handle_request receives the verified caller and polices
	// access itself.
	entry := sandbox.EntryRun
	var price int64
	if m.Has(sandbox.EntryHandleRequest) {
		entry = sandbox.EntryHandleRequest
	} else {
		if !m.Has(sandbox.EntryRun) {
			return callOutcome{}, errorir.NotExecutable(target.ID)
		}
		perm := s.ex.authz.Check(ctx, caller, authz.ActionInvoke, target, map[string]any{
			"method": method,
			"args":   args,
		})
		if !perm.Allowed {
			ir := perm.Err().With("artifact_id", target.ID)
			if ir.Kind == errorir.KindTimeout {
				s.abort(ir)
			}
			return callOutcome{}, ir
		}
		price = perm.Cost
	}

	deps, err := s.store.ResolveDependencies(target.ID)
	if err != nil {
		return callOutcome{}, err
	}

	payer := ResolvePayer(target, InvocationContext{
		OriginalCaller: s.origin,
		Caller:         caller,
		Cost:           price,
		Now:            s.ex.clock(),
	}, s.store)

	sp := s.savepoint()
	if price > 0 && payer != target.CreatedBy {
		if err := s.ledger.Transfer(payer, target.CreatedBy, price, "invoke:"+target.ID); err != nil {
			return callOutcome{payer: payer}, err
		}
	}

	f := &frame{sess: s, artifact: target, caller: caller, depth: depth, payer: payer}
	depView := make(map[string]any, len(deps))
	for id, d := range deps {
		depView[id] = map[string]any{"id": d.ID, "type": d.Type, "created_by": d.CreatedBy}
	}
	vars := map[string]any{
		"args":        args,
		"method":      method,
		"artifact_id": target.ID,
		"caller":      caller,
		"deps":        depView,
	}
	if entry == sandbox.EntryHandleRequest {
		vars["operation"] = method
	}

	out, err := s.ex.runner.Run(ctx, m, sandbox.Request{
		Entry:     entry,
		Vars:      vars,
		Functions: f.functions(ctx),
		Budget:    s.ex.budget,
	})
	res := callOutcome{value: out.Value, price: price, payer: payer, elapsed: out.Elapsed}
	if aerr := s.err(); aerr != nil {
		return res, aerr
	}
	if err != nil {
		ir := errorir.From(err)
		if ir.Kind == errorir.KindTimeout {
			s.abort(ir)
			return res, ir
		}
		s.rollbackTo(sp)
		res.price = 0
		return res, ir
	}
	return res, nil
}

// functions is the capability surface of a frame.
func (f *frame) functions(ctx context.Context) []sandbox.HostFunction {
	fns := pureFunctions()
	fns = append(fns, f.walletFunctions()...)
	fns = append(fns, f.stateFunctions(ctx)...)
	fns = append(fns, f.invokeFunctions(ctx)...)
	fns = append(fns, f.extensionFunctions(ctx)...)
	return fns
}
