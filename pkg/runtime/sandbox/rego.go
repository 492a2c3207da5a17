package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/kernel/errorir"
)

// Rego contracts are pure: only these builtins are available. Anything with
// I/O (http.send, net.*, opa.runtime, time.now_ns) is left out.
var regoBuiltins = map[string]struct{}{
	"abs": {}, "and": {}, "array.concat": {}, "array.slice": {}, "ceil": {},
	"concat": {}, "contains": {}, "count": {}, "div": {}, "endswith": {},
	"eq": {}, "equal": {}, "floor": {}, "format_int": {}, "gt": {}, "gte": {},
	"indexof": {}, "internal.member_2": {}, "internal.member_3": {},
	"is_array": {}, "is_boolean": {}, "is_number": {}, "is_object": {},
	"is_string": {}, "json.marshal": {}, "json.unmarshal": {}, "lower": {},
	"lt": {}, "lte": {}, "max": {}, "min": {}, "minus": {}, "mul": {},
	"neq": {}, "object.get": {}, "object.keys": {}, "object.remove": {},
	"object.union": {}, "or": {}, "plus": {}, "pow": {}, "regex.match": {},
	"rem": {}, "replace": {}, "round": {}, "sort": {}, "split": {},
	"sprintf": {}, "startswith": {}, "substring": {}, "sum": {}, "trim": {},
	"trim_space": {}, "upper": {}, "assign": {},
}

func regoCapabilities() *ast.Capabilities {
	caps := ast.CapabilitiesForThisVersion()
	allowed := make([]*ast.Builtin, 0, len(caps.Builtins))
	for _, b := range caps.Builtins {
		if _, ok := regoBuiltins[b.Name]; ok {
			allowed = append(allowed, b)
		}
	}
	caps.Builtins = allowed
	return caps
}

func regoKey(m *Module, entry string) string {
	sum := sha256.Sum256([]byte(m.Rego + "\x00" + entry))
	return hex.EncodeToString(sum[:])
}

func (r *Runner) prepareRego(ctx context.Context, m *Module, entry string) (rego.PreparedEvalQuery, error) {
	key := regoKey(m, entry)
	if cached, ok := r.regoCache.Load(key); ok {
		return cached.(rego.PreparedEvalQuery), nil
	}
	compiler := ast.NewCompiler().WithCapabilities(regoCapabilities())
	q, err := rego.New(
		rego.Query("data."+m.RegoPackage+"."+entry),
		rego.Compiler(compiler),
		rego.StrictBuiltinErrors(true),
		rego.Module("contract.rego", m.Rego),
	).PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, err
	}
	r.regoCache.Store(key, q)
	return q, nil
}

// runRego evaluates data.<package>.<entry> with the request variables as
// input. Host functions are not available; an undefined rule yields nil.
func (r *Runner) runRego(ctx context.Context, m *Module, req Request) (Outcome, error) {
	q, err := r.prepareRego(ctx, m, req.Entry)
	if err != nil {
		return Outcome{}, errorir.Runtime("compile %s: %v", req.Entry, err).With("entry", req.Entry)
	}
	input := make(map[string]any, len(req.Vars))
	for k, v := range req.Vars {
		input[k] = Normalize(v)
	}
	rs, err := q.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Outcome{}, err
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Outcome{}, nil
	}
	return Outcome{Value: Normalize(rs[0].Expressions[0].Value)}, nil
}
