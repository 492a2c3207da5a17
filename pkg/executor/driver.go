package executor

import (
	"context"
	"sort"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/artifacts"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/kernel/errorir"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/ledger"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/runtime/sandbox"
)

// Extension is a host function implemented in Go and offered only to
// artifacts holding RequiresCapability. This is how kernel services such as
// the mint auction and charge delegation are exposed without widening the
// action set: agents invoke an ordinary artifact whose code calls the
// extension.
type Extension struct {
	Name               string
	Arity              int
	RequiresCapability string
	// Capability classifies the function for surface policies.
	Capability string
	Fn         func(ctx context.Context, call *Call, args []any) (any, error)
}

// Call is the view of the running invocation handed to an extension. Ledger
// and store changes made through it are staged with the rest of the chain
// and committed only if the top-level invocation succeeds.
type Call struct {
	// ArtifactID is the artifact whose code is running.
	ArtifactID string
	// Caller is the immediate caller of that artifact.
	Caller string
	// OriginalCaller started the chain.
	OriginalCaller string
	Ledger         *ledger.Tx
	Store          *artifacts.Tx

	sess *session
}

// OnCommit registers fn to run after the chain commits. Hooks registered by
// a nested invocation that later fails are dropped with it.
func (c *Call) OnCommit(fn func(ctx context.Context)) {
	c.sess.onCommit(fn)
}

// RegisterExtension adds or replaces an extension.
func (e *Executor) RegisterExtension(ext Extension) error {
	if ext.Name == "" || ext.Fn == nil {
		return errorir.InvalidArgument("extension needs a name and a function")
	}
	if ext.RequiresCapability == "" {
		return errorir.InvalidArgument("extension %s must require a capability", ext.Name)
	}
	e.extMu.Lock()
	defer e.extMu.Unlock()
	e.extensions[ext.Name] = ext
	return nil
}

// extensionsFor lists the extensions a given artifact may call, by name.
func (e *Executor) extensionsFor(a *artifacts.Artifact) []Extension {
	e.extMu.RLock()
	defer e.extMu.RUnlock()
	var out []Extension
	for _, ext := range e.extensions {
		if a.HasCapability(ext.RequiresCapability) {
			out = append(out, ext)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (f *frame) extensionFunctions(ctx context.Context) []sandbox.HostFunction {
	exts := f.sess.ex.extensionsFor(f.artifact)
	out := make([]sandbox.HostFunction, 0, len(exts))
	for _, ext := range exts {
		ext := ext
		out = append(out, sandbox.HostFunction{
			Name:       ext.Name,
			Arity:      ext.Arity,
			Capability: ext.Capability,
			Fn: func(args []any) (any, error) {
				if err := f.sess.live(); err != nil {
					return nil, err
				}
				return ext.Fn(ctx, &Call{
					ArtifactID:     f.artifact.ID,
					Caller:         f.caller,
					OriginalCaller: f.sess.origin,
					Ledger:         f.sess.ledger,
					Store:          f.sess.store,
					sess:           f.sess,
				}, args)
			},
		})
	}
	return out
}
