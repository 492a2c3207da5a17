package artifacts

import (
	"strings"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/kernel/errorir"
)

// validateDeps checks that every declared dependency exists, is live and
// that the graph including a's edges stays acyclic.
func validateDeps(a *Artifact, lookup func(string) *Artifact) error {
	for _, dep := range a.DependsOn {
		if dep == a.ID {
			return errorir.InvalidArgument("artifact %q cannot depend on itself", a.ID)
		}
		d := lookup(dep)
		if d == nil {
			return errorir.NotFound("dependency", dep).With("artifact_id", a.ID)
		}
		if d.Deleted {
			return errorir.Deleted(dep).With("artifact_id", a.ID)
		}
	}
	return checkAcyclic(a, lookup)
}

// checkAcyclic runs a depth-first search from a and fails if any path leads
// back to a node on the current stack.
func checkAcyclic(a *Artifact, lookup func(string) *Artifact) error {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int)
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case grey:
			cycle := append(append([]string{}, stack...), id)
			return errorir.InvalidArgument("dependency cycle: %s", strings.Join(cycle, " -> ")).With("cycle", cycle)
		case black:
			return nil
		}
		node := lookup(id)
		if node == nil {
			color[id] = black
			return nil
		}
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range node.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}
	return visit(a.ID)
}

func resolveDeps(id string, lookup func(string) *Artifact) (map[string]*Artifact, error) {
	a := lookup(id)
	if a == nil {
		return nil, errorir.NotFound("artifact", id)
	}
	out := make(map[string]*Artifact, len(a.DependsOn))
	for _, dep := range a.DependsOn {
		d := lookup(dep)
		if d == nil {
			return nil, errorir.NotFound("dependency", dep).With("artifact_id", id)
		}
		if d.Deleted {
			return nil, errorir.Deleted(dep).With("artifact_id", id)
		}
		out[dep] = d.Clone()
	}
	return out, nil
}
