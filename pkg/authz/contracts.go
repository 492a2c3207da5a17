package authz

import (
	"strings"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/artifacts"
)

// Built-in contract names. They may also be addressed with the
// "genesis_contract_" prefix.
const (
	ContractFreeware  = "freeware"
	ContractSelfOwned = "self_owned"
	ContractPrivate   = "private"
	ContractPublic    = "public"

	builtinPrefix = "genesis_contract_"
)

type builtinContract func(caller string, action Action, target *artifacts.Artifact) Result

var builtins = map[string]builtinContract{
	ContractFreeware:  freeware,
	ContractSelfOwned: selfOwned,
	ContractPrivate:   private,
	ContractPublic:    public,
}

func builtin(id string) (builtinContract, bool) {
	fn, ok := builtins[strings.TrimPrefix(id, builtinPrefix)]
	return fn, ok
}

// IsBuiltin reports whether id names a built-in contract.
func IsBuiltin(id string) bool {
	_, ok := builtin(id)
	return ok
}

// price applies the artifact's listed read/invoke price for non-creators.
func price(caller string, action Action, target *artifacts.Artifact) int64 {
	if caller == target.CreatedBy {
		return 0
	}
	p := target.EffectivePolicy()
	switch action {
	case ActionRead:
		return p.ReadPrice
	case ActionInvoke, ActionExecute:
		return p.InvokePrice
	}
	return 0
}

// freeware: anyone reads and invokes, only the creator modifies.
func freeware(caller string, action Action, target *artifacts.Artifact) Result {
	switch action {
	case ActionRead, ActionInvoke, ActionExecute:
		return allow("freeware", price(caller, action, target))
	}
	if caller == target.CreatedBy {
		return allow("freeware: creator", 0)
	}
	return deny("freeware: only the creator may " + string(action))
}

// selfOwned: only the artifact itself or its creator.
func selfOwned(caller string, action Action, target *artifacts.Artifact) Result {
	if caller == target.ID || caller == target.CreatedBy {
		return allow("self_owned", 0)
	}
	return deny("self_owned: access restricted to the artifact and its creator")
}

func private(caller string, action Action, target *artifacts.Artifact) Result {
	if caller == target.CreatedBy {
		return allow("private: creator", 0)
	}
	return deny("private: access restricted to the creator")
}

func public(caller string, action Action, target *artifacts.Artifact) Result {
	return allow("public", price(caller, action, target))
}
