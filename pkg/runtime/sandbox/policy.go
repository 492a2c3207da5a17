package sandbox

import (
	"fmt"
	"sync"
	"time"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/kernel/errorir"
)

// Capability classes for host functions.
const (
	CapLedgerRead     = "ledger.read"
	CapLedgerWrite    = "ledger.write"
	CapArtifactsRead  = "artifacts.read"
	CapArtifactsWrite = "artifacts.write"
	CapInvoke         = "invoke"
	CapPure           = "pure"
)

// SurfacePolicy defines which host functions running code may call.
type SurfacePolicy struct {
	PolicyID     string   `json:"policy_id"`
	Capabilities []string `json:"capabilities"`
	// ReadOnly denies every write capability regardless of Capabilities.
	ReadOnly bool `json:"read_only"`
}

// FullSurface is the surface available to executing artifacts.
func FullSurface() *SurfacePolicy {
	return &SurfacePolicy{
		PolicyID:     "execute",
		Capabilities: []string{CapLedgerRead, CapLedgerWrite, CapArtifactsRead, CapArtifactsWrite, CapInvoke, CapPure},
	}
}

// ContractSurface is the surface available to access contracts. Contracts
// observe state but never change it.
func ContractSurface() *SurfacePolicy {
	return &SurfacePolicy{
		PolicyID:     "contract",
		Capabilities: []string{CapLedgerRead, CapArtifactsRead, CapPure},
		ReadOnly:     true,
	}
}

// PolicyViolation records a call outside the granted surface.
type PolicyViolation struct {
	ViolationType string    `json:"violation_type"`
	Function      string    `json:"function"`
	Detail        string    `json:"detail"`
	Timestamp     time.Time `json:"timestamp"`
}

// PolicyEnforcer gates host functions against a surface policy.
type PolicyEnforcer struct {
	mu         sync.RWMutex
	policy     *SurfacePolicy
	violations []PolicyViolation
	clock      func() time.Time
}

// NewPolicyEnforcer creates an enforcer. A nil policy grants the full surface.
func NewPolicyEnforcer(policy *SurfacePolicy) *PolicyEnforcer {
	if policy == nil {
		policy = FullSurface()
	}
	return &PolicyEnforcer{
		policy:     policy,
		violations: make([]PolicyViolation, 0),
		clock:      time.Now,
	}
}

// WithClock overrides clock for testing.
func (e *PolicyEnforcer) WithClock(clock func() time.Time) *PolicyEnforcer {
	e.clock = clock
	return e
}

// CheckResult carries the enforcement decision.
type CheckResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

func isWrite(capability string) bool {
	return capability == CapLedgerWrite || capability == CapArtifactsWrite || capability == CapInvoke
}

// CheckCapability verifies a capability request.
func (e *PolicyEnforcer) CheckCapability(capability string) CheckResult {
	if e.policy.ReadOnly && isWrite(capability) {
		return CheckResult{Allowed: false, Reason: fmt.Sprintf("capability %s denied: surface is read-only", capability)}
	}
	for _, c := range e.policy.Capabilities {
		if c == capability {
			return CheckResult{Allowed: true, Reason: "capability granted"}
		}
	}
	return CheckResult{Allowed: false, Reason: fmt.Sprintf("capability %s not granted", capability)}
}

// Gate returns fns with every function outside the surface replaced by a
// stub that fails with NotAuthorized and records a violation. Functions stay
// declared so code referencing them still compiles.
func (e *PolicyEnforcer) Gate(fns []HostFunction) []HostFunction {
	out := make([]HostFunction, len(fns))
	for i, fn := range fns {
		capability := fn.Capability
		if capability == "" {
			capability = CapPure
		}
		res := e.CheckCapability(capability)
		if res.Allowed {
			out[i] = fn
			continue
		}
		name, reason := fn.Name, res.Reason
		out[i] = HostFunction{
			Name:       fn.Name,
			Arity:      fn.Arity,
			Capability: fn.Capability,
			Fn: func([]any) (any, error) {
				e.record(PolicyViolation{
					ViolationType: "CAPABILITY_DENIED",
					Function:      name,
					Detail:        reason,
				})
				return nil, errorir.NotAuthorized("%s is not available here: %s", name, reason).
					With("policy", e.policy.PolicyID)
			},
		}
	}
	return out
}

func (e *PolicyEnforcer) record(v PolicyViolation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v.Timestamp = e.clock()
	e.violations = append(e.violations, v)
}

// GetViolations returns all recorded violations.
func (e *PolicyEnforcer) GetViolations() []PolicyViolation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	result := make([]PolicyViolation, len(e.violations))
	copy(result, e.violations)
	return result
}
