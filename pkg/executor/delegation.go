package executor

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/artifacts"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/kernel/errorir"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/runtime/sandbox"
)

// DelegationPrefix namespaces the kernel-protected grant records.
const DelegationPrefix = "charge_delegation:"

// CapabilityDelegation lets an artifact's code manage charge delegation
// grants on behalf of its caller.
const CapabilityDelegation = "charge_delegation"

// Grant allows Charger (or "*") to bill the delegating principal up to
// MaxPerCall per invocation.
type Grant struct {
	Charger    string     `json:"charger"`
	MaxPerCall int64      `json:"max_per_call"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	GrantedAt  time.Time  `json:"granted_at"`
}

// DelegationRecord is the content of a charge_delegation:<principal> record.
type DelegationRecord struct {
	Principal string  `json:"principal"`
	Grants    []Grant `json:"grants"`
}

// DelegationID returns the grant record ID for principal.
func DelegationID(principal string) string {
	return DelegationPrefix + principal
}

// InvocationContext is the input to payer resolution.
type InvocationContext struct {
	OriginalCaller string
	Caller         string
	Cost           int64
	Now            time.Time
}

// GrantReader resolves grant records. Both the store and a store
// transaction satisfy it.
type GrantReader interface {
	Get(id string) (*artifacts.Artifact, error)
}

// ResolvePayer decides who pays for invoking target. Only the target's
// immutable created_by and the kernel-protected grant record are consulted;
// metadata never redirects a charge.
func ResolvePayer(target *artifacts.Artifact, ictx InvocationContext, grants GrantReader) string {
	if target.EffectiveChargeTo() != artifacts.ChargeToTarget || grants == nil {
		return ictx.OriginalCaller
	}
	rec, ok := loadDelegation(grants, target.CreatedBy)
	if !ok {
		return ictx.OriginalCaller
	}
	for _, g := range rec.Grants {
		if g.Charger != "*" && g.Charger != ictx.OriginalCaller {
			continue
		}
		if g.MaxPerCall < ictx.Cost {
			continue
		}
		if g.ExpiresAt != nil && !ictx.Now.Before(*g.ExpiresAt) {
			continue
		}
		return target.CreatedBy
	}
	return ictx.OriginalCaller
}

func loadDelegation(grants GrantReader, principal string) (DelegationRecord, bool) {
	a, err := grants.Get(DelegationID(principal))
	if err != nil || a.Deleted || !a.KernelProtected || a.CreatedBy != principal {
		return DelegationRecord{}, false
	}
	var rec DelegationRecord
	if err := json.Unmarshal([]byte(a.Content), &rec); err != nil {
		return DelegationRecord{}, false
	}
	return rec, true
}

// DelegationExtensions are the host functions of the delegation service.
// The grantor is always the immediate caller of the service artifact.
func (e *Executor) DelegationExtensions() []Extension {
	return []Extension{
		{
			Name:               "grant_charge_delegation",
			Arity:              3,
			RequiresCapability: CapabilityDelegation,
			Capability:         sandbox.CapArtifactsWrite,
			Fn:                 e.grantDelegation,
		},
		{
			Name:               "revoke_charge_delegation",
			Arity:              1,
			RequiresCapability: CapabilityDelegation,
			Capability:         sandbox.CapArtifactsWrite,
			Fn:                 e.revokeDelegation,
		},
		{
			Name:               "charge_delegations",
			Arity:              0,
			RequiresCapability: CapabilityDelegation,
			Capability:         sandbox.CapArtifactsRead,
			Fn: func(_ context.Context, call *Call, _ []any) (any, error) {
				rec, _ := loadDelegation(call.Store, call.Caller)
				return sandbox.Normalize(rec.Grants), nil
			},
		},
	}
}

// grant_charge_delegation(charger, max_per_call, ttl_seconds); ttl 0 never
// expires.
func (e *Executor) grantDelegation(ctx context.Context, call *Call, args []any) (any, error) {
	charger, err := argString(args[0], "grant_charge_delegation")
	if err != nil {
		return nil, err
	}
	if charger != "*" {
		if charger, err = artifacts.NormalizeID(charger); err != nil {
			return nil, err
		}
	}
	maxPerCall, err := argInt(args[1], "grant_charge_delegation")
	if err != nil {
		return nil, err
	}
	if maxPerCall <= 0 {
		return nil, errorir.InvalidArgument("max_per_call must be positive")
	}
	ttl, err := argInt(args[2], "grant_charge_delegation")
	if err != nil {
		return nil, err
	}
	if ttl < 0 {
		return nil, errorir.InvalidArgument("ttl_seconds must not be negative")
	}
	now := e.clock().UTC()
	g := Grant{Charger: charger, MaxPerCall: maxPerCall, GrantedAt: now}
	if ttl > 0 {
		exp := now.Add(time.Duration(ttl) * time.Second)
		g.ExpiresAt = &exp
	}

	grantor := call.Caller
	_, err = call.Store.ModifyProtected(DelegationID(grantor), delegationSeed(grantor), func(a *artifacts.Artifact) error {
		rec := DelegationRecord{Principal: grantor}
		if a.Content != "" {
			if err := json.Unmarshal([]byte(a.Content), &rec); err != nil {
				return errorir.Runtime("corrupt delegation record: %v", err)
			}
		}
		kept := rec.Grants[:0]
		for _, x := range rec.Grants {
			if x.Charger != charger {
				kept = append(kept, x)
			}
		}
		rec.Grants = append(kept, g)
		sort.Slice(rec.Grants, func(i, j int) bool { return rec.Grants[i].Charger < rec.Grants[j].Charger })
		b, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		a.Content = string(b)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "charge delegation granted", "grantor", grantor, "charger", charger, "max_per_call", maxPerCall)
	return true, nil
}

func (e *Executor) revokeDelegation(ctx context.Context, call *Call, args []any) (any, error) {
	charger, err := argString(args[0], "revoke_charge_delegation")
	if err != nil {
		return nil, err
	}
	grantor := call.Caller
	removed := false
	_, err = call.Store.ModifyProtected(DelegationID(grantor), nil, func(a *artifacts.Artifact) error {
		var rec DelegationRecord
		if err := json.Unmarshal([]byte(a.Content), &rec); err != nil {
			return errorir.Runtime("corrupt delegation record: %v", err)
		}
		kept := rec.Grants[:0]
		for _, x := range rec.Grants {
			if x.Charger == charger {
				removed = true
				continue
			}
			kept = append(kept, x)
		}
		rec.Grants = kept
		b, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		a.Content = string(b)
		return nil
	})
	if err != nil {
		if errorir.KindOf(err) == errorir.KindNotFound {
			return false, nil
		}
		return nil, err
	}
	if removed {
		e.logger.InfoContext(ctx, "charge delegation revoked", "grantor", grantor, "charger", charger)
	}
	return removed, nil
}

func delegationSeed(principal string) func() artifacts.Artifact {
	return func() artifacts.Artifact {
		return artifacts.Artifact{
			Type:            artifacts.TypeDelegation,
			CreatedBy:       principal,
			KernelProtected: true,
			Policy:          artifacts.DefaultPolicy(),
		}
	}
}
