package artifacts

import (
	"strings"
	"time"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/kernel/errorir"
)

// WriteRequest creates an artifact or fully replaces its mutable fields.
// Nil pointer fields keep the existing value on update.
type WriteRequest struct {
	ID               string
	Type             string
	Content          string
	Code             string
	Executable       *bool
	Policy           *Policy
	AccessContractID *string
	ChargeTo         string
	DependsOn        []string
	HasStanding      *bool
	HasLoop          *bool
	Metadata         map[string]any
	Requester        string

	// ExpectVersion makes the write conditional on the stored version, with
	// zero meaning no record. Nil writes unconditionally.
	ExpectVersion *int64

	// Privileged fields. Any attempt to set them through Write is rejected.
	Capabilities    []string
	KernelProtected bool
}

// EditRequest replaces a unique fragment of content or code.
type EditRequest struct {
	ID        string
	Field     string
	Old       string
	New       string
	Requester string

	// ExpectVersion, when set, must equal the stored version.
	ExpectVersion *int64
}

// Edit targets
const (
	FieldContent = "content"
	FieldCode    = "code"
)

// checkVersion fails a conditional mutation whose permission check was made
// against a version that is no longer current.
func checkVersion(id string, prev *Artifact, want *int64) error {
	if want == nil {
		return nil
	}
	var have int64
	if prev != nil {
		have = prev.Version
	}
	if have != *want {
		return errorir.Runtime("artifact %q changed since it was checked", id).
			AsRetriable(true).
			With("expected_version", *want).
			With("version", have)
	}
	return nil
}

// applyWrite computes the record a write produces. existing is nil for a
// create. It never mutates existing.
func applyWrite(existing *Artifact, req WriteRequest, now time.Time) (*Artifact, error) {
	if req.Requester == "" {
		return nil, errorir.InvalidArgument("write requires a requester")
	}
	if len(req.Capabilities) > 0 {
		return nil, errorir.NotAuthorized("capabilities can only be granted by the kernel")
	}
	if req.KernelProtected {
		return nil, errorir.NotAuthorized("kernel_protected cannot be set through write")
	}
	if err := req.Policy.Validate(); err != nil {
		return nil, err
	}
	if req.ChargeTo != "" && req.ChargeTo != ChargeToCaller && req.ChargeTo != ChargeToTarget {
		return nil, errorir.InvalidArgument("charge_to must be %q or %q", ChargeToCaller, ChargeToTarget)
	}
	deps, err := normalizeDeps(req.DependsOn)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		if IsReserved(req.ID) {
			return nil, errorir.NotAuthorized("artifact id %q is in a reserved namespace", req.ID)
		}
		a := &Artifact{
			ID:        req.ID,
			Type:      req.Type,
			Content:   req.Content,
			Code:      req.Code,
			CreatedBy: req.Requester,
			CreatedAt: now,
			UpdatedAt: now,
			Policy:    req.Policy.clone(),
			ChargeTo:  req.ChargeTo,
			DependsOn: deps,
			Metadata:  cloneMap(req.Metadata),
			Version:   1,
		}
		if a.Type == "" {
			a.Type = TypeData
			if strings.TrimSpace(a.Code) != "" {
				a.Type = TypeExecutable
			}
		}
		if a.Policy == nil {
			a.Policy = DefaultPolicy()
		}
		if req.AccessContractID != nil {
			a.AccessContractID = *req.AccessContractID
		}
		a.Executable = strings.TrimSpace(a.Code) != ""
		if req.Executable != nil {
			a.Executable = *req.Executable
		}
		if req.HasStanding != nil {
			a.HasStanding = *req.HasStanding
		}
		if req.HasLoop != nil {
			a.HasLoop = *req.HasLoop
		}
		annotate(a)
		return a, nil
	}

	if existing.Deleted {
		return nil, errorir.Deleted(existing.ID)
	}
	if existing.KernelProtected {
		return nil, errorir.NotAuthorized("artifact %q is kernel protected", existing.ID)
	}
	if req.Type != "" && req.Type != existing.Type {
		return nil, errorir.InvalidArgument("type is immutable after creation (%q)", existing.Type).With("id", existing.ID)
	}
	owner := req.Requester == existing.CreatedBy
	if req.AccessContractID != nil && *req.AccessContractID != existing.AccessContractID && !owner {
		return nil, errorir.NotAuthorized("only the creator may change access_contract_id")
	}
	if req.ChargeTo != "" && req.ChargeTo != existing.EffectiveChargeTo() && !owner {
		return nil, errorir.NotAuthorized("only the creator may change charge_to")
	}
	if req.Policy != nil && !req.Policy.equal(existing.Policy) && !owner {
		return nil, errorir.NotAuthorized("only the creator may change the policy")
	}
	if req.HasStanding != nil && *req.HasStanding != existing.HasStanding {
		return nil, errorir.InvalidArgument("has_standing is fixed at creation")
	}
	if req.HasLoop != nil && *req.HasLoop != existing.HasLoop && !owner {
		return nil, errorir.NotAuthorized("only the creator may change has_loop")
	}

	a := existing.Clone()
	a.Content = req.Content
	a.Code = req.Code
	a.DependsOn = deps
	a.Metadata = cloneMap(req.Metadata)
	a.Executable = strings.TrimSpace(a.Code) != ""
	if req.Executable != nil {
		a.Executable = *req.Executable
	}
	if req.Policy != nil {
		a.Policy = req.Policy.clone()
	}
	if req.AccessContractID != nil {
		a.AccessContractID = *req.AccessContractID
	}
	if req.ChargeTo != "" {
		a.ChargeTo = req.ChargeTo
	}
	if req.HasLoop != nil {
		a.HasLoop = *req.HasLoop
	}
	a.UpdatedAt = now
	a.Version++
	annotate(a)
	return a, nil
}

// applyEdit computes the record an edit produces.
func applyEdit(existing *Artifact, req EditRequest, now time.Time) (*Artifact, error) {
	if existing.Deleted {
		return nil, errorir.Deleted(existing.ID)
	}
	if existing.KernelProtected {
		return nil, errorir.NotAuthorized("artifact %q is kernel protected", existing.ID)
	}
	if req.Old == "" {
		return nil, errorir.InvalidArgument("old_string must not be empty")
	}
	field := req.Field
	if field == "" {
		field = FieldContent
	}

	var target string
	switch field {
	case FieldContent:
		target = existing.Content
	case FieldCode:
		target = existing.Code
	default:
		return nil, errorir.InvalidArgument("edit field must be %q or %q", FieldContent, FieldCode)
	}

	switch n := strings.Count(target, req.Old); n {
	case 0:
		return nil, errorir.InvalidArgument("old_string not found in %s", field).With("matches", 0)
	case 1:
	default:
		return nil, errorir.InvalidArgument("old_string is ambiguous: %d matches in %s", n, field).With("matches", n)
	}

	a := existing.Clone()
	replaced := strings.Replace(target, req.Old, req.New, 1)
	if field == FieldContent {
		a.Content = replaced
	} else {
		a.Code = replaced
		annotate(a)
	}
	a.UpdatedAt = now
	a.Version++
	return a, nil
}

// annotate refreshes kernel-derived metadata.
func annotate(a *Artifact) {
	out := outboundInvocations(a.Code)
	if out == nil {
		if a.Metadata != nil {
			delete(a.Metadata, "outbound_invocations")
		}
		return
	}
	if a.Metadata == nil {
		a.Metadata = make(map[string]any)
	}
	a.Metadata["outbound_invocations"] = out
}

func normalizeDeps(deps []string) ([]string, error) {
	if len(deps) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(deps))
	seen := make(map[string]struct{}, len(deps))
	for _, d := range deps {
		id, err := NormalizeID(d)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

// checkPreservedFields guards the privileged mutation path against changes to
// permanently immutable fields.
func checkPreservedFields(before, after *Artifact) error {
	if after.ID != before.ID || after.CreatedBy != before.CreatedBy {
		return errorir.InvalidArgument("id and created_by are immutable")
	}
	if after.Type != before.Type {
		return errorir.InvalidArgument("type is immutable after creation")
	}
	if !after.KernelProtected {
		return errorir.InvalidArgument("kernel_protected cannot be cleared")
	}
	return nil
}
