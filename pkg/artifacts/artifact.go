// Package artifacts is the kernel's artifact store: a versioned key-value
// store of Artifact records with structural enforcement of system fields,
// soft-delete tombstones, dependency-graph well-formedness and storage
// quotas.
package artifacts

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/kernel/errorir"
)

// Charge routing values for Artifact.ChargeTo.
const (
	ChargeToCaller = "caller"
	ChargeToTarget = "target"
)

// Well-known artifact types.
const (
	TypeData       = "data"
	TypeExecutable = "executable"
	TypeContract   = "contract"
	TypeDelegation = "charge_delegation"
	TypeService    = "service"
)

// MaxIDLength bounds artifact and principal identifiers.
const MaxIDLength = 256

// reservedPrefixes are system namespaces users may not create or delete in.
var reservedPrefixes = []string{"genesis_", "system:", "charge_delegation:"}

// IsReserved reports whether id lies in a system namespace.
func IsReserved(id string) bool {
	for _, p := range reservedPrefixes {
		if strings.HasPrefix(id, p) {
			return true
		}
	}
	return false
}

// NormalizeID applies NFC normalisation and validates an identifier.
func NormalizeID(id string) (string, error) {
	id = norm.NFC.String(strings.TrimSpace(id))
	if id == "" {
		return "", errorir.InvalidArgument("identifier must not be empty")
	}
	if len(id) > MaxIDLength {
		return "", errorir.InvalidArgument("identifier exceeds %d bytes", MaxIDLength)
	}
	for _, r := range id {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return "", errorir.InvalidArgument("identifier %q contains whitespace or control characters", id)
		}
	}
	return id, nil
}

// Policy is the static allow-list form of access control.
// ["*"] means everyone, an empty list means the creator only.
type Policy struct {
	ReadPrice   int64    `json:"read_price"`
	InvokePrice int64    `json:"invoke_price"`
	AllowRead   []string `json:"allow_read"`
	AllowWrite  []string `json:"allow_write"`
	AllowInvoke []string `json:"allow_invoke"`
}

// DefaultPolicy opens read and invoke and keeps write owner-only.
func DefaultPolicy() *Policy {
	return &Policy{
		AllowRead:   []string{"*"},
		AllowWrite:  []string{},
		AllowInvoke: []string{"*"},
	}
}

// Validate rejects negative prices.
func (p *Policy) Validate() error {
	if p == nil {
		return nil
	}
	if p.ReadPrice < 0 || p.InvokePrice < 0 {
		return errorir.InvalidArgument("policy prices must be non-negative")
	}
	return nil
}

func (p *Policy) clone() *Policy {
	if p == nil {
		return nil
	}
	return &Policy{
		ReadPrice:   p.ReadPrice,
		InvokePrice: p.InvokePrice,
		AllowRead:   cloneStrings(p.AllowRead),
		AllowWrite:  cloneStrings(p.AllowWrite),
		AllowInvoke: cloneStrings(p.AllowInvoke),
	}
}

func (p *Policy) equal(o *Policy) bool {
	a, _ := json.Marshal(p)
	b, _ := json.Marshal(o)
	return string(a) == string(b)
}

// Artifact is the universal unit of state. It is a flat record; privilege is
// expressed only through Capabilities and KernelProtected.
type Artifact struct {
	ID               string         `json:"id"`
	Type             string         `json:"type"`
	Content          string         `json:"content"`
	Code             string         `json:"code,omitempty"`
	Executable       bool           `json:"executable"`
	CreatedBy        string         `json:"created_by"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	Policy           *Policy        `json:"policy,omitempty"`
	AccessContractID string         `json:"access_contract_id,omitempty"`
	ChargeTo         string         `json:"charge_to,omitempty"`
	Deleted          bool           `json:"deleted"`
	DeletedAt        *time.Time     `json:"deleted_at,omitempty"`
	DeletedBy        string         `json:"deleted_by,omitempty"`
	DependsOn        []string       `json:"depends_on,omitempty"`
	HasStanding      bool           `json:"has_standing"`
	HasLoop          bool           `json:"has_loop"`
	Capabilities     []string       `json:"capabilities,omitempty"`
	KernelProtected  bool           `json:"kernel_protected"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Version          int64          `json:"version"`
}

// CanExecute reports whether the artifact may be invoked.
func (a *Artifact) CanExecute() bool {
	return a.Executable && strings.TrimSpace(a.Code) != "" && !a.Deleted
}

// Size is the storage footprint charged against the owner's disk quota.
func (a *Artifact) Size() int64 {
	return int64(len(a.Content) + len(a.Code))
}

// HasCapability reports whether the kernel granted the capability.
func (a *Artifact) HasCapability(c string) bool {
	for _, x := range a.Capabilities {
		if x == c {
			return true
		}
	}
	return false
}

// EffectivePolicy returns the policy or the default when none is set.
func (a *Artifact) EffectivePolicy() *Policy {
	if a.Policy == nil {
		return DefaultPolicy()
	}
	return a.Policy
}

// EffectiveChargeTo returns "caller" unless the artifact opts into target billing.
func (a *Artifact) EffectiveChargeTo() string {
	if a.ChargeTo == ChargeToTarget {
		return ChargeToTarget
	}
	return ChargeToCaller
}

// Tombstone returns the metadata visible for a deleted artifact.
func (a *Artifact) Tombstone() map[string]any {
	t := map[string]any{
		"id":         a.ID,
		"type":       a.Type,
		"created_by": a.CreatedBy,
		"deleted":    true,
		"deleted_by": a.DeletedBy,
	}
	if a.DeletedAt != nil {
		t["deleted_at"] = a.DeletedAt.UTC().Format(time.RFC3339Nano)
	}
	return t
}

// Clone returns a deep copy.
func (a *Artifact) Clone() *Artifact {
	if a == nil {
		return nil
	}
	c := *a
	c.Policy = a.Policy.clone()
	c.DependsOn = cloneStrings(a.DependsOn)
	c.Capabilities = cloneStrings(a.Capabilities)
	c.Metadata = cloneMap(a.Metadata)
	if a.DeletedAt != nil {
		t := *a.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string{}, s...)
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = cloneValue(x)
		}
		return out
	case []string:
		return cloneStrings(t)
	default:
		return v
	}
}

var invokeRef = regexp.MustCompile(`(?:invoke|invoke_method|dep)\(\s*["']([^"']+)["']`)

// outboundInvocations lists literal invoke targets in code, sorted.
func outboundInvocations(code string) []string {
	seen := make(map[string]struct{})
	for _, m := range invokeRef.FindAllStringSubmatch(code, -1) {
		seen[m[1]] = struct{}{}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
