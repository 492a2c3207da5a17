package kernel

import (
	"context"
	"encoding/json"
	"math"
	"strconv"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/artifacts"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/eventlog"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/intent"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/kernel/errorir"
)

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 500
)

// query answers read-only questions about kernel state. It never charges and
// never mutates.
func (k *Kernel) query(ctx context.Context, in intent.Intent) intent.Result {
	p := params(in.Params)
	switch in.QueryType {
	case intent.QueryBalance:
		return k.queryBalance(p.str("principal_id", in.PrincipalID))
	case intent.QueryArtifacts:
		return k.queryArtifacts(p)
	case intent.QueryArtifact:
		return k.queryArtifact(p.str("artifact_id", in.ArtifactID))
	case intent.QueryEvents:
		return k.queryEvents(p)
	case intent.QueryQuotas:
		return k.queryQuotas(ctx, p.str("principal_id", in.PrincipalID))
	case intent.QueryPrincipals:
		return k.queryPrincipals()
	}
	return intent.Fail(errorir.InvalidArgument("unknown query_type %q", in.QueryType))
}

func (k *Kernel) queryBalance(id string) intent.Result {
	id, err := artifacts.NormalizeID(id)
	if err != nil {
		return intent.Fail(err)
	}
	data := map[string]any{
		"principal_id": id,
		"scrip":        k.ledger.GetBalance(id),
		"exists":       k.ledger.Exists(id),
	}
	if p, ok := k.ledger.Get(id); ok {
		resources := make(map[string]any, len(p.Resources))
		for name, amt := range p.Resources {
			resources[name] = amt.String()
		}
		data["resources"] = resources
		data["capabilities"] = p.Capabilities
	}
	return intent.OK("balance of "+id, data)
}

func (k *Kernel) queryArtifacts(p params) intent.Result {
	var list []*artifacts.Artifact
	switch owner, typ := p.str("owner", ""), p.str("type", ""); {
	case owner != "":
		list = k.store.ListByOwner(owner)
	case typ != "":
		list = k.store.ListByType(typ)
	default:
		list = k.store.ListAll(p.boolean("include_deleted"))
	}
	limit := p.limit()
	if len(list) > limit {
		list = list[:limit]
	}
	items := make([]any, 0, len(list))
	for _, a := range list {
		if a.Deleted {
			items = append(items, a.Tombstone())
			continue
		}
		items = append(items, artifactView(a, false))
	}
	return intent.OK("artifacts", map[string]any{"artifacts": items, "count": len(items)})
}

func (k *Kernel) queryArtifact(id string) intent.Result {
	a, err := k.lookup(id)
	if err != nil {
		return intent.Fail(err)
	}
	if a.Deleted {
		return intent.OK("artifact "+a.ID+" is deleted", a.Tombstone())
	}
	return intent.OK("artifact "+a.ID, artifactView(a, false))
}

func (k *Kernel) queryEvents(p params) intent.Result {
	since := uint64(p.integer("since", 0))
	limit := p.limit()
	principal, typ := p.str("principal_id", ""), p.str("type", "")

	var events []eventlog.Event
	if principal == "" && typ == "" {
		events = k.events.Range(since, limit)
	} else {
		events = k.events.Filter(limit, func(e eventlog.Event) bool {
			return e.Sequence > since &&
				(principal == "" || e.PrincipalID == principal) &&
				(typ == "" || e.Type == typ)
		})
	}
	items := make([]any, 0, len(events))
	for _, e := range events {
		items = append(items, e)
	}
	return intent.OK("events", map[string]any{
		"events":        items,
		"count":         len(items),
		"last_sequence": k.events.LastSequence(),
		"head":          k.events.Head(),
	})
}

func (k *Kernel) queryQuotas(ctx context.Context, id string) intent.Result {
	status, err := k.tracker.Snapshot(ctx, id)
	if err != nil {
		return intent.Fail(errorir.Runtime("quota snapshot: %v", err).Wrap(err))
	}
	windows := make([]any, 0, len(status))
	for _, s := range status {
		windows = append(windows, map[string]any{
			"resource":       s.Resource,
			"used":           s.Used,
			"max_per_window": s.MaxPerWindow,
			"remaining":      s.Remaining,
			"window_seconds": s.WindowSecs,
		})
	}
	disk := map[string]any{"used": k.store.GetOwnerUsage(id)}
	if q, ok := k.ledger.Quota(id, ResourceDisk); ok {
		disk["limit"] = q.String()
	}
	return intent.OK("quotas of "+id, map[string]any{
		"principal_id": id,
		"rate_windows": windows,
		ResourceDisk:   disk,
	})
}

func (k *Kernel) queryPrincipals() intent.Result {
	ids := k.ledger.Principals()
	items := make([]any, 0, len(ids))
	for _, id := range ids {
		items = append(items, map[string]any{"principal_id": id, "scrip": k.ledger.GetBalance(id)})
	}
	return intent.OK("principals", map[string]any{
		"principals":   items,
		"count":        len(items),
		"total_supply": k.ledger.TotalSupply(),
	})
}

// artifactView renders an artifact for results. Bodies are only included for
// paid reads.
func artifactView(a *artifacts.Artifact, withBody bool) map[string]any {
	v := map[string]any{
		"id":               a.ID,
		"type":             a.Type,
		"created_by":       a.CreatedBy,
		"created_at":       a.CreatedAt,
		"updated_at":       a.UpdatedAt,
		"executable":       a.CanExecute(),
		"has_standing":     a.HasStanding,
		"has_loop":         a.HasLoop,
		"kernel_protected": a.KernelProtected,
		"charge_to":        a.EffectiveChargeTo(),
		"version":          a.Version,
		"size":             a.Size(),
		"deleted":          false,
	}
	if a.AccessContractID != "" {
		v["access_contract_id"] = a.AccessContractID
	} else {
		v["policy"] = a.EffectivePolicy()
	}
	if len(a.DependsOn) > 0 {
		v["depends_on"] = a.DependsOn
	}
	if len(a.Capabilities) > 0 {
		v["capabilities"] = a.Capabilities
	}
	if len(a.Metadata) > 0 {
		v["metadata"] = a.Metadata
	}
	if withBody {
		v["content"] = a.Content
		if a.Code != "" {
			v["code"] = a.Code
		}
	}
	return v
}

type params map[string]any

func (p params) str(key, def string) string {
	if s, ok := p[key].(string); ok && s != "" {
		return s
	}
	return def
}

func (p params) boolean(key string) bool {
	b, _ := p[key].(bool)
	return b
}

func (p params) integer(key string, def int64) int64 {
	switch v := p[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		if v >= 0 && v <= 1<<53 && v == math.Trunc(v) {
			return int64(v)
		}
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func (p params) limit() int {
	n := p.integer("limit", defaultQueryLimit)
	if n <= 0 || n > maxQueryLimit {
		n = maxQueryLimit
	}
	return int(n)
}
