// Package kernel is the action dispatcher: the closed set of action types
// through which every external actor reads and changes world state.
//
// A Kernel owns no state of its own. It wires the ledger, the artifact
// store, the permission engine, the executor, the rate tracker and the event
// log together, and turns every intent into exactly one structured result.
package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/artifacts"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/authz"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/eventlog"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/executor"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/finance"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/kernel/errorir"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/ledger"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/observability"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/ratelimit"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/runtime/budget"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/runtime/sandbox"
)

const (
	// SystemPrincipal holds the mint capability and owns genesis artifacts.
	SystemPrincipal = "system"
	// GenesisDelegation is the charge delegation service artifact.
	GenesisDelegation = "genesis_delegation"

	// ResourceActions is the rolling-window admission resource, one unit per
	// submitted intent.
	ResourceActions = "actions"
	// ResourceDisk is the ledger quota resource for artifact bytes.
	ResourceDisk = "disk_bytes"
)

// Deps are the components a Kernel dispatches to.
type Deps struct {
	Ledger   *ledger.Ledger
	Store    *artifacts.Store
	Authz    *authz.Engine
	Executor *executor.Executor
	Tracker  *ratelimit.Tracker
	Events   *eventlog.Log
}

// Kernel dispatches intents.
type Kernel struct {
	ledger    *ledger.Ledger
	store     *artifacts.Store
	authz     *authz.Engine
	exec      *executor.Executor
	tracker   *ratelimit.Tracker
	events    *eventlog.Log
	telemetry *observability.Provider
	costs     finance.CostModel
	logger    *slog.Logger
	clock     func() time.Time
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithTelemetry records spans and RED metrics for every action.
func WithTelemetry(p *observability.Provider) Option {
	return func(k *Kernel) { k.telemetry = p }
}

// WithCostModel converts metered invocation usage into stock-resource
// debits against the payer.
func WithCostModel(m finance.CostModel) Option {
	return func(k *Kernel) { k.costs = m }
}

// WithLogger overrides the component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(k *Kernel) { k.logger = logger }
}

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(k *Kernel) { k.clock = clock }
}

// New creates a kernel over already-built components.
func New(d Deps, opts ...Option) *Kernel {
	k := &Kernel{
		ledger:  d.Ledger,
		store:   d.Store,
		authz:   d.Authz,
		exec:    d.Executor,
		tracker: d.Tracker,
		events:  d.Events,
		logger:  slog.Default().With("component", "kernel"),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.tracker == nil {
		k.tracker = ratelimit.NewTracker(nil, nil)
	}
	if k.events == nil {
		k.events = eventlog.New(0)
	}
	if k.telemetry != nil && k.ledger != nil {
		l := k.ledger
		if err := k.telemetry.ObserveEconomy(l.TotalSupply, func() int { return len(l.Principals()) }); err != nil {
			k.logger.Warn("economy gauges unavailable", "error", err)
		}
	}
	return k
}

// Settings describe a complete kernel for Assemble.
type Settings struct {
	Budget budget.ComputeBudget
	// DiskQuotaBytes is the default per-principal storage quota; zero means
	// unlimited.
	DiskQuotaBytes int64
	// Limits are the rolling-window limits, keyed by resource.
	Limits map[string]ratelimit.Limit
	// RateStore backs the tracker; nil selects the in-memory store.
	RateStore ratelimit.Store
	MaxEvents int
	Telemetry *observability.Provider
	CostModel finance.CostModel
	Clock     func() time.Time
}

// Assemble builds every component, wires the ledger journal into the event
// log and the disk quota into the store, and returns the kernel together
// with the sandbox runner the caller must close.
func Assemble(s Settings) (*Kernel, *sandbox.Runner, error) {
	if s.Budget.TimeLimitMs == 0 {
		s.Budget = budget.DefaultBudget()
	}
	clock := s.Clock
	if clock == nil {
		clock = time.Now
	}

	events := eventlog.New(s.MaxEvents).WithClock(clock)
	lopts := []ledger.Option{ledger.WithJournal(EventJournal(events)), ledger.WithClock(clock)}
	if s.DiskQuotaBytes > 0 {
		lopts = append(lopts, ledger.WithDefaultQuota(ResourceDisk, finance.Units(s.DiskQuotaBytes)))
	}
	l := ledger.New(lopts...)
	store := artifacts.NewStore(artifacts.WithQuota(DiskQuota(l)), artifacts.WithStoreClock(clock))
	engine := authz.NewEngine(store, authz.WithMaxContractDepth(s.Budget.MaxInvokeDepth))

	runner, err := sandbox.NewRunner(s.Budget)
	if err != nil {
		return nil, nil, fmt.Errorf("kernel: sandbox runner: %w", err)
	}
	tracker := ratelimit.NewTracker(s.RateStore, s.Limits).WithClock(clock)
	ex := executor.New(l, store, engine, runner,
		executor.WithTracker(tracker),
		executor.WithBudget(s.Budget),
		executor.WithClock(clock),
	)

	opts := []Option{WithClock(clock), WithCostModel(s.CostModel)}
	if s.Telemetry != nil {
		opts = append(opts, WithTelemetry(s.Telemetry))
	}
	k := New(Deps{
		Ledger:   l,
		Store:    store,
		Authz:    engine,
		Executor: ex,
		Tracker:  tracker,
		Events:   events,
	}, opts...)
	return k, runner, nil
}

// DiskQuota enforces the ledger's disk quota on artifact writes.
func DiskQuota(l *ledger.Ledger) artifacts.QuotaFunc {
	return func(owner string, used, delta int64) error {
		q, ok := l.Quota(owner, ResourceDisk)
		if !ok {
			return nil
		}
		limit := int64(q / finance.One)
		if used+delta <= limit {
			return nil
		}
		return errorir.QuotaExceeded(ResourceDisk, owner, "disk quota exceeded: %d bytes used, %d requested, limit %d", used, delta, limit).
			With("used", used).
			With("limit", limit)
	}
}

// Ledger returns the ledger.
func (k *Kernel) Ledger() *ledger.Ledger { return k.ledger }

// Store returns the artifact store.
func (k *Kernel) Store() *artifacts.Store { return k.store }

// Executor returns the executor.
func (k *Kernel) Executor() *executor.Executor { return k.exec }

// Events returns the event log.
func (k *Kernel) Events() *eventlog.Log { return k.events }

// Tracker returns the rate tracker.
func (k *Kernel) Tracker() *ratelimit.Tracker { return k.tracker }

// Telemetry returns the telemetry provider, or nil.
func (k *Kernel) Telemetry() *observability.Provider { return k.telemetry }

// Service is a genesis artifact plus the extensions its code calls.
type Service struct {
	Artifact   artifacts.Artifact
	Extensions []executor.Extension
}

// SeedConfig controls genesis seeding.
type SeedConfig struct {
	// Balances credits starting scrip per principal.
	Balances map[string]int64
	// Services are installed after the built-in delegation service.
	Services []Service
}

const delegationCode = `run: 'grant_charge_delegation(args[0], args[1], 0)'
handle_request: 'operation == "revoke" ? revoke_charge_delegation(args[0]) : (operation == "list" ? charge_delegations() : grant_charge_delegation(args[0], args[1], 0))'
`

// Seed installs the genesis state: the system principal with the mint
// capability, the charge delegation service, any extra services and the
// starting balances. Existing genesis artifacts are left untouched, but
// balances are credited on every call.
func (k *Kernel) Seed(ctx context.Context, cfg SeedConfig) error {
	k.ledger.EnsurePrincipal(SystemPrincipal)
	k.ledger.GrantCapability(SystemPrincipal, ledger.CapabilityMint)

	services := append([]Service{{
		Artifact: artifacts.Artifact{
			ID:           GenesisDelegation,
			Type:         artifacts.TypeService,
			CreatedBy:    SystemPrincipal,
			Content:      "Grants, revokes and lists charge delegations for the calling principal.",
			Code:         delegationCode,
			Executable:   true,
			Capabilities: []string{executor.CapabilityDelegation},
		},
		Extensions: k.exec.DelegationExtensions(),
	}}, cfg.Services...)

	for _, svc := range services {
		for _, ext := range svc.Extensions {
			if err := k.exec.RegisterExtension(ext); err != nil {
				return fmt.Errorf("kernel: seed %s: %w", svc.Artifact.ID, err)
			}
		}
		if k.store.Exists(svc.Artifact.ID) {
			continue
		}
		if _, err := k.store.CreateProtected(ctx, svc.Artifact); err != nil {
			return fmt.Errorf("kernel: seed %s: %w", svc.Artifact.ID, err)
		}
		if svc.Artifact.HasStanding {
			k.ledger.EnsurePrincipal(svc.Artifact.ID)
		}
	}

	for id, amount := range cfg.Balances {
		k.ledger.EnsurePrincipal(id)
		if amount <= 0 {
			continue
		}
		if err := k.ledger.Credit(ctx, id, amount, "genesis allocation"); err != nil {
			return fmt.Errorf("kernel: seed balance %s: %w", id, err)
		}
	}
	k.logger.InfoContext(ctx, "kernel seeded", "services", len(services), "principals", len(cfg.Balances))
	return nil
}
