// Package ledger is the source of truth for scrip and resource balances.
//
// Balances never go negative and there is no debt. Each principal has its own
// mutex; operations touching several principals lock them in sorted ID order,
// so transfers over disjoint pairs run in parallel and no intermediate state
// is observable.
package ledger

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/finance"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/kernel/errorir"
)

// CapabilityMint allows a principal to increase the money supply.
const CapabilityMint = "mint"

const maxScrip = math.MaxInt64

// Principal is a point-in-time copy of an account.
type Principal struct {
	ID           string                    `json:"id"`
	Scrip        int64                     `json:"scrip"`
	Resources    map[string]finance.Amount `json:"resources,omitempty"`
	Capabilities []string                  `json:"capabilities,omitempty"`
	Quotas       map[string]finance.Amount `json:"quotas,omitempty"`
	Standing     bool                      `json:"standing,omitempty"`
	CreatedAt    time.Time                 `json:"created_at"`
}

// Entry kinds reported to the Journal.
const (
	EntryTransfer       = "transfer"
	EntryMint           = "mint"
	EntryCredit         = "credit"
	EntrySpendResource  = "spend_resource"
	EntryCreditResource = "credit_resource"
)

// Entry describes one committed balance movement.
type Entry struct {
	Kind      string         `json:"kind"`
	From      string         `json:"from,omitempty"`
	To        string         `json:"to,omitempty"`
	Amount    int64          `json:"amount,omitempty"`
	Resource  string         `json:"resource,omitempty"`
	Quantity  finance.Amount `json:"quantity,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Committed time.Time      `json:"committed"`
}

// Journal observes committed ledger movements (the kernel feeds them to the
// event log).
type Journal interface {
	Record(ctx context.Context, e Entry)
}

type account struct {
	mu        sync.Mutex
	id        string
	scrip     int64
	resources map[string]finance.Amount
	caps      map[string]struct{}
	standing  bool
	createdAt time.Time
}

// Ledger tracks balances per principal.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]*account

	quotaMu       sync.RWMutex
	quotas        map[string]map[string]finance.Amount
	defaultQuotas map[string]finance.Amount

	journal Journal
	logger  *slog.Logger
	clock   func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithJournal registers an observer for committed movements.
func WithJournal(j Journal) Option {
	return func(l *Ledger) { l.journal = j }
}

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

// WithDefaultQuota sets the quota applied to principals without an override.
func WithDefaultQuota(resource string, amount finance.Amount) Option {
	return func(l *Ledger) { l.defaultQuotas[resource] = amount }
}

// WithLogger overrides the component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		accounts:      make(map[string]*account),
		quotas:        make(map[string]map[string]finance.Amount),
		defaultQuotas: make(map[string]finance.Amount),
		logger:        slog.Default().With("component", "ledger"),
		clock:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) lookup(id string) *account {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.accounts[id]
}

// getOrCreate auto-vivifies a zero-balance account.
func (l *Ledger) getOrCreate(id string) *account {
	if a := l.lookup(id); a != nil {
		return a
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.accounts[id]; ok {
		return a
	}
	a := &account{
		id:        id,
		resources: make(map[string]finance.Amount),
		caps:      make(map[string]struct{}),
		createdAt: l.clock().UTC(),
	}
	l.accounts[id] = a
	return a
}

// lockAccounts locks the named accounts in sorted ID order.
func (l *Ledger) lockAccounts(ids []string) (map[string]*account, func()) {
	uniq := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		uniq[id] = struct{}{}
	}
	sorted := make([]string, 0, len(uniq))
	for id := range uniq {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	locked := make(map[string]*account, len(sorted))
	order := make([]*account, 0, len(sorted))
	for _, id := range sorted {
		a := l.getOrCreate(id)
		a.mu.Lock()
		locked[id] = a
		order = append(order, a)
	}
	return locked, func() {
		for i := len(order) - 1; i >= 0; i-- {
			order[i].mu.Unlock()
		}
	}
}

func (l *Ledger) record(ctx context.Context, entries ...Entry) {
	if l.journal == nil {
		return
	}
	for _, e := range entries {
		l.journal.Record(ctx, e)
	}
}

// EnsurePrincipal registers id as a principal with standing, creating the
// account if unseen. Accounts created implicitly by a transfer or credit
// have no standing until registered.
func (l *Ledger) EnsurePrincipal(id string) {
	a := l.getOrCreate(id)
	a.mu.Lock()
	a.standing = true
	a.mu.Unlock()
}

// HasStanding reports whether id was registered through EnsurePrincipal.
func (l *Ledger) HasStanding(id string) bool {
	a := l.lookup(id)
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.standing
}

// Exists reports whether the principal has ever been touched.
func (l *Ledger) Exists(id string) bool {
	return l.lookup(id) != nil
}

// GetBalance returns the scrip balance; unknown principals have 0.
func (l *Ledger) GetBalance(id string) int64 {
	a := l.lookup(id)
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scrip
}

// CanAfford reports whether the principal holds at least amount scrip.
// Non-positive amounts are always affordable.
func (l *Ledger) CanAfford(id string, amount int64) bool {
	if amount <= 0 {
		return true
	}
	return l.GetBalance(id) >= amount
}

// GetResource returns the stock balance of a resource.
func (l *Ledger) GetResource(id, resource string) finance.Amount {
	a := l.lookup(id)
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resources[resource]
}

func validateTransfer(from, to string, amount int64) error {
	if from == "" || to == "" {
		return errorir.InvalidArgument("transfer requires both from and to principals")
	}
	if amount <= 0 {
		return errorir.InvalidArgument("transfer amount must be positive, got %d", amount).With("amount", amount)
	}
	if from == to {
		return errorir.InvalidArgument("cannot transfer to self")
	}
	return nil
}

// Transfer moves scrip between principals in a single critical section.
func (l *Ledger) Transfer(ctx context.Context, from, to string, amount int64, memo string) error {
	if err := validateTransfer(from, to, amount); err != nil {
		return err
	}

	accts, unlock := l.lockAccounts([]string{from, to})
	src, dst := accts[from], accts[to]
	if src.scrip < amount {
		have := src.scrip
		unlock()
		return errorir.InsufficientFunds(from, amount, have)
	}
	if dst.scrip > maxScrip-amount {
		unlock()
		return errorir.InvalidArgument("transfer would overflow balance of %s", to)
	}
	src.scrip -= amount
	dst.scrip += amount
	unlock()

	l.logger.DebugContext(ctx, "transfer", "from", from, "to", to, "amount", amount, "memo", memo)
	l.record(ctx, Entry{Kind: EntryTransfer, From: from, To: to, Amount: amount, Reason: memo, Committed: l.clock().UTC()})
	return nil
}

// Mint creates new scrip. The caller must hold the mint capability and the
// reason is mandatory.
func (l *Ledger) Mint(ctx context.Context, caller, recipient string, amount int64, reason string) error {
	if !l.HasCapability(caller, CapabilityMint) {
		return errorir.NotAuthorized("principal %q lacks the mint capability", caller).With("principal_id", caller)
	}
	return l.mint(ctx, caller, recipient, amount, reason, EntryMint)
}

// Credit is the kernel-internal seeding path; it bypasses the capability check
// but still requires an auditable reason.
func (l *Ledger) Credit(ctx context.Context, recipient string, amount int64, reason string) error {
	return l.mint(ctx, "kernel", recipient, amount, reason, EntryCredit)
}

func (l *Ledger) mint(ctx context.Context, caller, recipient string, amount int64, reason, kind string) error {
	if recipient == "" {
		return errorir.InvalidArgument("mint requires a recipient")
	}
	if amount <= 0 {
		return errorir.InvalidArgument("mint amount must be positive, got %d", amount).With("amount", amount)
	}
	if reason == "" {
		return errorir.InvalidArgument("mint requires a reason")
	}

	a := l.getOrCreate(recipient)
	a.mu.Lock()
	if a.scrip > maxScrip-amount {
		a.mu.Unlock()
		return errorir.InvalidArgument("mint would overflow balance of %s", recipient)
	}
	a.scrip += amount
	a.mu.Unlock()

	l.logger.InfoContext(ctx, "scrip minted",
		"caller", caller,
		"recipient", recipient,
		"amount", amount,
		"reason", reason,
		"kind", kind,
	)
	l.record(ctx, Entry{Kind: kind, From: caller, To: recipient, Amount: amount, Reason: reason, Committed: l.clock().UTC()})
	return nil
}

// SpendResource depletes a stock resource.
func (l *Ledger) SpendResource(ctx context.Context, id, resource string, qty finance.Amount) error {
	if resource == "" || qty <= 0 {
		return errorir.InvalidArgument("spend requires a resource and a positive quantity")
	}
	a := l.getOrCreate(id)
	a.mu.Lock()
	have := a.resources[resource]
	if have < qty {
		a.mu.Unlock()
		return errorir.InsufficientResource(id, resource, qty.String(), have.String())
	}
	a.resources[resource] = have - qty
	a.mu.Unlock()

	l.record(ctx, Entry{Kind: EntrySpendResource, From: id, Resource: resource, Quantity: qty, Committed: l.clock().UTC()})
	return nil
}

// CreditResource adds to a stock resource (allocation, refunds).
func (l *Ledger) CreditResource(ctx context.Context, id, resource string, qty finance.Amount) error {
	if resource == "" || qty <= 0 {
		return errorir.InvalidArgument("credit requires a resource and a positive quantity")
	}
	a := l.getOrCreate(id)
	a.mu.Lock()
	sum, err := a.resources[resource].Add(qty)
	if err != nil {
		a.mu.Unlock()
		return errorir.InvalidArgument("resource %s overflow for %s", resource, id)
	}
	a.resources[resource] = sum
	a.mu.Unlock()

	l.record(ctx, Entry{Kind: EntryCreditResource, To: id, Resource: resource, Quantity: qty, Committed: l.clock().UTC()})
	return nil
}

// ChargeUsage converts metered usage through the cost model and debits every
// resulting resource charge atomically: either all charges apply or none.
func (l *Ledger) ChargeUsage(ctx context.Context, id string, model finance.CostModel, usage map[string]finance.Amount) ([]finance.Charge, error) {
	charges, err := model.Price(usage)
	if err != nil {
		return nil, errorir.InvalidArgument("%s", err.Error())
	}
	if len(charges) == 0 {
		return nil, nil
	}

	a := l.getOrCreate(id)
	a.mu.Lock()
	for _, c := range charges {
		if have := a.resources[c.Resource]; have < c.Amount {
			a.mu.Unlock()
			return nil, errorir.InsufficientResource(id, c.Resource, c.Amount.String(), have.String())
		}
	}
	for _, c := range charges {
		a.resources[c.Resource] -= c.Amount
	}
	a.mu.Unlock()

	now := l.clock().UTC()
	for _, c := range charges {
		l.record(ctx, Entry{Kind: EntrySpendResource, From: id, Resource: c.Resource, Quantity: c.Amount, Reason: "usage", Committed: now})
	}
	return charges, nil
}

// GrantCapability sets a capability flag. Kernel-internal.
func (l *Ledger) GrantCapability(id, capability string) {
	a := l.getOrCreate(id)
	a.mu.Lock()
	a.caps[capability] = struct{}{}
	a.mu.Unlock()
	l.logger.Info("capability granted", "principal_id", id, "capability", capability)
}

// RevokeCapability clears a capability flag. Kernel-internal.
func (l *Ledger) RevokeCapability(id, capability string) {
	a := l.lookup(id)
	if a == nil {
		return
	}
	a.mu.Lock()
	delete(a.caps, capability)
	a.mu.Unlock()
}

// HasCapability reports whether the principal holds the capability.
func (l *Ledger) HasCapability(id, capability string) bool {
	a := l.lookup(id)
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.caps[capability]
	return ok
}

// SetQuota overrides a principal's quota for a resource.
func (l *Ledger) SetQuota(id, resource string, amount finance.Amount) {
	l.quotaMu.Lock()
	defer l.quotaMu.Unlock()
	q, ok := l.quotas[id]
	if !ok {
		q = make(map[string]finance.Amount)
		l.quotas[id] = q
	}
	q[resource] = amount
}

// Quota returns the principal's quota for a resource, falling back to the
// configured default. ok is false when the resource is unlimited.
// Quota never takes account locks, so it is safe to call while holding
// artifact store locks.
func (l *Ledger) Quota(id, resource string) (finance.Amount, bool) {
	l.quotaMu.RLock()
	defer l.quotaMu.RUnlock()
	if q, ok := l.quotas[id][resource]; ok {
		return q, true
	}
	q, ok := l.defaultQuotas[resource]
	return q, ok
}

// Principals lists every known principal ID in sorted order.
func (l *Ledger) Principals() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.accounts))
	for id := range l.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Get returns a copy of the principal.
func (l *Ledger) Get(id string) (Principal, bool) {
	a := l.lookup(id)
	if a == nil {
		return Principal{}, false
	}
	return l.snapshotAccount(a), true
}

func (l *Ledger) snapshotAccount(a *account) Principal {
	a.mu.Lock()
	p := Principal{
		ID:        a.id,
		Scrip:     a.scrip,
		Standing:  a.standing,
		CreatedAt: a.createdAt,
	}
	if len(a.resources) > 0 {
		p.Resources = make(map[string]finance.Amount, len(a.resources))
		for k, v := range a.resources {
			p.Resources[k] = v
		}
	}
	for c := range a.caps {
		p.Capabilities = append(p.Capabilities, c)
	}
	a.mu.Unlock()
	sort.Strings(p.Capabilities)

	l.quotaMu.RLock()
	if q := l.quotas[a.id]; len(q) > 0 {
		p.Quotas = make(map[string]finance.Amount, len(q))
		for k, v := range q {
			p.Quotas[k] = v
		}
	}
	l.quotaMu.RUnlock()
	return p
}

// TotalSupply sums every scrip balance.
func (l *Ledger) TotalSupply() int64 {
	var total int64
	for _, id := range l.Principals() {
		total += l.GetBalance(id)
	}
	return total
}

// Snapshot copies every account.
func (l *Ledger) Snapshot() []Principal {
	ids := l.Principals()
	out := make([]Principal, 0, len(ids))
	for _, id := range ids {
		if a := l.lookup(id); a != nil {
			out = append(out, l.snapshotAccount(a))
		}
	}
	return out
}

// Restore replaces all accounts. Negative balances are rejected.
func (l *Ledger) Restore(principals []Principal) error {
	accounts := make(map[string]*account, len(principals))
	quotas := make(map[string]map[string]finance.Amount)
	for _, p := range principals {
		if p.ID == "" {
			return errorir.InvalidArgument("restore: principal with empty id")
		}
		if p.Scrip < 0 {
			return errorir.InvalidArgument("restore: negative scrip for %s", p.ID)
		}
		a := &account{
			id:        p.ID,
			scrip:     p.Scrip,
			resources: make(map[string]finance.Amount, len(p.Resources)),
			caps:      make(map[string]struct{}, len(p.Capabilities)),
			standing:  p.Standing,
			createdAt: p.CreatedAt,
		}
		for k, v := range p.Resources {
			if v < 0 {
				return errorir.InvalidArgument("restore: negative %s for %s", k, p.ID)
			}
			a.resources[k] = v
		}
		for _, c := range p.Capabilities {
			a.caps[c] = struct{}{}
		}
		if len(p.Quotas) > 0 {
			q := make(map[string]finance.Amount, len(p.Quotas))
			for k, v := range p.Quotas {
				q[k] = v
			}
			quotas[p.ID] = q
		}
		accounts[p.ID] = a
	}

	l.mu.Lock()
	l.accounts = accounts
	l.mu.Unlock()
	l.quotaMu.Lock()
	l.quotas = quotas
	l.quotaMu.Unlock()
	return nil
}
