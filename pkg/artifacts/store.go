package artifacts

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/kernel/errorir"
)

// QuotaFunc is consulted before a write grows an owner's footprint. used is
// the owner's current live usage in bytes, delta the growth.
type QuotaFunc func(owner string, used, delta int64) error

// Store holds artifact records.
//
// Writes to the same ID serialize on a per-ID mutex; the final validation
// (dependency graph, quota) and the map update share one short critical
// section on mu so concurrent writes cannot jointly introduce a cycle.
// Lock order is always: ID locks in sorted order, then mu.
type Store struct {
	mu    sync.RWMutex
	items map[string]*Artifact

	idLocks sync.Map // id -> *sync.Mutex

	quota  QuotaFunc
	clock  func() time.Time
	logger *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithQuota installs the disk quota hook.
func WithQuota(q QuotaFunc) StoreOption {
	return func(s *Store) { s.quota = q }
}

// WithStoreClock overrides the clock for testing.
func WithStoreClock(clock func() time.Time) StoreOption {
	return func(s *Store) { s.clock = clock }
}

// WithStoreLogger overrides the component logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

// NewStore creates an empty store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		items:  make(map[string]*Artifact),
		clock:  time.Now,
		logger: slog.Default().With("component", "artifacts"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) now() time.Time { return s.clock().UTC() }

func (s *Store) idLock(id string) *sync.Mutex {
	m, _ := s.idLocks.LoadOrStore(id, &sync.Mutex{})
	return m.(*sync.Mutex)
}

func (s *Store) lockIDs(ids []string) func() {
	uniq := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		uniq[id] = struct{}{}
	}
	sorted := make([]string, 0, len(uniq))
	for id := range uniq {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)
	locks := make([]*sync.Mutex, 0, len(sorted))
	for _, id := range sorted {
		m := s.idLock(id)
		m.Lock()
		locks = append(locks, m)
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

func (s *Store) peek(id string) *Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items[id]
}

// ownerUsageLocked sums live artifact sizes. Callers hold mu.
func (s *Store) ownerUsageLocked(owner string) int64 {
	var total int64
	for _, a := range s.items {
		if a.Deleted || a.CreatedBy != owner {
			continue
		}
		total += a.Size()
	}
	return total
}

func (s *Store) checkQuota(owner string, used, delta int64) error {
	if s.quota == nil || delta <= 0 {
		return nil
	}
	return s.quota(owner, used, delta)
}

func sizeOf(a *Artifact) int64 {
	if a == nil || a.Deleted {
		return 0
	}
	return a.Size()
}

// commit validates next against the live map and stores it. Callers hold the
// ID lock for next.ID.
func (s *Store) commit(prev, next *Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur := s.items[next.ID]; cur != prev {
		return errorir.Runtime("artifact %q changed concurrently", next.ID).AsRetriable(true)
	}
	lookup := func(id string) *Artifact {
		if id == next.ID {
			return next
		}
		return s.items[id]
	}
	if err := validateDeps(next, lookup); err != nil {
		return err
	}
	if err := s.checkQuota(next.CreatedBy, s.ownerUsageLocked(next.CreatedBy), sizeOf(next)-sizeOf(prev)); err != nil {
		return err
	}
	s.items[next.ID] = next
	return nil
}

// Exists reports whether a record (live or tombstoned) exists.
func (s *Store) Exists(id string) bool {
	return s.peek(id) != nil
}

// Get returns a deep copy of the record. Tombstoned records are returned with
// Deleted set; callers decide how much of them to reveal.
func (s *Store) Get(id string) (*Artifact, error) {
	a := s.peek(id)
	if a == nil {
		return nil, errorir.NotFound("artifact", id)
	}
	return a.Clone(), nil
}

// Write creates the artifact or fully replaces its mutable fields.
func (s *Store) Write(ctx context.Context, req WriteRequest) (*Artifact, error) {
	id, err := NormalizeID(req.ID)
	if err != nil {
		return nil, err
	}
	req.ID = id

	m := s.idLock(id)
	m.Lock()
	defer m.Unlock()

	prev := s.peek(id)
	if err := checkVersion(id, prev, req.ExpectVersion); err != nil {
		return nil, err
	}
	next, err := applyWrite(prev, req, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.commit(prev, next); err != nil {
		return nil, err
	}
	if prev == nil {
		s.logger.InfoContext(ctx, "artifact created", "artifact_id", id, "created_by", next.CreatedBy, "type", next.Type)
	}
	return next.Clone(), nil
}

// Edit replaces exactly one occurrence of req.Old.
func (s *Store) Edit(ctx context.Context, req EditRequest) (*Artifact, error) {
	m := s.idLock(req.ID)
	m.Lock()
	defer m.Unlock()

	prev := s.peek(req.ID)
	if prev == nil {
		return nil, errorir.NotFound("artifact", req.ID)
	}
	if err := checkVersion(req.ID, prev, req.ExpectVersion); err != nil {
		return nil, err
	}
	next, err := applyEdit(prev, req, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.commit(prev, next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

// Delete tombstones the artifact. Only the creator may delete, and never in a
// reserved namespace.
func (s *Store) Delete(ctx context.Context, id, requester string) (*Artifact, error) {
	if IsReserved(id) {
		return nil, errorir.NotAuthorized("artifact %q is in a reserved namespace", id)
	}
	m := s.idLock(id)
	m.Lock()
	defer m.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.items[id]
	if prev == nil {
		return nil, errorir.NotFound("artifact", id)
	}
	if prev.Deleted {
		return nil, errorir.Deleted(id)
	}
	if prev.KernelProtected {
		return nil, errorir.NotAuthorized("artifact %q is kernel protected", id)
	}
	if prev.CreatedBy != requester {
		return nil, errorir.NotAuthorized("only the creator of %q may delete it", id).With("created_by", prev.CreatedBy)
	}
	now := s.now()
	next := prev.Clone()
	next.Deleted = true
	next.DeletedAt = &now
	next.DeletedBy = requester
	next.UpdatedAt = now
	next.Version++
	s.items[id] = next

	s.logger.InfoContext(ctx, "artifact deleted", "artifact_id", id, "deleted_by", requester)
	return next.Clone(), nil
}

// ModifyProtected is the kernel-internal mutation path for kernel_protected
// records. It is not reachable from any action type.
func (s *Store) ModifyProtected(ctx context.Context, id string, mutate func(*Artifact) error) (*Artifact, error) {
	m := s.idLock(id)
	m.Lock()
	defer m.Unlock()

	prev := s.peek(id)
	if prev == nil {
		return nil, errorir.NotFound("artifact", id)
	}
	if !prev.KernelProtected {
		return nil, errorir.InvalidArgument("artifact %q is not kernel protected", id)
	}
	next := prev.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if err := checkPreservedFields(prev, next); err != nil {
		return nil, err
	}
	next.UpdatedAt = s.now()
	next.Version = prev.Version + 1
	annotate(next)
	if err := s.commit(prev, next); err != nil {
		return nil, err
	}
	s.logger.DebugContext(ctx, "protected artifact modified", "artifact_id", id, "version", next.Version)
	return next.Clone(), nil
}

// CreateProtected stores a kernel-originated record. Reserved IDs,
// capabilities and kernel_protected are all allowed here.
func (s *Store) CreateProtected(ctx context.Context, a Artifact) (*Artifact, error) {
	id, err := NormalizeID(a.ID)
	if err != nil {
		return nil, err
	}
	if a.CreatedBy == "" {
		return nil, errorir.InvalidArgument("created_by is required")
	}
	m := s.idLock(id)
	m.Lock()
	defer m.Unlock()

	if s.peek(id) != nil {
		return nil, errorir.InvalidArgument("artifact %q already exists", id)
	}
	next := a.Clone()
	next.ID = id
	now := s.now()
	next.CreatedAt, next.UpdatedAt = now, now
	next.Version = 1
	if next.Type == "" {
		next.Type = TypeData
	}
	if next.Policy == nil && next.AccessContractID == "" {
		next.Policy = DefaultPolicy()
	}
	deps, err := normalizeDeps(next.DependsOn)
	if err != nil {
		return nil, err
	}
	next.DependsOn = deps
	annotate(next)
	if err := s.commit(nil, next); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "system artifact created", "artifact_id", id, "capabilities", next.Capabilities, "kernel_protected", next.KernelProtected)
	return next.Clone(), nil
}

// ListAll returns every artifact sorted by ID.
func (s *Store) ListAll(includeDeleted bool) []*Artifact {
	return s.list(func(a *Artifact) bool { return includeDeleted || !a.Deleted })
}

// ListByOwner returns the live artifacts created by owner.
func (s *Store) ListByOwner(owner string) []*Artifact {
	return s.list(func(a *Artifact) bool { return !a.Deleted && a.CreatedBy == owner })
}

// ListByType returns the live artifacts of the given type.
func (s *Store) ListByType(typ string) []*Artifact {
	return s.list(func(a *Artifact) bool { return !a.Deleted && a.Type == typ })
}

func (s *Store) list(keep func(*Artifact) bool) []*Artifact {
	s.mu.RLock()
	out := make([]*Artifact, 0, len(s.items))
	for _, a := range s.items {
		if keep(a) {
			out = append(out, a.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetSize returns the artifact's storage footprint in bytes.
func (s *Store) GetSize(id string) (int64, error) {
	a := s.peek(id)
	if a == nil {
		return 0, errorir.NotFound("artifact", id)
	}
	return a.Size(), nil
}

// GetOwnerUsage sums the footprint of the owner's live artifacts.
func (s *Store) GetOwnerUsage(owner string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ownerUsageLocked(owner)
}

// ResolveDependencies re-validates the declared dependencies at use time.
// A dependency deleted since declaration fails here.
func (s *Store) ResolveDependencies(id string) (map[string]*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return resolveDeps(id, func(x string) *Artifact { return s.items[x] })
}

// Snapshot returns deep copies of every record, including tombstones.
func (s *Store) Snapshot() []Artifact {
	all := s.ListAll(true)
	out := make([]Artifact, len(all))
	for i, a := range all {
		out[i] = *a
	}
	return out
}

// Restore replaces the store contents. The dependency graph is validated as
// a whole.
func (s *Store) Restore(records []Artifact) error {
	items := make(map[string]*Artifact, len(records))
	for i := range records {
		a := records[i].Clone()
		if a.ID == "" || a.CreatedBy == "" {
			return errorir.InvalidArgument("restored artifact missing id or created_by")
		}
		if _, dup := items[a.ID]; dup {
			return errorir.InvalidArgument("duplicate artifact %q in snapshot", a.ID)
		}
		items[a.ID] = a
	}
	lookup := func(id string) *Artifact { return items[id] }
	for _, a := range items {
		if a.Deleted {
			continue
		}
		if err := checkAcyclic(a, lookup); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.items = items
	s.mu.Unlock()
	return nil
}
