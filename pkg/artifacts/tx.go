package artifacts

import (
	"context"
	"sort"
	"sync"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/kernel/errorir"
)

type txEntry struct {
	id   string
	prev *Artifact // staged value before this write, nil if unstaged
}

// Tx stages artifact writes for an invocation chain. Reads inside the Tx see
// staged writes. Nothing reaches the store until the prepared Tx is applied.
type Tx struct {
	s      *Store
	mu     sync.Mutex
	staged map[string]*Artifact
	base   map[string]*Artifact // live record when first staged (nil = absent)
	log    []txEntry
	done   bool
}

// Begin starts a staged transaction.
func (s *Store) Begin() *Tx {
	return &Tx{
		s:      s,
		staged: make(map[string]*Artifact),
		base:   make(map[string]*Artifact),
	}
}

func (tx *Tx) lookupLocked(id string) *Artifact {
	if a, ok := tx.staged[id]; ok {
		return a
	}
	return tx.s.peek(id)
}

// Get returns the artifact as seen by the transaction.
func (tx *Tx) Get(id string) (*Artifact, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	a := tx.lookupLocked(id)
	if a == nil {
		return nil, errorir.NotFound("artifact", id)
	}
	return a.Clone(), nil
}

// ResolveDependencies resolves against the transaction's view.
func (tx *Tx) ResolveDependencies(id string) (map[string]*Artifact, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return resolveDeps(id, tx.lookupLocked)
}

func (tx *Tx) stageLocked(next *Artifact) {
	id := next.ID
	prev, staged := tx.staged[id]
	if !staged {
		tx.base[id] = tx.s.peek(id)
		prev = nil
	}
	tx.log = append(tx.log, txEntry{id: id, prev: prev})
	tx.staged[id] = next
}

// Write stages a create or full replace.
func (tx *Tx) Write(req WriteRequest) (*Artifact, error) {
	id, err := NormalizeID(req.ID)
	if err != nil {
		return nil, err
	}
	req.ID = id

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return nil, errorir.Runtime("artifact transaction already finished")
	}
	next, err := applyWrite(tx.lookupLocked(id), req, tx.s.now())
	if err != nil {
		return nil, err
	}
	if err := validateDeps(next, func(x string) *Artifact {
		if x == id {
			return next
		}
		return tx.lookupLocked(x)
	}); err != nil {
		return nil, err
	}
	tx.stageLocked(next)
	return next.Clone(), nil
}

// Edit stages a unique-match replacement.
func (tx *Tx) Edit(req EditRequest) (*Artifact, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return nil, errorir.Runtime("artifact transaction already finished")
	}
	cur := tx.lookupLocked(req.ID)
	if cur == nil {
		return nil, errorir.NotFound("artifact", req.ID)
	}
	next, err := applyEdit(cur, req, tx.s.now())
	if err != nil {
		return nil, err
	}
	tx.stageLocked(next)
	return next.Clone(), nil
}

// SetContent stages a content-only update and keeps every other field.
func (tx *Tx) SetContent(id, content string) (*Artifact, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return nil, errorir.Runtime("artifact transaction already finished")
	}
	cur := tx.lookupLocked(id)
	if cur == nil {
		return nil, errorir.NotFound("artifact", id)
	}
	if cur.Deleted {
		return nil, errorir.Deleted(id)
	}
	if cur.KernelProtected {
		return nil, errorir.NotAuthorized("artifact %q is kernel protected", id)
	}
	next := cur.Clone()
	next.Content = content
	next.UpdatedAt = tx.s.now()
	next.Version++
	tx.stageLocked(next)
	return next.Clone(), nil
}

// ModifyProtected stages a kernel-internal change to a kernel_protected
// record. When the record does not exist and seed is non-nil, it is created
// from seed first.
func (tx *Tx) ModifyProtected(id string, seed func() Artifact, mutate func(*Artifact) error) (*Artifact, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return nil, errorir.Runtime("artifact transaction already finished")
	}
	now := tx.s.now()
	cur := tx.lookupLocked(id)
	var next *Artifact
	switch {
	case cur == nil && seed == nil:
		return nil, errorir.NotFound("artifact", id)
	case cur == nil:
		a := seed()
		next = a.Clone()
		next.ID = id
		if next.CreatedBy == "" || !next.KernelProtected {
			return nil, errorir.InvalidArgument("protected seed for %q needs created_by and kernel_protected", id)
		}
		if next.Type == "" {
			next.Type = TypeData
		}
		next.CreatedAt = now
		next.Version = 0
	case !cur.KernelProtected:
		return nil, errorir.InvalidArgument("artifact %q is not kernel protected", id)
	default:
		next = cur.Clone()
	}
	if err := mutate(next); err != nil {
		return nil, err
	}
	if cur != nil {
		if err := checkPreservedFields(cur, next); err != nil {
			return nil, err
		}
	}
	next.UpdatedAt = now
	next.Version++
	annotate(next)
	tx.stageLocked(next)
	return next.Clone(), nil
}

// Savepoint marks the current position for RollbackTo.
func (tx *Tx) Savepoint() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.log)
}

// RollbackTo undoes every write staged after the savepoint.
func (tx *Tx) RollbackTo(sp int) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for i := len(tx.log) - 1; i >= sp && i >= 0; i-- {
		e := tx.log[i]
		if e.prev == nil {
			delete(tx.staged, e.id)
			delete(tx.base, e.id)
		} else {
			tx.staged[e.id] = e.prev
		}
	}
	if sp < len(tx.log) {
		tx.log = tx.log[:sp]
	}
}

// Pending returns the number of staged artifacts.
func (tx *Tx) Pending() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.staged)
}

// Discard abandons the transaction.
func (tx *Tx) Discard() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.staged = map[string]*Artifact{}
	tx.done = true
}

// Prepared holds the store locks of a validated transaction. Exactly one of
// Apply or Release must be called.
type Prepared struct {
	s       *Store
	writes  []*Artifact
	release func()
}

// Prepare locks the staged IDs in sorted order, then the store map, and checks
// that no staged record changed underneath the transaction. The dependency
// graph and owner quotas are validated against the post-commit view.
func (tx *Tx) Prepare() (*Prepared, error) {
	tx.mu.Lock()
	if tx.done {
		tx.mu.Unlock()
		return nil, errorir.Runtime("artifact transaction already finished")
	}
	tx.done = true
	staged := tx.staged
	base := tx.base
	tx.mu.Unlock()

	ids := make([]string, 0, len(staged))
	for id := range staged {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	s := tx.s
	unlockIDs := s.lockIDs(ids)
	s.mu.Lock()
	release := func() {
		s.mu.Unlock()
		unlockIDs()
	}

	for _, id := range ids {
		if s.items[id] != base[id] {
			release()
			return nil, errorir.Runtime("artifact %q changed concurrently", id).AsRetriable(true)
		}
	}

	view := func(id string) *Artifact {
		if a, ok := staged[id]; ok {
			return a
		}
		return s.items[id]
	}
	growth := make(map[string]int64)
	writes := make([]*Artifact, 0, len(ids))
	for _, id := range ids {
		next := staged[id]
		if err := validateDeps(next, view); err != nil {
			release()
			return nil, err
		}
		growth[next.CreatedBy] += sizeOf(next) - sizeOf(s.items[id])
		writes = append(writes, next)
	}
	owners := make([]string, 0, len(growth))
	for o := range growth {
		owners = append(owners, o)
	}
	sort.Strings(owners)
	for _, owner := range owners {
		if err := s.checkQuota(owner, s.ownerUsageLocked(owner), growth[owner]); err != nil {
			release()
			return nil, err
		}
	}
	return &Prepared{s: s, writes: writes, release: release}, nil
}

// Apply stores the validated writes and releases the locks.
func (p *Prepared) Apply(ctx context.Context) {
	for _, a := range p.writes {
		p.s.items[a.ID] = a
	}
	p.release()
	for _, a := range p.writes {
		p.s.logger.DebugContext(ctx, "artifact committed", "artifact_id", a.ID, "version", a.Version)
	}
}

// Release drops the locks without applying anything.
func (p *Prepared) Release() {
	p.release()
}

// Commit prepares and applies in one step.
func (tx *Tx) Commit(ctx context.Context) error {
	p, err := tx.Prepare()
	if err != nil {
		return err
	}
	p.Apply(ctx)
	return nil
}
