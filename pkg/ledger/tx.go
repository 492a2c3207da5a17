package ledger

import (
	"context"
	"sync"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/finance"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/kernel/errorir"
)

type opKind int

const (
	opTransfer opKind = iota
	opSpendResource
)

type txOp struct {
	kind     opKind
	from, to string
	amount   int64
	resource string
	qty      finance.Amount
	memo     string
}

// Tx stages balance movements for an invocation chain. Reads inside the Tx
// see staged deltas; nothing is visible to other callers until Commit.
// A Tx is safe for concurrent use.
type Tx struct {
	l    *Ledger
	mu   sync.Mutex
	ops  []txOp
	done bool
}

// Begin starts a staged transaction.
func (l *Ledger) Begin() *Tx {
	return &Tx{l: l}
}

func (tx *Tx) scripDelta(id string) int64 {
	var d int64
	for _, op := range tx.ops {
		if op.kind != opTransfer {
			continue
		}
		if op.from == id {
			d -= op.amount
		}
		if op.to == id {
			d += op.amount
		}
	}
	return d
}

func (tx *Tx) resourceDelta(id, resource string) finance.Amount {
	var d finance.Amount
	for _, op := range tx.ops {
		if op.kind == opSpendResource && op.from == id && op.resource == resource {
			d -= op.qty
		}
	}
	return d
}

// Balance returns the scrip balance including staged movements.
func (tx *Tx) Balance(id string) int64 {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.l.GetBalance(id) + tx.scripDelta(id)
}

// Resource returns the stock balance including staged spends.
func (tx *Tx) Resource(id, resource string) finance.Amount {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.l.GetResource(id, resource) + tx.resourceDelta(id, resource)
}

// Transfer stages a scrip movement after checking affordability against the
// staged view.
func (tx *Tx) Transfer(from, to string, amount int64, memo string) error {
	if err := validateTransfer(from, to, amount); err != nil {
		return err
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return errorir.Runtime("ledger transaction already finished")
	}
	have := tx.l.GetBalance(from) + tx.scripDelta(from)
	if have < amount {
		return errorir.InsufficientFunds(from, amount, have)
	}
	tx.ops = append(tx.ops, txOp{kind: opTransfer, from: from, to: to, amount: amount, memo: memo})
	return nil
}

// SpendResource stages a stock-resource debit.
func (tx *Tx) SpendResource(id, resource string, qty finance.Amount) error {
	if resource == "" || qty <= 0 {
		return errorir.InvalidArgument("spend requires a resource and a positive quantity")
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return errorir.Runtime("ledger transaction already finished")
	}
	have := tx.l.GetResource(id, resource) + tx.resourceDelta(id, resource)
	if have < qty {
		return errorir.InsufficientResource(id, resource, qty.String(), have.String())
	}
	tx.ops = append(tx.ops, txOp{kind: opSpendResource, from: id, resource: resource, qty: qty})
	return nil
}

// Savepoint marks the current position for RollbackTo.
func (tx *Tx) Savepoint() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.ops)
}

// RollbackTo drops every operation staged after the savepoint.
func (tx *Tx) RollbackTo(sp int) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if sp >= 0 && sp < len(tx.ops) {
		tx.ops = tx.ops[:sp]
	}
}

// Pending returns the number of staged operations.
func (tx *Tx) Pending() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.ops)
}

// Discard abandons the transaction.
func (tx *Tx) Discard() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.ops = nil
	tx.done = true
}

// Prepared holds the account locks of a validated transaction. Exactly one
// of Apply or Release must be called.
type Prepared struct {
	tx       *Tx
	ops      []txOp
	accounts map[string]*account
	unlock   func()
}

// Prepare locks every touched account in sorted order and re-validates the
// staged operations against live balances.
func (tx *Tx) Prepare() (*Prepared, error) {
	tx.mu.Lock()
	if tx.done {
		tx.mu.Unlock()
		return nil, errorir.Runtime("ledger transaction already finished")
	}
	tx.done = true
	ops := append([]txOp(nil), tx.ops...)
	tx.mu.Unlock()

	ids := make([]string, 0, len(ops)*2)
	for _, op := range ops {
		ids = append(ids, op.from)
		if op.to != "" {
			ids = append(ids, op.to)
		}
	}
	accts, unlock := tx.l.lockAccounts(ids)

	scrip := make(map[string]int64, len(accts))
	res := make(map[string]map[string]finance.Amount)
	for id, a := range accts {
		scrip[id] = a.scrip
	}
	for _, op := range ops {
		switch op.kind {
		case opTransfer:
			if scrip[op.from] < op.amount {
				unlock()
				return nil, errorir.InsufficientFunds(op.from, op.amount, scrip[op.from])
			}
			if scrip[op.to] > maxScrip-op.amount {
				unlock()
				return nil, errorir.InvalidArgument("transfer would overflow balance of %s", op.to)
			}
			scrip[op.from] -= op.amount
			scrip[op.to] += op.amount
		case opSpendResource:
			m, ok := res[op.from]
			if !ok {
				m = make(map[string]finance.Amount)
				res[op.from] = m
			}
			cur, seen := m[op.resource]
			if !seen {
				cur = accts[op.from].resources[op.resource]
			}
			if cur < op.qty {
				unlock()
				return nil, errorir.InsufficientResource(op.from, op.resource, op.qty.String(), cur.String())
			}
			m[op.resource] = cur - op.qty
		}
	}
	return &Prepared{tx: tx, ops: ops, accounts: accts, unlock: unlock}, nil
}

// Apply writes the validated operations, releases the locks and reports
// the movements to the journal.
func (p *Prepared) Apply(ctx context.Context) {
	ops := p.ops
	for _, op := range ops {
		switch op.kind {
		case opTransfer:
			p.accounts[op.from].scrip -= op.amount
			p.accounts[op.to].scrip += op.amount
		case opSpendResource:
			p.accounts[op.from].resources[op.resource] -= op.qty
		}
	}
	p.unlock()

	l := p.tx.l
	now := l.clock().UTC()
	for _, op := range ops {
		switch op.kind {
		case opTransfer:
			l.record(ctx, Entry{Kind: EntryTransfer, From: op.from, To: op.to, Amount: op.amount, Reason: op.memo, Committed: now})
		case opSpendResource:
			l.record(ctx, Entry{Kind: EntrySpendResource, From: op.from, Resource: op.resource, Quantity: op.qty, Committed: now})
		}
	}
}

// Release drops the locks without applying anything.
func (p *Prepared) Release() {
	p.unlock()
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
