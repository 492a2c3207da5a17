package ledger

import "github.com/BrianMills2718/agent-ecology2-sub008/pkg/finance"

// Reader is the read-only view handed to permission contracts. It has no
// mutating methods, so contract code cannot move balances as a side effect
// of a permission check.
type Reader interface {
	GetBalance(id string) int64
	CanAfford(id string, amount int64) bool
	GetResource(id, resource string) finance.Amount
	HasCapability(id, capability string) bool
	Exists(id string) bool
}

type readOnly struct {
	l *Ledger
}

// ReadOnly returns a Reader over the ledger.
func (l *Ledger) ReadOnly() Reader {
	return readOnly{l: l}
}

func (r readOnly) GetBalance(id string) int64             { return r.l.GetBalance(id) }
func (r readOnly) CanAfford(id string, amount int64) bool { return r.l.CanAfford(id, amount) }
func (r readOnly) GetResource(id, resource string) finance.Amount {
	return r.l.GetResource(id, resource)
}
func (r readOnly) HasCapability(id, capability string) bool { return r.l.HasCapability(id, capability) }
func (r readOnly) Exists(id string) bool                    { return r.l.Exists(id) }
