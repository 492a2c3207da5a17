package kernel

import (
	"context"
	"log/slog"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/eventlog"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/ledger"
)

type eventJournal struct {
	log    *eventlog.Log
	logger *slog.Logger
}

// EventJournal appends every committed ledger movement to the event log.
func EventJournal(log *eventlog.Log) ledger.Journal {
	return &eventJournal{log: log, logger: slog.Default().With("component", "kernel.journal")}
}

func (j *eventJournal) Record(ctx context.Context, e ledger.Entry) {
	typ := eventlog.TypeTransfer
	principal := e.From
	switch e.Kind {
	case ledger.EntryMint, ledger.EntryCredit:
		typ = eventlog.TypeMint
		principal = e.To
	case ledger.EntrySpendResource, ledger.EntryCreditResource:
		typ = eventlog.TypeSpend
		if principal == "" {
			principal = e.To
		}
	}
	data := map[string]any{"kind": e.Kind}
	if e.From != "" {
		data["from"] = e.From
	}
	if e.To != "" {
		data["to"] = e.To
	}
	if e.Amount != 0 {
		data["amount"] = e.Amount
	}
	if e.Resource != "" {
		data["resource"] = e.Resource
		data["quantity"] = e.Quantity.String()
	}
	if e.Reason != "" {
		data["reason"] = e.Reason
	}
	// The movement is already committed; a cancelled request context must
	// not drop it from the audit trail.
	if _, err := j.log.Append(context.WithoutCancel(ctx), eventlog.Event{Type: typ, PrincipalID: principal, Data: data}); err != nil {
		j.logger.ErrorContext(ctx, "failed to journal ledger entry", "kind", e.Kind, "error", err)
	}
}
