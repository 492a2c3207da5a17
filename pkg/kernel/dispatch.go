package kernel

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/artifacts"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/authz"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/eventlog"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/executor"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/finance"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/intent"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/kernel/errorir"
)

// Submit validates and dispatches one intent. It never panics and never
// returns a failure without an error code and message.
func (k *Kernel) Submit(ctx context.Context, in intent.Intent) intent.Result {
	norm, err := in.Normalize()
	if err == nil {
		err = norm.Validate()
	}
	if err != nil {
		res := intent.Fail(err)
		k.finish(ctx, in, res)
		return res
	}
	return k.submit(ctx, norm)
}

// SubmitJSON parses a wire intent and dispatches it.
func (k *Kernel) SubmitJSON(ctx context.Context, raw []byte) intent.Result {
	in, err := intent.Parse(raw)
	if err != nil {
		res := intent.Fail(err)
		k.logger.InfoContext(ctx, "rejected malformed intent", "error_code", res.ErrorCode, "error", res.Message)
		return res
	}
	return k.submit(ctx, in)
}

func (k *Kernel) submit(ctx context.Context, in intent.Intent) intent.Result {
	var done func(string)
	if k.telemetry != nil {
		ctx, done = k.telemetry.TrackAction(ctx, string(in.ActionType), in.PrincipalID)
	}
	res := k.guarded(ctx, in)
	if done != nil {
		done(res.ErrorCode)
	}
	k.finish(ctx, in, res)
	return res
}

// guarded converts any panic below the dispatcher into a runtime_error.
func (k *Kernel) guarded(ctx context.Context, in intent.Intent) (res intent.Result) {
	defer func() {
		if r := recover(); r != nil {
			k.logger.ErrorContext(ctx, "action panicked",
				"principal_id", in.PrincipalID,
				"action_type", string(in.ActionType),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
			res = intent.Fail(errorir.Runtime("internal error while handling %s", in.ActionType))
		}
	}()
	if err := k.admit(ctx, in.PrincipalID); err != nil {
		return intent.Fail(err)
	}
	return k.dispatch(ctx, in)
}

func (k *Kernel) admit(ctx context.Context, principal string) error {
	ok, err := k.tracker.TryConsume(ctx, ResourceActions, principal, 1)
	if err != nil {
		return errorir.Runtime("action admission: %v", err).Wrap(err)
	}
	if !ok {
		l, _ := k.tracker.Limit(ResourceActions)
		return errorir.QuotaExceeded(ResourceActions, principal,
			"action rate exceeded for %s: %.0f per %s", principal, l.MaxPerWindow, l.Window)
	}
	return nil
}

func (k *Kernel) dispatch(ctx context.Context, in intent.Intent) intent.Result {
	switch in.ActionType {
	case intent.ActionNoop:
		return intent.OK("noop", nil)
	case intent.ActionRead:
		return k.read(ctx, in)
	case intent.ActionWrite:
		return k.write(ctx, in)
	case intent.ActionEdit:
		return k.edit(ctx, in)
	case intent.ActionDelete:
		return k.delete(ctx, in)
	case intent.ActionInvoke:
		return k.invoke(ctx, in)
	case intent.ActionTransfer:
		return k.transfer(ctx, in)
	case intent.ActionMint:
		return k.mint(ctx, in)
	case intent.ActionQuery:
		return k.query(ctx, in)
	}
	return intent.Fail(errorir.InvalidArgument("unknown action_type %q", in.ActionType))
}

// finish persists the action event with the caller's reasoning verbatim and
// logs the outcome.
func (k *Kernel) finish(ctx context.Context, in intent.Intent, res intent.Result) {
	data := map[string]any{
		"action_type": string(in.ActionType),
		"success":     res.Success,
		"message":     res.Message,
	}
	if in.ArtifactID != "" {
		data["artifact_id"] = in.ArtifactID
	}
	if in.RecipientID != "" {
		data["recipient_id"] = in.RecipientID
	}
	if in.Amount != 0 {
		data["amount"] = in.Amount
	}
	if res.ErrorCode != "" {
		data["error_code"] = res.ErrorCode
	}
	if res.ChargedTo != "" {
		data["charged_to"] = res.ChargedTo
	}
	_, err := k.events.Append(context.WithoutCancel(ctx), eventlog.Event{
		Type:        eventlog.TypeAction,
		PrincipalID: in.PrincipalID,
		Reasoning:   in.Reasoning,
		Data:        data,
	})
	if err != nil {
		k.logger.ErrorContext(ctx, "failed to persist action event", "principal_id", in.PrincipalID, "error", err)
	}
	k.logger.InfoContext(ctx, "action",
		"principal_id", in.PrincipalID,
		"action_type", string(in.ActionType),
		"success", res.Success,
		"error_code", res.ErrorCode,
		"reasoning", in.Reasoning)
}

func (k *Kernel) lookup(id string) (*artifacts.Artifact, error) {
	if id == "" {
		return nil, errorir.InvalidArgument("artifact_id is required")
	}
	return k.store.Get(id)
}

func (k *Kernel) authorize(ctx context.Context, caller string, action authz.Action, target *artifacts.Artifact) (int64, error) {
	perm := k.authz.Check(ctx, caller, action, target, nil)
	if !perm.Allowed {
		err := perm.Err()
		if err.Kind == errorir.KindNotAuthorized {
			err = errorir.NotAuthorized("%s denied on %s: %s", action, target.ID, perm.Reason)
		}
		return 0, err.With("action", string(action)).With("artifact_id", target.ID)
	}
	return perm.Cost, nil
}

// pay moves a permission price from the caller to the target's creator.
func (k *Kernel) pay(ctx context.Context, caller string, target *artifacts.Artifact, cost int64, what string) error {
	if cost <= 0 || caller == target.CreatedBy {
		return nil
	}
	return k.ledger.Transfer(ctx, caller, target.CreatedBy, cost, what+" "+target.ID)
}

// refund reverses pay after the paid-for mutation failed.
func (k *Kernel) refund(ctx context.Context, caller string, target *artifacts.Artifact, cost int64) {
	if cost <= 0 || caller == target.CreatedBy {
		return
	}
	if err := k.ledger.Transfer(ctx, target.CreatedBy, caller, cost, "refund "+target.ID); err != nil {
		k.logger.ErrorContext(ctx, "refund failed", "from", target.CreatedBy, "to", caller, "amount", cost, "error", err)
	}
}

func (k *Kernel) read(ctx context.Context, in intent.Intent) intent.Result {
	a, err := k.lookup(in.ArtifactID)
	if err != nil {
		return intent.Fail(err)
	}
	if a.Deleted {
		return intent.OK("artifact "+a.ID+" is deleted", a.Tombstone())
	}
	cost, err := k.authorize(ctx, in.PrincipalID, authz.ActionRead, a)
	if err != nil {
		return intent.Fail(err)
	}
	if err := k.pay(ctx, in.PrincipalID, a, cost, "read"); err != nil {
		return intent.Fail(err)
	}
	data := artifactView(a, true)
	data["price_paid"] = paid(in.PrincipalID, a, cost)
	res := intent.OK("read "+a.ID, data)
	if cost > 0 && in.PrincipalID != a.CreatedBy {
		res = res.Charged(in.PrincipalID, nil)
	}
	return res
}

func paid(caller string, a *artifacts.Artifact, cost int64) int64 {
	if caller == a.CreatedBy {
		return 0
	}
	return cost
}

func (k *Kernel) write(ctx context.Context, in intent.Intent) intent.Result {
	if in.ArtifactID == "" {
		return intent.Fail(errorir.InvalidArgument("artifact_id is required"))
	}
	content, err := in.ContentText()
	if err != nil {
		return intent.Fail(err)
	}
	req := artifacts.WriteRequest{
		ID:               in.ArtifactID,
		Type:             in.ArtifactType,
		Content:          content,
		Code:             in.Code,
		Executable:       in.Executable,
		Policy:           in.Policy,
		AccessContractID: in.AccessContractID,
		ChargeTo:         in.ChargeTo,
		DependsOn:        in.DependsOn,
		HasStanding:      in.HasStanding,
		HasLoop:          in.HasLoop,
		Metadata:         in.Metadata,
		Requester:        in.PrincipalID,
	}

	existing, err := k.store.Get(in.ArtifactID)
	if err != nil && errorir.KindOf(err) != errorir.KindNotFound {
		return intent.Fail(err)
	}
	var cost, version int64
	if existing != nil {
		version = existing.Version
		if existing.Deleted {
			return intent.Fail(errorir.Deleted(existing.ID))
		}
		if cost, err = k.authorize(ctx, in.PrincipalID, authz.ActionWrite, existing); err != nil {
			return intent.Fail(err)
		}
		if err := k.pay(ctx, in.PrincipalID, existing, cost, "write"); err != nil {
			return intent.Fail(err)
		}
	}

	req.ExpectVersion = &version
	a, err := k.store.Write(ctx, req)
	if err != nil {
		if existing != nil {
			k.refund(ctx, in.PrincipalID, existing, cost)
		}
		return intent.Fail(err)
	}
	if a.HasStanding {
		k.ledger.EnsurePrincipal(a.ID)
	}
	verb := "updated"
	if existing == nil {
		verb = "created"
	}
	return intent.OK(verb+" "+a.ID, map[string]any{
		"artifact_id": a.ID,
		"type":        a.Type,
		"version":     a.Version,
		"size":        a.Size(),
		"created":     existing == nil,
	})
}

func (k *Kernel) edit(ctx context.Context, in intent.Intent) intent.Result {
	a, err := k.lookup(in.ArtifactID)
	if err != nil {
		return intent.Fail(err)
	}
	if a.Deleted {
		return intent.Fail(errorir.Deleted(a.ID))
	}
	cost, err := k.authorize(ctx, in.PrincipalID, authz.ActionEdit, a)
	if err != nil {
		return intent.Fail(err)
	}
	if err := k.pay(ctx, in.PrincipalID, a, cost, "edit"); err != nil {
		return intent.Fail(err)
	}
	next, err := k.store.Edit(ctx, artifacts.EditRequest{
		ID:            a.ID,
		Field:         in.Field,
		Old:           in.OldString,
		New:           in.NewString,
		Requester:     in.PrincipalID,
		ExpectVersion: &a.Version,
	})
	if err != nil {
		k.refund(ctx, in.PrincipalID, a, cost)
		return intent.Fail(err)
	}
	return intent.OK("edited "+next.ID, map[string]any{
		"artifact_id": next.ID,
		"version":     next.Version,
		"size":        next.Size(),
	})
}

func (k *Kernel) delete(ctx context.Context, in intent.Intent) intent.Result {
	if in.ArtifactID == "" {
		return intent.Fail(errorir.InvalidArgument("artifact_id is required"))
	}
	a, err := k.store.Delete(ctx, in.ArtifactID, in.PrincipalID)
	if err != nil {
		return intent.Fail(err)
	}
	return intent.OK("deleted "+a.ID, a.Tombstone())
}

func (k *Kernel) invoke(ctx context.Context, in intent.Intent) intent.Result {
	if in.ArtifactID == "" {
		return intent.Fail(errorir.InvalidArgument("artifact_id is required"))
	}
	out := k.exec.Invoke(ctx, executor.InvokeRequest{
		Caller:     in.PrincipalID,
		ArtifactID: in.ArtifactID,
		Method:     in.Method,
		Args:       in.Args,
	})
	charges := k.chargeUsage(ctx, out.ChargedTo, out.ResourcesConsumed)
	if !out.Success {
		return intent.Fail(out.Err).Charged(out.ChargedTo, out.ResourcesConsumed)
	}
	data := map[string]any{
		"result":            out.Result,
		"price_paid":        out.PricePaid,
		"execution_time_ms": out.ExecutionTimeMs,
	}
	if len(charges) > 0 {
		data["resource_charges"] = charges
	}
	return intent.OK("invoked "+in.ArtifactID, data).Charged(out.ChargedTo, out.ResourcesConsumed)
}

// chargeUsage debits stock resources for metered usage through the cost
// model. The invocation has already committed, so a payer who cannot cover
// the charge is logged rather than failed.
func (k *Kernel) chargeUsage(ctx context.Context, payer string, consumed map[string]float64) []finance.Charge {
	if len(k.costs) == 0 || payer == "" || len(consumed) == 0 {
		return nil
	}
	usage := make(map[string]finance.Amount, len(consumed))
	for name, v := range consumed {
		usage[name] = finance.FromFloat(v)
	}
	charges, err := k.ledger.ChargeUsage(ctx, payer, k.costs, usage)
	if err != nil {
		k.logger.WarnContext(ctx, "usage charge failed", "principal_id", payer, "error", err)
		return nil
	}
	return charges
}

func (k *Kernel) transfer(ctx context.Context, in intent.Intent) intent.Result {
	if err := k.ledger.Transfer(ctx, in.PrincipalID, in.RecipientID, in.Amount, in.Memo); err != nil {
		return intent.Fail(err)
	}
	if k.telemetry != nil {
		k.telemetry.RecordTransfer(ctx, in.Amount)
	}
	return intent.OK(fmt.Sprintf("transferred %d to %s", in.Amount, in.RecipientID), map[string]any{
		"from":         in.PrincipalID,
		"to":           in.RecipientID,
		"amount":       in.Amount,
		"from_balance": k.ledger.GetBalance(in.PrincipalID),
	})
}

func (k *Kernel) mint(ctx context.Context, in intent.Intent) intent.Result {
	if err := k.ledger.Mint(ctx, in.PrincipalID, in.RecipientID, in.Amount, in.Reason); err != nil {
		return intent.Fail(err)
	}
	if k.telemetry != nil {
		k.telemetry.RecordMint(ctx, in.Amount, "action")
	}
	k.logger.InfoContext(ctx, "scrip minted",
		"minter", in.PrincipalID, "recipient_id", in.RecipientID, "amount", in.Amount, "reason", in.Reason)
	return intent.OK(fmt.Sprintf("minted %d to %s", in.Amount, in.RecipientID), map[string]any{
		"recipient_id": in.RecipientID,
		"amount":       in.Amount,
		"reason":       in.Reason,
		"balance":      k.ledger.GetBalance(in.RecipientID),
	})
}
