package mint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/eventlog"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/kernel"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/llm"
)

// maxHistory bounds the settled rounds kept in memory.
const maxHistory = 256

// RoundResult is the outcome of one settled round.
type RoundResult struct {
	RoundID    string           `json:"round_id"`
	Bids       int              `json:"bids"`
	WinnerID   string           `json:"winner_id,omitempty"`
	ArtifactID string           `json:"artifact_id,omitempty"`
	Price      int64            `json:"price"`
	UBIShare   int64            `json:"ubi_share"`
	Recipients int              `json:"ubi_recipients"`
	Score      int              `json:"score"`
	Minted     int64            `json:"minted"`
	MintedTo   string           `json:"minted_to,omitempty"`
	Refunds    map[string]int64 `json:"refunds,omitempty"`
	Deferred   []Payout         `json:"deferred,omitempty"`
	OracleErr  string           `json:"oracle_error,omitempty"`
	SettledAt  time.Time        `json:"settled_at"`
}

// Payout is an escrow disbursement. One that fails when its round settles
// is kept and retried at every later settlement until it goes through.
type Payout struct {
	RoundID string `json:"round_id"`
	To      string `json:"to"`
	Amount  int64  `json:"amount"`
	Kind    string `json:"kind"`
}

// Payout kinds
const (
	PayoutRefund = "refund"
	PayoutUBI    = "ubi"
)

func (r RoundResult) view() map[string]any {
	v := map[string]any{
		"round_id":   r.RoundID,
		"bids":       int64(r.Bids),
		"price":      r.Price,
		"ubi_share":  r.UBIShare,
		"score":      int64(r.Score),
		"minted":     r.Minted,
		"settled_at": r.SettledAt.Format(time.RFC3339Nano),
	}
	if r.WinnerID != "" {
		v["winner_id"] = r.WinnerID
		v["artifact_id"] = r.ArtifactID
	}
	if r.OracleErr != "" {
		v["oracle_error"] = r.OracleErr
	}
	if len(r.Deferred) > 0 {
		v["deferred_payouts"] = int64(len(r.Deferred))
	}
	return v
}

// History returns settled rounds, oldest first.
func (a *Auction) History() []RoundResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]RoundResult(nil), a.history...)
}

// Settle closes the open round. Payouts the escrow cannot make are deferred
// to the next settlement and reported in the returned error; oracle failures
// only skip the mint.
func (a *Auction) Settle(ctx context.Context) (RoundResult, error) {
	a.settleMu.Lock()
	defer a.settleMu.Unlock()

	a.mu.Lock()
	roundID := RoundID(a.round)
	bids := make([]Bid, 0, len(a.bids))
	for _, b := range a.bids {
		bids = append(bids, b)
	}
	superseded := a.superseded
	owed := a.owed
	a.round++
	a.bids = make(map[string]Bid)
	a.superseded = nil
	a.mu.Unlock()

	res := RoundResult{RoundID: roundID, Bids: len(bids), Refunds: map[string]int64{}, SettledAt: a.clock().UTC()}
	d := &disbursal{a: a, res: &res}

	d.pay(ctx, owed...)
	for _, b := range superseded {
		d.pay(ctx, Payout{RoundID: roundID, To: b.Bidder, Amount: b.Amount, Kind: PayoutRefund})
	}

	var winner Bid
	if len(bids) > 0 {
		// Highest amount wins; earliest submission breaks ties.
		sort.Slice(bids, func(i, j int) bool {
			if bids[i].Amount != bids[j].Amount {
				return bids[i].Amount > bids[j].Amount
			}
			if !bids[i].SubmittedAt.Equal(bids[j].SubmittedAt) {
				return bids[i].SubmittedAt.Before(bids[j].SubmittedAt)
			}
			return bids[i].BidID < bids[j].BidID
		})
		winner = bids[0]
		price := winner.Amount
		if len(bids) > 1 {
			price = bids[1].Amount
		}
		res.WinnerID, res.ArtifactID, res.Price = winner.Bidder, winner.ArtifactID, price

		for _, b := range bids[1:] {
			d.pay(ctx, Payout{RoundID: roundID, To: b.Bidder, Amount: b.Amount, Kind: PayoutRefund})
		}
		if surplus := winner.Amount - price; surplus > 0 {
			d.pay(ctx, Payout{RoundID: roundID, To: winner.Bidder, Amount: surplus, Kind: PayoutRefund})
		}
		d.pay(ctx, a.redistribute(roundID, price, &res)...)
	}

	res.Deferred = d.deferred
	a.mu.Lock()
	a.owed = d.deferred
	a.mu.Unlock()

	if res.WinnerID != "" {
		if err := a.mint(ctx, roundID, winner, &res); err != nil {
			res.OracleErr = err.Error()
			a.logger.WarnContext(ctx, "mint skipped", "round_id", roundID, "artifact_id", winner.ArtifactID, "error", err)
		}
	}
	a.finish(ctx, res)
	if len(d.deferred) > 0 {
		return res, fmt.Errorf("mint: %s: %d escrow payouts deferred: %w", roundID, len(d.deferred), d.err)
	}
	return res, nil
}

// disbursal pays out of escrow for one settlement. Once a refund fails, UBI
// shares wait too, so the pool owed to bidders is never handed out first.
type disbursal struct {
	a            *Auction
	res          *RoundResult
	deferred     []Payout
	refundFailed bool
	err          error
}

func (d *disbursal) pay(ctx context.Context, payouts ...Payout) {
	for _, p := range payouts {
		if p.Kind == PayoutUBI && d.refundFailed {
			d.deferred = append(d.deferred, p)
			continue
		}
		memo := "mint_" + p.Kind + ":" + p.RoundID
		if err := d.a.ledger.Transfer(ctx, Escrow, p.To, p.Amount, memo); err != nil {
			d.a.logger.WarnContext(ctx, "escrow payout deferred",
				"round_id", p.RoundID, "to", p.To, "amount", p.Amount, "kind", p.Kind, "error", err)
			d.deferred = append(d.deferred, p)
			d.refundFailed = d.refundFailed || p.Kind == PayoutRefund
			if d.err == nil {
				d.err = err
			}
			continue
		}
		if p.Kind == PayoutRefund {
			d.res.Refunds[p.To] += p.Amount
		}
	}
}

// redistribute shares the clearing price equally among principals with
// standing. The remainder stays in escrow.
func (a *Auction) redistribute(roundID string, price int64, res *RoundResult) []Payout {
	recipients := a.standing()
	if len(recipients) == 0 || price <= 0 {
		return nil
	}
	share := price / int64(len(recipients))
	res.UBIShare, res.Recipients = share, len(recipients)
	if share == 0 {
		return nil
	}
	out := make([]Payout, 0, len(recipients))
	for _, id := range recipients {
		out = append(out, Payout{RoundID: roundID, To: id, Amount: share, Kind: PayoutUBI})
	}
	return out
}

// standing lists registered principals other than the escrow and the
// system. A principal backed by an artifact keeps standing only while that
// artifact is live and still claims it.
func (a *Auction) standing() []string {
	var out []string
	for _, id := range a.ledger.Principals() {
		if id == Escrow || id == kernel.SystemPrincipal || !a.ledger.HasStanding(id) {
			continue
		}
		if art, err := a.store.Get(id); err == nil && (art.Deleted || !art.HasStanding) {
			continue
		}
		out = append(out, id)
	}
	return out
}

var errNoArtifact = errors.New("winning artifact no longer exists")

func (a *Auction) mint(ctx context.Context, roundID string, winner Bid, res *RoundResult) error {
	art, err := a.store.Get(winner.ArtifactID)
	if err != nil || art.Deleted {
		return errNoArtifact
	}
	score, err := a.scorer.Score(ctx, llm.Submission{
		ArtifactID: art.ID,
		Type:       art.Type,
		CreatedBy:  art.CreatedBy,
		Content:    art.Content,
		Code:       art.Code,
	})
	if err != nil {
		return fmt.Errorf("oracle %s: %w", a.scorer.Name(), err)
	}
	res.Score = score
	amount := int64(score) * a.cfg.MintPerPoint
	if amount <= 0 {
		return nil
	}
	reason := fmt.Sprintf("mint_auction:%s:%s", roundID, art.ID)
	if err := a.ledger.Mint(ctx, kernel.SystemPrincipal, art.CreatedBy, amount, reason); err != nil {
		return fmt.Errorf("mint: %w", err)
	}
	res.Minted, res.MintedTo = amount, art.CreatedBy
	if a.telemetry != nil {
		a.telemetry.RecordMint(ctx, amount, "auction")
	}
	a.logger.InfoContext(ctx, "scrip minted", "round_id", roundID, "recipient", art.CreatedBy, "amount", amount, "score", score, "reason", reason)
	return nil
}

func (a *Auction) finish(ctx context.Context, res RoundResult) {
	a.mu.Lock()
	a.history = append(a.history, res)
	if len(a.history) > maxHistory {
		a.history = a.history[len(a.history)-maxHistory:]
	}
	a.mu.Unlock()

	data := res.view()
	if len(res.Refunds) > 0 {
		refunds := make(map[string]any, len(res.Refunds))
		for k, v := range res.Refunds {
			refunds[k] = v
		}
		data["refunds"] = refunds
	}
	if _, err := a.events.Append(context.WithoutCancel(ctx), eventlog.Event{Type: eventlog.TypeSettlement, PrincipalID: Escrow, Data: data}); err != nil {
		a.logger.ErrorContext(ctx, "failed to record settlement event", "round_id", res.RoundID, "error", err)
	}
	a.logger.InfoContext(ctx, "round settled", "round_id", res.RoundID, "bids", res.Bids, "winner_id", res.WinnerID, "price", res.Price, "minted", res.Minted)
}

// Run settles a round every Interval until ctx is done.
func (a *Auction) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	a.logger.InfoContext(ctx, "mint auction started", "interval", a.cfg.Interval.String(), "oracle", a.scorer.Name())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := a.Settle(ctx); err != nil {
				a.logger.ErrorContext(ctx, "settlement failed", "error", err)
			}
		}
	}
}
