// Package mint runs the sealed-bid mint auction: the only path through which
// new scrip enters the economy after genesis.
//
// Principals bid scrip on one of their artifacts by invoking genesis_mint.
// Bids are escrowed in the genesis_mint principal. At the end of each round
// the highest bid wins at the second-highest price, the price is shared among
// every principal with standing, and the winning artifact is scored by an
// oracle. Its creator is minted score * MintPerPoint scrip.
package mint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/artifacts"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/eventlog"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/executor"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/kernel"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/kernel/errorir"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/ledger"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/llm"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/observability"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/runtime/sandbox"
)

const (
	// Escrow is the auction artifact and the principal holding bids.
	Escrow = "genesis_mint"
	// CapabilityAuction gates the auction host functions.
	CapabilityAuction = "mint_auction"
)

// Config holds auction parameters.
type Config struct {
	// Interval is the round length for Run.
	Interval time.Duration
	// MintPerPoint is the scrip minted per oracle point.
	MintPerPoint int64
	// MinimumBid rejects smaller bids.
	MinimumBid int64
}

// DefaultConfig returns the stock auction parameters.
func DefaultConfig() Config {
	return Config{Interval: time.Minute, MintPerPoint: 10, MinimumBid: 1}
}

// Bid is an escrowed bid.
type Bid struct {
	BidID       string    `json:"bid_id"`
	RoundID     string    `json:"round_id"`
	Bidder      string    `json:"bidder"`
	ArtifactID  string    `json:"artifact_id"`
	Amount      int64     `json:"amount"`
	SubmittedAt time.Time `json:"submitted_at"`
}

func (b Bid) view() map[string]any {
	return map[string]any{
		"bid_id":       b.BidID,
		"round_id":     b.RoundID,
		"bidder":       b.Bidder,
		"artifact_id":  b.ArtifactID,
		"amount":       b.Amount,
		"submitted_at": b.SubmittedAt.Format(time.RFC3339Nano),
	}
}

// Auction holds the open round. It is safe for concurrent use.
type Auction struct {
	ledger    *ledger.Ledger
	store     *artifacts.Store
	events    *eventlog.Log
	scorer    llm.Scorer
	telemetry *observability.Provider
	cfg       Config
	logger    *slog.Logger
	clock     func() time.Time

	mu    sync.Mutex
	round int64
	bids  map[string]Bid
	// superseded bids are refunded when their round settles.
	superseded []Bid
	// owed are payouts deferred by an earlier settlement.
	owed    []Payout
	history []RoundResult
	// settleMu serialises settlements.
	settleMu sync.Mutex
}

// Option configures an Auction.
type Option func(*Auction)

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(a *Auction) { a.clock = clock }
}

// WithLogger overrides the component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Auction) { a.logger = logger }
}

// New creates an auction over the kernel's ledger, store and event log.
func New(k *kernel.Kernel, scorer llm.Scorer, cfg Config, opts ...Option) *Auction {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MintPerPoint <= 0 {
		cfg.MintPerPoint = def.MintPerPoint
	}
	if cfg.MinimumBid <= 0 {
		cfg.MinimumBid = def.MinimumBid
	}
	a := &Auction{
		ledger:    k.Ledger(),
		store:     k.Store(),
		events:    k.Events(),
		scorer:    scorer,
		telemetry: k.Telemetry(),
		cfg:       cfg,
		logger:    slog.Default().With("component", "mint"),
		clock:     time.Now,
		round:     1,
		bids:      make(map[string]Bid),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RoundID names round n.
func RoundID(n int64) string { return fmt.Sprintf("round-%d", n) }

// CurrentRound returns the open round's ID.
func (a *Auction) CurrentRound() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return RoundID(a.round)
}

// Bids returns the open bids, keyed by bidder.
func (a *Auction) Bids() map[string]Bid {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]Bid, len(a.bids))
	for k, v := range a.bids {
		out[k] = v
	}
	return out
}

const serviceCode = `run: 'mint_bid(args[0], args[1])'
handle_request: 'operation == "status" ? mint_status() : mint_bid(args[0], args[1])'
`

// Service returns the genesis_mint artifact and its host functions for
// kernel seeding.
func (a *Auction) Service() kernel.Service {
	return kernel.Service{
		Artifact: artifacts.Artifact{
			ID:           Escrow,
			Type:         artifacts.TypeService,
			CreatedBy:    kernel.SystemPrincipal,
			Content:      "Mint auction. Invoke with method \"bid\" and args [artifact_id, amount] to escrow a bid; method \"status\" shows the open round.",
			Code:         serviceCode,
			Executable:   true,
			HasStanding:  true,
			Capabilities: []string{CapabilityAuction},
		},
		Extensions: []executor.Extension{
			{
				Name:               "mint_bid",
				Arity:              2,
				RequiresCapability: CapabilityAuction,
				Capability:         sandbox.CapLedgerWrite,
				Fn:                 a.bid,
			},
			{
				Name:               "mint_status",
				Arity:              0,
				RequiresCapability: CapabilityAuction,
				Capability:         sandbox.CapLedgerRead,
				Fn:                 a.status,
			},
		},
	}
}

// mint_bid(artifact_id, amount). The bidder is the immediate caller of the
// auction artifact. The escrow transfer is staged with the invocation; the
// bid is recorded only once it commits.
func (a *Auction) bid(ctx context.Context, call *executor.Call, args []any) (any, error) {
	artifactID, ok := args[0].(string)
	if !ok {
		return nil, errorir.InvalidArgument("mint_bid expects an artifact id, got %T", args[0])
	}
	artifactID, err := artifacts.NormalizeID(artifactID)
	if err != nil {
		return nil, err
	}
	amount, err := intArg(sandbox.Normalize(args[1]))
	if err != nil {
		return nil, err
	}
	if amount < a.cfg.MinimumBid {
		return nil, errorir.InvalidArgument("bid %d is below the minimum of %d", amount, a.cfg.MinimumBid)
	}
	target, err := call.Store.Get(artifactID)
	if err != nil {
		return nil, err
	}
	if target.Deleted {
		return nil, errorir.Deleted(artifactID)
	}

	bidder := call.Caller
	if bidder == Escrow {
		return nil, errorir.NotAuthorized("the escrow cannot bid")
	}
	if err := call.Ledger.Transfer(bidder, Escrow, amount, "mint_bid:"+artifactID); err != nil {
		return nil, err
	}

	b := Bid{
		BidID:       uuid.NewString(),
		Bidder:      bidder,
		ArtifactID:  artifactID,
		Amount:      amount,
		SubmittedAt: a.clock().UTC(),
	}
	call.OnCommit(func(ctx context.Context) { a.accept(ctx, b) })

	a.mu.Lock()
	b.RoundID = RoundID(a.round)
	a.mu.Unlock()
	return sandbox.Normalize(b.view()), nil
}

// accept records a committed bid in the open round, superseding any earlier
// bid by the same bidder.
func (a *Auction) accept(ctx context.Context, b Bid) {
	a.mu.Lock()
	b.RoundID = RoundID(a.round)
	prev, replaced := a.bids[b.Bidder]
	if replaced {
		a.superseded = append(a.superseded, prev)
	}
	a.bids[b.Bidder] = b
	a.mu.Unlock()

	data := map[string]any{"bid_id": b.BidID, "round_id": b.RoundID, "artifact_id": b.ArtifactID, "amount": b.Amount}
	if replaced {
		data["replaces"] = prev.BidID
	}
	if _, err := a.events.Append(context.WithoutCancel(ctx), eventlog.Event{Type: eventlog.TypeBid, PrincipalID: b.Bidder, Data: data}); err != nil {
		a.logger.ErrorContext(ctx, "failed to record bid event", "bid_id", b.BidID, "error", err)
	}
	a.logger.InfoContext(ctx, "bid accepted", "round_id", b.RoundID, "bidder", b.Bidder, "artifact_id", b.ArtifactID, "amount", b.Amount)
}

func (a *Auction) status(_ context.Context, call *executor.Call, _ []any) (any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := map[string]any{
		"round_id":       RoundID(a.round),
		"bids":           int64(len(a.bids)),
		"minimum_bid":    a.cfg.MinimumBid,
		"mint_per_point": a.cfg.MintPerPoint,
	}
	if b, ok := a.bids[call.Caller]; ok {
		out["your_bid"] = b.view()
	}
	if n := len(a.history); n > 0 {
		out["last_round"] = a.history[n-1].view()
	}
	return sandbox.Normalize(out), nil
}

func intArg(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case float64:
		if n == float64(int64(n)) {
			return int64(n), nil
		}
	}
	return 0, errorir.InvalidArgument("mint_bid expects an integer amount, got %v", v)
}
