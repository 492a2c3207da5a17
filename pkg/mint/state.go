package mint

import (
	"fmt"
	"sort"
)

// State is the auction's checkpointable state. Escrowed scrip itself lives
// in the ledger under Escrow.
type State struct {
	Round      int64         `json:"round"`
	Bids       []Bid         `json:"bids,omitempty"`
	Superseded []Bid         `json:"superseded,omitempty"`
	Owed       []Payout      `json:"owed,omitempty"`
	History    []RoundResult `json:"history,omitempty"`
}

// State captures the open round.
func (a *Auction) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := State{
		Round:      a.round,
		Superseded: append([]Bid(nil), a.superseded...),
		Owed:       append([]Payout(nil), a.owed...),
		History:    append([]RoundResult(nil), a.history...),
	}
	for _, b := range a.bids {
		s.Bids = append(s.Bids, b)
	}
	sort.Slice(s.Bids, func(i, j int) bool { return s.Bids[i].Bidder < s.Bids[j].Bidder })
	return s
}

// Restore replaces the auction state.
func (a *Auction) Restore(s State) error {
	if s.Round < 1 {
		return fmt.Errorf("mint: invalid round %d", s.Round)
	}
	bids := make(map[string]Bid, len(s.Bids))
	for _, b := range s.Bids {
		if _, dup := bids[b.Bidder]; dup {
			return fmt.Errorf("mint: duplicate bid for %s", b.Bidder)
		}
		bids[b.Bidder] = b
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.round = s.Round
	a.bids = bids
	a.superseded = append([]Bid(nil), s.Superseded...)
	a.owed = append([]Payout(nil), s.Owed...)
	a.history = append([]RoundResult(nil), s.History...)
	return nil
}
