package candle

import (
	"fmt"

	"github.com/textileio/candle-auction/auction"
	"github.com/textileio/candle-auction/entropy"
	"github.com/textileio/candle-auction/reward"
)

// Snapshot is the full encodable state of an auction, used to persist
// and rehydrate it across restarts.
type Snapshot struct {
	Config       auction.Config
	Balances     map[auction.BidderID]uint64
	Slots        []SampleSlot
	Leader       auction.BidderID
	LeaderAmount uint64
	Winner       *WinnerRecord
	Claims       map[auction.BidderID]bool
}

// Snapshot exports a deep copy of the auction state.
func (a *Auction) Snapshot() Snapshot {
	a.lk.Lock()
	defer a.lk.Unlock()

	s := Snapshot{
		Config:       a.cfg,
		Balances:     a.ledger.Balances(),
		Slots:        a.samples.Slots(),
		Leader:       a.leader,
		LeaderAmount: a.leaderAmount,
		Claims:       make(map[auction.BidderID]bool, len(a.claims)),
	}
	for k, v := range a.claims {
		s.Claims[k] = v
	}
	if a.winner != nil {
		rec := *a.winner
		s.Winner = &rec
	}
	return s
}

// FromSnapshot rebuilds an auction from persisted state.
func FromSnapshot(s Snapshot, es entropy.Source, rd reward.Delegate) (*Auction, error) {
	if err := s.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %s", err)
	}
	if uint64(len(s.Slots)) != s.Config.Samples() {
		return nil, fmt.Errorf("snapshot has %d slots, config has %d samples", len(s.Slots), s.Config.Samples())
	}

	a := &Auction{
		cfg:          s.Config,
		entropy:      es,
		reward:       rd,
		ledger:       newLedgerFromBalances(s.Balances),
		samples:      newSampleHistoryFromSlots(s.Slots),
		leader:       s.Leader,
		leaderAmount: s.LeaderAmount,
		claims:       make(map[auction.BidderID]bool, len(s.Claims)),
	}
	for k, v := range s.Claims {
		a.claims[k] = v
	}
	if s.Winner != nil {
		rec := *s.Winner
		a.winner = &rec
	}
	return a, nil
}
