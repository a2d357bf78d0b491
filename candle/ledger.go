package candle

import (
	"fmt"
	"math"

	"github.com/textileio/candle-auction/auction"
)

// Ledger tracks each participant's cumulative top bid. Balances only
// grow while the auction runs; settlement reads them but never writes.
type Ledger struct {
	balances map[auction.BidderID]uint64
}

// NewLedger returns an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{balances: make(map[auction.BidderID]uint64)}
}

// Increment adds amount to the bidder's balance and returns the new
// total. The balance is unchanged when the addition would overflow.
func (l *Ledger) Increment(bidder auction.BidderID, amount uint64) (uint64, error) {
	cur := l.balances[bidder]
	if cur > math.MaxUint64-amount {
		return 0, fmt.Errorf("%w: %d + %d", auction.ErrOverflow, cur, amount)
	}
	l.balances[bidder] = cur + amount
	return cur + amount, nil
}

// Get returns the bidder's balance, zero for unseen identities.
func (l *Ledger) Get(bidder auction.BidderID) uint64 {
	return l.balances[bidder]
}

// Len returns the number of participants with a balance.
func (l *Ledger) Len() int {
	return len(l.balances)
}

// Balances returns a copy of all balances.
func (l *Ledger) Balances() map[auction.BidderID]uint64 {
	m := make(map[auction.BidderID]uint64, len(l.balances))
	for k, v := range l.balances {
		m[k] = v
	}
	return m
}

func newLedgerFromBalances(balances map[auction.BidderID]uint64) *Ledger {
	l := NewLedger()
	for k, v := range balances {
		l.balances[k] = v
	}
	return l
}
