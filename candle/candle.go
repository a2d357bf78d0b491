// Package candle implements a candle-auction state machine: bids
// accumulate per-bidder balances during an opening and an ending period,
// and a randomly drawn ending sample decides retroactively who was
// leading when the candle went out.
package candle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/dustin/go-humanize"
	golog "github.com/ipfs/go-log/v2"
	"github.com/textileio/candle-auction/auction"
	"github.com/textileio/candle-auction/entropy"
	"github.com/textileio/candle-auction/reward"
)

var log = golog.Logger("candle")

// WinnerRecord is the resolved outcome of an auction, set exactly once
// at finalization and immutable thereafter.
type WinnerRecord struct {
	// Sample is the randomly selected candle sample.
	Sample uint64
	// Winner is empty when no bid had materialized a slot at or before
	// the winning sample; the auction then ends without a winner.
	Winner auction.BidderID
	// Amount is the leading amount at the winning sample.
	Amount uint64
}

// PayoutKind describes which settlement branch a payout took.
type PayoutKind int

const (
	// PayoutUnspecified is an invalid kind. Defined for safety.
	PayoutUnspecified PayoutKind = iota
	// PayoutWinner settles the winner: prize grant plus change refund.
	PayoutWinner
	// PayoutOwner settles the owner: the winning amount.
	PayoutOwner
	// PayoutRefund settles everyone else: a full refund.
	PayoutRefund
)

// String returns a string-encoded payout kind.
func (k PayoutKind) String() string {
	switch k {
	case PayoutUnspecified:
		return "unspecified"
	case PayoutWinner:
		return "winner"
	case PayoutOwner:
		return "owner"
	case PayoutRefund:
		return "refund"
	default:
		return "invalid"
	}
}

// Payout describes the transfers a settlement produced. The engine
// keeps balances in escrow; the environment executes the transfers.
type Payout struct {
	Kind PayoutKind
	// RewardGranted reports that the prize was handed to the caller.
	RewardGranted bool
	// Refund is the amount returned to the caller from escrow.
	Refund uint64
	// Proceeds is the winning amount paid from escrow to the owner.
	Proceeds uint64
}

// Auction is the candle-auction state machine. It owns the balance
// ledger, the sample history, the winner record, and the per-identity
// claim flags. Calls are serialized; each either commits all of its
// effects or none.
type Auction struct {
	cfg     auction.Config
	entropy entropy.Source
	reward  reward.Delegate

	lk           sync.Mutex
	ledger       *Ledger
	samples      *SampleHistory
	leader       auction.BidderID
	leaderAmount uint64
	winner       *WinnerRecord
	claims       map[auction.BidderID]bool
}

// New returns an auction for the validated config with the given
// entropy source and reward delegate.
func New(cfg auction.Config, es entropy.Source, rd reward.Delegate) (*Auction, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %s", err)
	}
	return &Auction{
		cfg:     cfg,
		entropy: es,
		reward:  rd,
		ledger:  NewLedger(),
		samples: NewSampleHistory(cfg.Samples()),
		claims:  make(map[auction.BidderID]bool),
	}, nil
}

// Config returns the auction configuration.
func (a *Auction) Config() auction.Config {
	return a.cfg
}

// PlaceBid adds amount to the bidder's balance at tick now and returns
// the new balance. During the ending period the running leader is
// recorded in the tick's sample slot.
func (a *Auction) PlaceBid(bidder auction.BidderID, amount, now uint64) (uint64, error) {
	a.lk.Lock()
	defer a.lk.Unlock()

	phase := a.cfg.PhaseAt(now, a.winner != nil)
	if phase != auction.PhaseOpening && phase != auction.PhaseEnding {
		return 0, fmt.Errorf("%w: %s at tick %d", auction.ErrNotInBiddingPhase, phase, now)
	}
	if bidder == "" {
		return 0, errors.New("bidder is empty")
	}
	if amount == 0 {
		return 0, auction.ErrZeroAmount
	}

	balance, err := a.ledger.Increment(bidder, amount)
	if err != nil {
		return 0, err
	}
	if balance > a.leaderAmount {
		a.leader = bidder
		a.leaderAmount = balance
	}
	if phase == auction.PhaseEnding {
		sample := a.cfg.SampleAt(now)
		if err := a.samples.Record(sample, a.leader, a.leaderAmount); err != nil {
			return 0, fmt.Errorf("recording sample: %s", err)
		}
		log.Debugf(
			"bid %s from %s at tick %d (sample %d); balance %s, leader %s at %s",
			fmtAmount(amount), bidder, now, sample, fmtAmount(balance), a.leader, fmtAmount(a.leaderAmount))
	} else {
		log.Debugf(
			"bid %s from %s at tick %d (opening); balance %s",
			fmtAmount(amount), bidder, now, fmtAmount(balance))
	}
	return balance, nil
}

// Finalize draws one random integer, maps it onto the ending samples,
// and resolves the winner from the sample history. A second call fails
// with ErrAlreadyFinalized and can never change the resolved record.
func (a *Auction) Finalize(ctx context.Context, now uint64) (WinnerRecord, error) {
	a.lk.Lock()
	defer a.lk.Unlock()

	if a.winner != nil {
		return WinnerRecord{}, auction.ErrAlreadyFinalized
	}
	ready := a.cfg.EndingLast() + a.cfg.RandomnessDelay
	if now < ready {
		return WinnerRecord{}, fmt.Errorf("%w until tick %d", auction.ErrRandomnessNotReady, ready)
	}

	r, err := a.entropy.Random(ctx, a.cfg.EndingLast())
	if err != nil {
		return WinnerRecord{}, fmt.Errorf("drawing randomness: %s", err)
	}

	rec := WinnerRecord{Sample: r % a.cfg.Samples()}
	if bidder, amount, ok := a.samples.Leading(rec.Sample); ok {
		rec.Winner = bidder
		rec.Amount = amount
	}
	a.winner = &rec

	if rec.Winner == "" {
		log.Infof("finalized at tick %d: sample %d, no winner", now, rec.Sample)
	} else {
		log.Infof(
			"finalized at tick %d: sample %d won by %s at %s",
			now, rec.Sample, rec.Winner, fmtAmount(rec.Amount))
	}
	return rec, nil
}

// Payout settles the caller at most once. The winner receives the prize
// through the reward delegate plus any change between their final
// balance and the winning amount; the owner receives the winning
// amount; everyone else is refunded in full. A failed grant leaves the
// claim unset so the call can be retried.
func (a *Auction) Payout(ctx context.Context, caller auction.BidderID, now uint64) (Payout, error) {
	a.lk.Lock()
	defer a.lk.Unlock()

	if a.winner == nil {
		return Payout{}, auction.ErrNotFinalized
	}
	if caller == "" {
		return Payout{}, errors.New("caller is empty")
	}
	if a.claims[caller] {
		return Payout{}, auction.ErrAlreadyClaimed
	}

	rec := *a.winner
	var p Payout
	switch {
	case caller == rec.Winner:
		subject := reward.Subject{
			Kind:       a.cfg.Subject,
			Ref:        a.cfg.RewardRef,
			DomainName: a.cfg.DomainName,
		}
		if err := a.reward.Grant(ctx, caller, subject); err != nil {
			return Payout{}, fmt.Errorf("granting reward: %s", err)
		}
		p = Payout{
			Kind:          PayoutWinner,
			RewardGranted: true,
			Refund:        a.ledger.Get(caller) - rec.Amount,
		}
	case caller == a.cfg.Owner && rec.Winner != "":
		p = Payout{Kind: PayoutOwner, Proceeds: rec.Amount}
	default:
		p = Payout{Kind: PayoutRefund, Refund: a.ledger.Get(caller)}
	}
	a.claims[caller] = true

	log.Infof(
		"payout for %s at tick %d: %s, refund %s, proceeds %s",
		caller, now, p.Kind, fmtAmount(p.Refund), fmtAmount(p.Proceeds))
	return p, nil
}

// Status derives the phase at tick now.
func (a *Auction) Status(now uint64) auction.Phase {
	a.lk.Lock()
	defer a.lk.Unlock()
	return a.cfg.PhaseAt(now, a.winner != nil)
}

// Winning returns the resolved winner once finalized, the running
// leader otherwise. ok is false while no bid was placed, or when the
// auction resolved without a winner.
func (a *Auction) Winning() (auction.BidderID, uint64, bool) {
	a.lk.Lock()
	defer a.lk.Unlock()
	if a.winner != nil {
		return a.winner.Winner, a.winner.Amount, a.winner.Winner != ""
	}
	return a.leader, a.leaderAmount, a.leader != ""
}

// Winner returns the resolved winner record, if any.
func (a *Auction) Winner() (WinnerRecord, bool) {
	a.lk.Lock()
	defer a.lk.Unlock()
	if a.winner == nil {
		return WinnerRecord{}, false
	}
	return *a.winner, true
}

// Balance returns the caller's escrowed balance.
func (a *Auction) Balance(bidder auction.BidderID) uint64 {
	a.lk.Lock()
	defer a.lk.Unlock()
	return a.ledger.Get(bidder)
}

// Claimed reports whether the caller already settled.
func (a *Auction) Claimed(caller auction.BidderID) bool {
	a.lk.Lock()
	defer a.lk.Unlock()
	return a.claims[caller]
}

func fmtAmount(v uint64) string {
	return humanize.BigComma(new(big.Int).SetUint64(v))
}
