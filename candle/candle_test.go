package candle_test

import (
	"context"
	"errors"
	"math"
	"testing"

	golog "github.com/ipfs/go-log/v2"
	"github.com/stretchr/testify/require"
	"github.com/textileio/candle-auction/auction"
	"github.com/textileio/candle-auction/candle"
	"github.com/textileio/candle-auction/logging"
	"github.com/textileio/candle-auction/reward"
)

func init() {
	if err := logging.SetLogLevels(map[string]golog.LogLevel{
		"candle": golog.LevelDebug,
	}); err != nil {
		panic(err)
	}
}

// entropyMock returns a fixed value, optionally failing first.
type entropyMock struct {
	r        uint64
	failures int
	calls    int
}

func (m *entropyMock) Random(_ context.Context, _ uint64) (uint64, error) {
	m.calls++
	if m.failures > 0 {
		m.failures--
		return 0, errors.New("beacon unavailable")
	}
	return m.r, nil
}

func (m *entropyMock) Close() error { return nil }

// delegateMock records grants, optionally failing first.
type delegateMock struct {
	failures int
	winners  []auction.BidderID
	subjects []reward.Subject
}

func (m *delegateMock) Grant(_ context.Context, winner auction.BidderID, subject reward.Subject) error {
	if m.failures > 0 {
		m.failures--
		return errors.New("relay rejected transfer")
	}
	m.winners = append(m.winners, winner)
	m.subjects = append(m.subjects, subject)
	return nil
}

func (m *delegateMock) Close() error { return nil }

// Opening ticks 1-5, ending ticks 6-10 (samples 0-4), finalize at >= 12.
func testConfig() auction.Config {
	return auction.Config{
		StartTick:       1,
		OpeningDuration: 5,
		EndingDuration:  5,
		RandomnessDelay: 2,
		Subject:         auction.SubjectAssetCollection,
		Owner:           "owner",
		RewardRef:       "collection-1",
	}
}

func newAuction(t *testing.T, es *entropyMock, rd *delegateMock) *candle.Auction {
	a, err := candle.New(testConfig(), es, rd)
	require.NoError(t, err)
	return a
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.OpeningDuration = 0
	_, err := candle.New(cfg, &entropyMock{}, &delegateMock{})
	require.Error(t, err)
}

func TestPlaceBidPhases(t *testing.T) {
	t.Parallel()

	a := newAuction(t, &entropyMock{}, &delegateMock{})

	_, err := a.PlaceBid("alice", 10, 0)
	require.ErrorIs(t, err, auction.ErrNotInBiddingPhase)

	_, err = a.PlaceBid("alice", 0, 1)
	require.ErrorIs(t, err, auction.ErrZeroAmount)

	balance, err := a.PlaceBid("alice", 10, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(10), balance)

	balance, err = a.PlaceBid("alice", 10, 10)
	require.NoError(t, err)
	require.Equal(t, uint64(20), balance)

	_, err = a.PlaceBid("alice", 10, 11)
	require.ErrorIs(t, err, auction.ErrNotInBiddingPhase)

	require.Equal(t, auction.PhaseNotStarted, a.Status(0))
	require.Equal(t, auction.PhaseOpening, a.Status(3))
	require.Equal(t, auction.PhaseEnding, a.Status(8))
	require.Equal(t, auction.PhaseFinalizing, a.Status(11))
}

func TestPlaceBidOverflow(t *testing.T) {
	t.Parallel()

	a := newAuction(t, &entropyMock{}, &delegateMock{})

	_, err := a.PlaceBid("alice", math.MaxUint64, 1)
	require.NoError(t, err)
	_, err = a.PlaceBid("alice", 1, 2)
	require.ErrorIs(t, err, auction.ErrOverflow)
	require.Equal(t, uint64(math.MaxUint64), a.Balance("alice"))
}

// The normative change-correctness scenario: the winning sample's
// leading amount is lower than nobody's balance, Bob's late higher bid
// never displaces Alice's recorded lead, and change works out to zero.
func TestChangeCorrectness(t *testing.T) {
	t.Parallel()

	es := &entropyMock{r: 6} // 6 mod 5 samples = sample 1
	rd := &delegateMock{}
	a := newAuction(t, es, rd)
	ctx := context.Background()

	_, err := a.PlaceBid("alice", 100, 1)
	require.NoError(t, err)

	balance, err := a.PlaceBid("alice", 50, 7)
	require.NoError(t, err)
	require.Equal(t, uint64(150), balance)

	_, err = a.PlaceBid("bob", 120, 8)
	require.NoError(t, err)

	leader, amount, ok := a.Winning()
	require.True(t, ok)
	require.Equal(t, auction.BidderID("alice"), leader)
	require.Equal(t, uint64(150), amount)

	rec, err := a.Finalize(ctx, 12)
	require.NoError(t, err)
	require.Equal(t, uint64(1), rec.Sample)
	require.Equal(t, auction.BidderID("alice"), rec.Winner)
	require.Equal(t, uint64(150), rec.Amount)
	require.Equal(t, auction.PhaseEnded, a.Status(12))

	// Winner: prize granted, zero change.
	p, err := a.Payout(ctx, "alice", 13)
	require.NoError(t, err)
	require.Equal(t, candle.PayoutWinner, p.Kind)
	require.True(t, p.RewardGranted)
	require.Equal(t, uint64(0), p.Refund)
	require.Equal(t, []auction.BidderID{"alice"}, rd.winners)
	require.Equal(t, "collection-1", rd.subjects[0].Ref)

	// Loser: full refund.
	p, err = a.Payout(ctx, "bob", 13)
	require.NoError(t, err)
	require.Equal(t, candle.PayoutRefund, p.Kind)
	require.Equal(t, uint64(120), p.Refund)

	// Owner: the winning amount.
	p, err = a.Payout(ctx, "owner", 13)
	require.NoError(t, err)
	require.Equal(t, candle.PayoutOwner, p.Kind)
	require.Equal(t, uint64(150), p.Proceeds)

	for _, caller := range []auction.BidderID{"alice", "bob", "owner"} {
		_, err = a.Payout(ctx, caller, 14)
		require.ErrorIs(t, err, auction.ErrAlreadyClaimed)
	}
}

// A later raise retroactively wins an earlier-chosen sample: the change
// refund covers the winner's bids above the sampled leading amount.
func TestChangeCorrectnessWithChange(t *testing.T) {
	t.Parallel()

	es := &entropyMock{r: 1} // sample 1
	rd := &delegateMock{}
	a := newAuction(t, es, rd)
	ctx := context.Background()

	_, err := a.PlaceBid("alice", 100, 7) // sample 1: alice at 100
	require.NoError(t, err)
	_, err = a.PlaceBid("alice", 80, 9) // sample 3: alice at 180
	require.NoError(t, err)

	rec, err := a.Finalize(ctx, 12)
	require.NoError(t, err)
	require.Equal(t, auction.BidderID("alice"), rec.Winner)
	require.Equal(t, uint64(100), rec.Amount)

	p, err := a.Payout(ctx, "alice", 13)
	require.NoError(t, err)
	require.Equal(t, candle.PayoutWinner, p.Kind)
	require.Equal(t, uint64(80), p.Refund)

	p, err = a.Payout(ctx, "owner", 13)
	require.NoError(t, err)
	require.Equal(t, uint64(100), p.Proceeds)
}

// Opening-only bids never materialize a sample: the auction can end
// without a winner and everyone is refunded in full.
func TestNoWinner(t *testing.T) {
	t.Parallel()

	es := &entropyMock{r: 0} // sample 0
	rd := &delegateMock{}
	a := newAuction(t, es, rd)
	ctx := context.Background()

	_, err := a.PlaceBid("alice", 100, 2)
	require.NoError(t, err)
	_, err = a.PlaceBid("bob", 300, 4)
	require.NoError(t, err)

	rec, err := a.Finalize(ctx, 12)
	require.NoError(t, err)
	require.Equal(t, auction.BidderID(""), rec.Winner)
	require.Equal(t, uint64(0), rec.Amount)

	_, _, ok := a.Winning()
	require.False(t, ok)

	// Every bidder refunded in full, owner gets nothing, no grants.
	p, err := a.Payout(ctx, "alice", 13)
	require.NoError(t, err)
	require.Equal(t, candle.PayoutRefund, p.Kind)
	require.Equal(t, uint64(100), p.Refund)

	p, err = a.Payout(ctx, "bob", 13)
	require.NoError(t, err)
	require.Equal(t, uint64(300), p.Refund)

	p, err = a.Payout(ctx, "owner", 13)
	require.NoError(t, err)
	require.Equal(t, candle.PayoutRefund, p.Kind)
	require.Equal(t, uint64(0), p.Refund)
	require.Equal(t, uint64(0), p.Proceeds)
	require.Empty(t, rd.winners)
}

// A bid placed after the chosen sample's tick still loses to the draw.
func TestNoWinnerWithLateEndingBid(t *testing.T) {
	t.Parallel()

	es := &entropyMock{r: 5} // 5 mod 5 = sample 0
	rd := &delegateMock{}
	a := newAuction(t, es, rd)
	ctx := context.Background()

	_, err := a.PlaceBid("alice", 100, 8) // sample 2
	require.NoError(t, err)

	rec, err := a.Finalize(ctx, 12)
	require.NoError(t, err)
	require.Equal(t, uint64(0), rec.Sample)
	require.Equal(t, auction.BidderID(""), rec.Winner)

	p, err := a.Payout(ctx, "alice", 13)
	require.NoError(t, err)
	require.Equal(t, uint64(100), p.Refund)
}

func TestFinalizeNotReady(t *testing.T) {
	t.Parallel()

	es := &entropyMock{r: 1}
	a := newAuction(t, es, &delegateMock{})
	ctx := context.Background()

	for _, now := range []uint64{5, 10, 11} {
		_, err := a.Finalize(ctx, now)
		require.ErrorIs(t, err, auction.ErrRandomnessNotReady)
	}
	_, ok := a.Winner()
	require.False(t, ok)
	require.Equal(t, 0, es.calls)

	_, err := a.Finalize(ctx, 12)
	require.NoError(t, err)
}

func TestFinalizeIdempotent(t *testing.T) {
	t.Parallel()

	es := &entropyMock{r: 1}
	a := newAuction(t, es, &delegateMock{})
	ctx := context.Background()

	_, err := a.PlaceBid("alice", 100, 7)
	require.NoError(t, err)

	first, err := a.Finalize(ctx, 12)
	require.NoError(t, err)

	// Re-finalization never re-randomizes.
	es.r = 3
	_, err = a.Finalize(ctx, 20)
	require.ErrorIs(t, err, auction.ErrAlreadyFinalized)

	rec, ok := a.Winner()
	require.True(t, ok)
	require.Equal(t, first, rec)
	require.Equal(t, 1, es.calls)
}

func TestFinalizeEntropyFailure(t *testing.T) {
	t.Parallel()

	es := &entropyMock{r: 1, failures: 1}
	a := newAuction(t, es, &delegateMock{})
	ctx := context.Background()

	_, err := a.PlaceBid("alice", 100, 7)
	require.NoError(t, err)

	_, err = a.Finalize(ctx, 12)
	require.Error(t, err)
	_, ok := a.Winner()
	require.False(t, ok)

	// The failed draw left no trace; a retry resolves normally.
	rec, err := a.Finalize(ctx, 12)
	require.NoError(t, err)
	require.Equal(t, auction.BidderID("alice"), rec.Winner)
}

func TestPayoutBeforeFinalize(t *testing.T) {
	t.Parallel()

	a := newAuction(t, &entropyMock{}, &delegateMock{})

	_, err := a.PlaceBid("alice", 100, 7)
	require.NoError(t, err)

	_, err = a.Payout(context.Background(), "alice", 11)
	require.ErrorIs(t, err, auction.ErrNotFinalized)
}

func TestPayoutDelegateFailureLeavesClaimUnset(t *testing.T) {
	t.Parallel()

	es := &entropyMock{r: 1}
	rd := &delegateMock{failures: 1}
	a := newAuction(t, es, rd)
	ctx := context.Background()

	_, err := a.PlaceBid("alice", 100, 7)
	require.NoError(t, err)
	_, err = a.Finalize(ctx, 12)
	require.NoError(t, err)

	_, err = a.Payout(ctx, "alice", 13)
	require.Error(t, err)
	require.False(t, a.Claimed("alice"))

	p, err := a.Payout(ctx, "alice", 14)
	require.NoError(t, err)
	require.True(t, p.RewardGranted)
	require.True(t, a.Claimed("alice"))

	_, err = a.Payout(ctx, "alice", 15)
	require.ErrorIs(t, err, auction.ErrAlreadyClaimed)
}

// Within one tick a later larger balance takes the sample; an equal
// balance never displaces the earlier leader.
func TestSameTickLeaderChange(t *testing.T) {
	t.Parallel()

	es := &entropyMock{r: 0}
	a := newAuction(t, es, &delegateMock{})
	ctx := context.Background()

	_, err := a.PlaceBid("alice", 100, 6)
	require.NoError(t, err)
	_, err = a.PlaceBid("bob", 150, 6)
	require.NoError(t, err)
	_, err = a.PlaceBid("carol", 150, 6)
	require.NoError(t, err)

	rec, err := a.Finalize(ctx, 12)
	require.NoError(t, err)
	require.Equal(t, auction.BidderID("bob"), rec.Winner)
	require.Equal(t, uint64(150), rec.Amount)
}

func TestNamedDomainSubjectReachesDelegate(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Subject = auction.SubjectNamedDomain
	cfg.DomainName = "phala"
	cfg.RewardRef = "registrar-1"

	es := &entropyMock{r: 0}
	rd := &delegateMock{}
	a, err := candle.New(cfg, es, rd)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = a.PlaceBid("alice", 100, 6)
	require.NoError(t, err)
	_, err = a.Finalize(ctx, 12)
	require.NoError(t, err)
	_, err = a.Payout(ctx, "alice", 13)
	require.NoError(t, err)

	require.Len(t, rd.subjects, 1)
	require.Equal(t, auction.SubjectNamedDomain, rd.subjects[0].Kind)
	require.Equal(t, "phala", rd.subjects[0].DomainName)
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	es := &entropyMock{r: 6}
	rd := &delegateMock{}
	a := newAuction(t, es, rd)
	ctx := context.Background()

	_, err := a.PlaceBid("alice", 100, 1)
	require.NoError(t, err)
	_, err = a.PlaceBid("alice", 50, 7)
	require.NoError(t, err)
	_, err = a.PlaceBid("bob", 120, 8)
	require.NoError(t, err)

	// Rehydrate mid-flight and continue to finalization.
	b, err := candle.FromSnapshot(a.Snapshot(), es, rd)
	require.NoError(t, err)

	leader, amount, ok := b.Winning()
	require.True(t, ok)
	require.Equal(t, auction.BidderID("alice"), leader)
	require.Equal(t, uint64(150), amount)

	rec, err := b.Finalize(ctx, 12)
	require.NoError(t, err)
	require.Equal(t, auction.BidderID("alice"), rec.Winner)

	p, err := b.Payout(ctx, "alice", 13)
	require.NoError(t, err)
	require.True(t, p.RewardGranted)

	// Rehydrate after settlement; the claim survives.
	c, err := candle.FromSnapshot(b.Snapshot(), es, rd)
	require.NoError(t, err)
	require.True(t, c.Claimed("alice"))
	_, err = c.Payout(ctx, "alice", 14)
	require.ErrorIs(t, err, auction.ErrAlreadyClaimed)

	rec2, ok := c.Winner()
	require.True(t, ok)
	require.Equal(t, rec, rec2)
}

func TestMonotonicBalances(t *testing.T) {
	t.Parallel()

	a := newAuction(t, &entropyMock{}, &delegateMock{})

	var sum uint64
	last := uint64(0)
	for i := 0; i < 20; i++ {
		amount := uint64(i%7 + 1)
		now := uint64(i%10 + 1)
		balance, err := a.PlaceBid("alice", amount, now)
		require.NoError(t, err)
		require.Greater(t, balance, last)
		last = balance
		sum += amount
	}
	require.Equal(t, sum, a.Balance("alice"))
}
