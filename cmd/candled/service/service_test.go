package service_test

import (
	"context"
	"testing"

	golog "github.com/ipfs/go-log/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/textileio/candle-auction/auction"
	"github.com/textileio/candle-auction/candle"
	"github.com/textileio/candle-auction/cmd/candled/service"
	"github.com/textileio/candle-auction/logging"
	"github.com/textileio/candle-auction/msgbroker"
	"github.com/textileio/candle-auction/msgbroker/fakemsgbroker"
	"github.com/textileio/candle-auction/reward"
)

func init() {
	if err := logging.SetLogLevels(map[string]golog.LogLevel{
		"candled/service": golog.LevelDebug,
		"candled/store":   golog.LevelDebug,
		"candle":          golog.LevelDebug,
	}); err != nil {
		panic(err)
	}
}

func TestNew(t *testing.T) {
	cm := &chainMock{}

	// Missing repo path
	_, err := service.New(service.Config{RandomnessDelay: 2}, cm, &entropyMock{}, &rewardMock{}, fakemsgbroker.New())
	require.Error(t, err)

	// Missing randomness delay
	_, err = service.New(service.Config{RepoPath: t.TempDir()}, cm, &entropyMock{}, &rewardMock{}, fakemsgbroker.New())
	require.Error(t, err)

	// Good config
	s, err := service.New(testConfig(t), cm, &entropyMock{}, &rewardMock{}, fakemsgbroker.New())
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestCreateAuction(t *testing.T) {
	cm := &chainMock{}
	cm.On("GetTickHeight").Return(uint64(0), nil).Once()
	s := newService(t, cm, &entropyMock{}, &rewardMock{}, fakemsgbroker.New())

	// Zero delay picks up the daemon default
	cfg := testAuctionConfig()
	cfg.RandomnessDelay = 0
	rec, err := s.CreateAuction(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Snapshot.Config.RandomnessDelay)

	got, err := s.GetAuction(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)

	// Misconfigured auction
	bad := testAuctionConfig()
	bad.Owner = ""
	_, err = s.CreateAuction(context.Background(), bad)
	require.ErrorIs(t, err, auction.ErrInvalidConfig)

	// Backdated start
	cm.On("GetTickHeight").Return(uint64(5), nil).Once()
	late := testAuctionConfig()
	late.StartTick = 5
	_, err = s.CreateAuction(context.Background(), late)
	require.ErrorIs(t, err, auction.ErrStartTickInPast)
}

func TestPlaceBidUnknownAuction(t *testing.T) {
	cm := &chainMock{}
	s := newService(t, cm, &entropyMock{}, &rewardMock{}, fakemsgbroker.New())

	_, _, err := s.PlaceBid(context.Background(), "nope", "alice", 100)
	require.ErrorIs(t, err, auction.ErrAuctionNotFound)
}

func TestAuctionFlow(t *testing.T) {
	cm := &chainMock{}
	em := &entropyMock{}
	rm := &rewardMock{}
	mb := fakemsgbroker.New()
	s := newService(t, cm, em, rm, mb)
	ctx := context.Background()

	cm.On("GetTickHeight").Return(uint64(0), nil).Once()
	rec, err := s.CreateAuction(ctx, testAuctionConfig())
	require.NoError(t, err)
	id := rec.ID

	// Opening bid, then two ending bids
	cm.On("GetTickHeight").Return(uint64(1), nil).Once()
	balance, tick, err := s.PlaceBid(ctx, id, "alice", 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), balance)
	assert.Equal(t, uint64(1), tick)

	cm.On("GetTickHeight").Return(uint64(7), nil).Once()
	balance, _, err = s.PlaceBid(ctx, id, "alice", 50)
	require.NoError(t, err)
	assert.Equal(t, uint64(150), balance)

	cm.On("GetTickHeight").Return(uint64(8), nil).Once()
	balance, _, err = s.PlaceBid(ctx, id, "bob", 120)
	require.NoError(t, err)
	assert.Equal(t, uint64(120), balance)

	// Settling before the winner is known
	cm.On("GetTickHeight").Return(uint64(10), nil).Once()
	_, err = s.Payout(ctx, id, "alice")
	require.ErrorIs(t, err, auction.ErrNotFinalized)

	// Finalizing before the randomness delay elapsed
	cm.On("GetTickHeight").Return(uint64(10), nil).Once()
	_, err = s.Finalize(ctx, id)
	require.ErrorIs(t, err, auction.ErrRandomnessNotReady)
	em.AssertNotCalled(t, "Random", mock.Anything, mock.Anything)

	em.On("Random", mock.Anything, uint64(10)).Return(uint64(6), nil).Once()
	cm.On("GetTickHeight").Return(uint64(12), nil).Once()
	winner, err := s.Finalize(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, candle.WinnerRecord{Sample: 1, Winner: "alice", Amount: 150}, winner)
	em.AssertNumberOfCalls(t, "Random", 1)

	// Winner: reward plus no change
	rm.On("Grant", mock.Anything, auction.BidderID("alice"), mock.Anything).Return(nil).Once()
	cm.On("GetTickHeight").Return(uint64(13), nil).Once()
	payout, err := s.Payout(ctx, id, "alice")
	require.NoError(t, err)
	assert.Equal(t, candle.Payout{Kind: candle.PayoutWinner, RewardGranted: true}, payout)

	// Loser: full refund
	cm.On("GetTickHeight").Return(uint64(13), nil).Once()
	payout, err = s.Payout(ctx, id, "bob")
	require.NoError(t, err)
	assert.Equal(t, candle.Payout{Kind: candle.PayoutRefund, Refund: 120}, payout)

	// Owner: the winning amount
	cm.On("GetTickHeight").Return(uint64(14), nil).Once()
	payout, err = s.Payout(ctx, id, "owner")
	require.NoError(t, err)
	assert.Equal(t, candle.Payout{Kind: candle.PayoutOwner, Proceeds: 150}, payout)

	// Settling twice
	cm.On("GetTickHeight").Return(uint64(14), nil).Once()
	_, err = s.Payout(ctx, id, "alice")
	require.ErrorIs(t, err, auction.ErrAlreadyClaimed)

	assert.Equal(t, 3, mb.TotalPublishedTopic(string(msgbroker.BidPlacedTopic)))
	assert.Equal(t, 1, mb.TotalPublishedTopic(string(msgbroker.AuctionFinalizedTopic)))
	assert.Equal(t, 3, mb.TotalPublishedTopic(string(msgbroker.PayoutSettledTopic)))

	// The resolved winner survives a store round trip
	got, err := s.GetAuction(id)
	require.NoError(t, err)
	require.NotNil(t, got.Snapshot.Winner)
	assert.Equal(t, auction.BidderID("alice"), got.Snapshot.Winner.Winner)
}

func testConfig(t *testing.T) service.Config {
	return service.Config{
		RepoPath:        t.TempDir(),
		RandomnessDelay: 2,
	}
}

func testAuctionConfig() auction.Config {
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

func newService(t *testing.T, cm *chainMock, em *entropyMock, rm *rewardMock, mb msgbroker.MsgBroker) *service.Service {
	s, err := service.New(testConfig(t), cm, em, rm, mb)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

type chainMock struct {
	mock.Mock
}

func (cm *chainMock) Close() error {
	return nil
}

func (cm *chainMock) GetTickHeight() (uint64, error) {
	args := cm.Called()
	return args.Get(0).(uint64), args.Error(1)
}

type entropyMock struct {
	mock.Mock
}

func (em *entropyMock) Close() error {
	return nil
}

func (em *entropyMock) Random(ctx context.Context, ref uint64) (uint64, error) {
	args := em.Called(ctx, ref)
	return args.Get(0).(uint64), args.Error(1)
}

type rewardMock struct {
	mock.Mock
}

func (rm *rewardMock) Close() error {
	return nil
}

func (rm *rewardMock) Grant(ctx context.Context, winner auction.BidderID, subject reward.Subject) error {
	args := rm.Called(ctx, winner, subject)
	return args.Error(0)
}
