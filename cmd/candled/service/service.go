package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	golog "github.com/ipfs/go-log/v2"
	"github.com/textileio/candle-auction/auction"
	"github.com/textileio/candle-auction/candle"
	"github.com/textileio/candle-auction/chain"
	"github.com/textileio/candle-auction/cmd/candled/metrics"
	"github.com/textileio/candle-auction/cmd/candled/store"
	"github.com/textileio/candle-auction/entropy"
	"github.com/textileio/candle-auction/finalizer"
	"github.com/textileio/candle-auction/msgbroker"
	"github.com/textileio/candle-auction/reward"
	"github.com/textileio/candle-auction/sempool"
	badger "github.com/textileio/go-ds-badger3"
	"go.opentelemetry.io/otel/metric"
)

var log = golog.Logger("candled/service")

// Config defines params for Service configuration.
type Config struct {
	RepoPath string

	// RandomnessDelay is applied to new auctions that don't set one.
	RandomnessDelay uint64
}

// Validate ensures the Config is valid.
func (c *Config) Validate() error {
	if c.RepoPath == "" {
		return errors.New("repo path is empty")
	}
	if c.RandomnessDelay == 0 {
		return errors.New("randomness delay must be greater than zero")
	}
	return nil
}

// Service runs candle auctions: it owns the record store and drives the
// per-auction state machines against the tick clock.
type Service struct {
	conf    Config
	store   *store.Store
	clock   chain.Chain
	entropy entropy.Source
	reward  reward.Delegate
	mb      msgbroker.MsgBroker

	semaphores *sempool.SemaphorePool
	finalizer  *finalizer.Finalizer

	metricAuctionsCreated metric.Int64Counter
	metricBidsPlaced      metric.Int64Counter
	metricFinalized       metric.Int64Counter
	metricPayouts         metric.Int64Counter
	metricLastCreated     metric.Int64GaugeObserver
	statLastCreated       time.Time
}

// New returns a new Service.
func New(
	conf Config,
	clock chain.Chain,
	es entropy.Source,
	rd reward.Delegate,
	mb msgbroker.MsgBroker,
) (*Service, error) {
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %v", err)
	}

	fin := finalizer.NewFinalizer()
	ds, err := badger.NewDatastore(filepath.Join(conf.RepoPath, "auctionstore"), &badger.DefaultOptions)
	if err != nil {
		return nil, fin.Cleanupf("creating datastore: %v", err)
	}
	fin.Add(ds)

	s := &Service{
		conf:       conf,
		store:      store.NewStore(ds),
		clock:      clock,
		entropy:    es,
		reward:     rd,
		mb:         mb,
		semaphores: sempool.NewSemaphorePool(1),
		finalizer:  fin,
	}
	s.initMetrics()

	log.Info("service started")
	return s, nil
}

// Close the service.
func (s *Service) Close() error {
	s.semaphores.Stop()
	log.Info("service was shutdown")
	return s.finalizer.Cleanup(nil)
}

type semKey auction.ID

func (k semKey) Key() string {
	return string(k)
}

// CreateAuction creates a new auction from cfg. The start tick must be
// in the future; a zero randomness delay picks up the configured default.
func (s *Service) CreateAuction(ctx context.Context, cfg auction.Config) (rec *store.Record, err error) {
	defer func() { metrics.MetricIncrCounter(ctx, err, s.metricAuctionsCreated) }()

	if cfg.RandomnessDelay == 0 {
		cfg.RandomnessDelay = s.conf.RandomnessDelay
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", auction.ErrInvalidConfig, err)
	}
	now, err := s.clock.GetTickHeight()
	if err != nil {
		return nil, fmt.Errorf("getting tick height: %v", err)
	}
	if cfg.StartTick <= now {
		return nil, fmt.Errorf("%w: start tick %d, current tick %d", auction.ErrStartTickInPast, cfg.StartTick, now)
	}
	a, err := candle.New(cfg, s.entropy, s.reward)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", auction.ErrInvalidConfig, err)
	}
	rec, err = s.store.CreateAuction(a.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("saving auction: %v", err)
	}
	s.statLastCreated = time.Now()

	log.Infof("created auction %s; opening at tick %d", rec.ID, cfg.StartTick)
	return rec, nil
}

// GetAuction returns an auction record by id.
func (s *Service) GetAuction(id auction.ID) (*store.Record, error) {
	return s.store.GetAuction(id)
}

// ListAuctions lists auction records by applying a Query.
func (s *Service) ListAuctions(query store.Query) ([]store.Record, error) {
	return s.store.ListAuctions(query)
}

// CurrentTick returns the current tick height.
func (s *Service) CurrentTick() (uint64, error) {
	return s.clock.GetTickHeight()
}

// PlaceBid escrows amount for bidder in an auction at the current tick.
// It returns the bidder's new cumulative balance and the tick the bid
// landed on.
func (s *Service) PlaceBid(
	ctx context.Context,
	id auction.ID,
	bidder auction.BidderID,
	amount uint64,
) (balance uint64, tick uint64, err error) {
	defer func() { metrics.MetricIncrCounter(ctx, err, s.metricBidsPlaced) }()

	sem := s.semaphores.Get(semKey(id))
	sem.Acquire()
	defer sem.Release()

	rec, err := s.store.GetAuction(id)
	if err != nil {
		return 0, 0, err
	}
	now, err := s.clock.GetTickHeight()
	if err != nil {
		return 0, 0, fmt.Errorf("getting tick height: %v", err)
	}
	a, err := candle.FromSnapshot(rec.Snapshot, s.entropy, s.reward)
	if err != nil {
		return 0, 0, fmt.Errorf("restoring auction: %v", err)
	}
	balance, err = a.PlaceBid(bidder, amount, now)
	if err != nil {
		return 0, 0, err
	}
	if err := s.store.SaveSnapshot(id, a.Snapshot()); err != nil {
		return 0, 0, fmt.Errorf("saving auction: %v", err)
	}

	if err := msgbroker.PublishMsgBidPlaced(ctx, s.mb, msgbroker.BidPlacedData{
		AuctionID: id,
		Bidder:    bidder,
		Amount:    amount,
		Tick:      now,
		Balance:   balance,
	}); err != nil {
		log.Errorf("publishing bid-placed: %s", err)
	}
	return balance, now, nil
}

// Finalize draws entropy and resolves the auction winner.
func (s *Service) Finalize(ctx context.Context, id auction.ID) (winner candle.WinnerRecord, err error) {
	defer func() { metrics.MetricIncrCounter(ctx, err, s.metricFinalized) }()

	sem := s.semaphores.Get(semKey(id))
	sem.Acquire()
	defer sem.Release()

	rec, err := s.store.GetAuction(id)
	if err != nil {
		return candle.WinnerRecord{}, err
	}
	now, err := s.clock.GetTickHeight()
	if err != nil {
		return candle.WinnerRecord{}, fmt.Errorf("getting tick height: %v", err)
	}
	a, err := candle.FromSnapshot(rec.Snapshot, s.entropy, s.reward)
	if err != nil {
		return candle.WinnerRecord{}, fmt.Errorf("restoring auction: %v", err)
	}
	winner, err = a.Finalize(ctx, now)
	if err != nil {
		return candle.WinnerRecord{}, err
	}
	if err := s.store.SaveSnapshot(id, a.Snapshot()); err != nil {
		return candle.WinnerRecord{}, fmt.Errorf("saving auction: %v", err)
	}

	if err := msgbroker.PublishMsgAuctionFinalized(ctx, s.mb, msgbroker.AuctionFinalizedData{
		AuctionID: id,
		Sample:    winner.Sample,
		Winner:    winner.Winner,
		Amount:    winner.Amount,
	}); err != nil {
		log.Errorf("publishing auction-finalized: %s", err)
	}
	return winner, nil
}

// Payout settles the caller's claim on a finalized auction.
func (s *Service) Payout(ctx context.Context, id auction.ID, caller auction.BidderID) (payout candle.Payout, err error) {
	defer func() { metrics.MetricIncrCounter(ctx, err, s.metricPayouts) }()

	sem := s.semaphores.Get(semKey(id))
	sem.Acquire()
	defer sem.Release()

	rec, err := s.store.GetAuction(id)
	if err != nil {
		return candle.Payout{}, err
	}
	now, err := s.clock.GetTickHeight()
	if err != nil {
		return candle.Payout{}, fmt.Errorf("getting tick height: %v", err)
	}
	a, err := candle.FromSnapshot(rec.Snapshot, s.entropy, s.reward)
	if err != nil {
		return candle.Payout{}, fmt.Errorf("restoring auction: %v", err)
	}
	payout, err = a.Payout(ctx, caller, now)
	if err != nil {
		return candle.Payout{}, err
	}
	if err := s.store.SaveSnapshot(id, a.Snapshot()); err != nil {
		return candle.Payout{}, fmt.Errorf("saving auction: %v", err)
	}

	if err := msgbroker.PublishMsgPayoutSettled(ctx, s.mb, msgbroker.PayoutSettledData{
		AuctionID:     id,
		Caller:        caller,
		Kind:          payout.Kind,
		RewardGranted: payout.RewardGranted,
		Refund:        payout.Refund,
		Proceeds:      payout.Proceeds,
	}); err != nil {
		log.Errorf("publishing payout-settled: %s", err)
	}
	return payout, nil
}
