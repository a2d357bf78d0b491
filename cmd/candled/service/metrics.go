package service

import (
	"context"

	"github.com/textileio/candle-auction/cmd/candled/metrics"
	"go.opentelemetry.io/otel/metric"
)

func (s *Service) initMetrics() {
	s.metricAuctionsCreated = metrics.Meter.NewInt64Counter(metrics.Prefix + ".auctions_created_total")
	s.metricBidsPlaced = metrics.Meter.NewInt64Counter(metrics.Prefix + ".bids_placed_total")
	s.metricFinalized = metrics.Meter.NewInt64Counter(metrics.Prefix + ".auctions_finalized_total")
	s.metricPayouts = metrics.Meter.NewInt64Counter(metrics.Prefix + ".payouts_settled_total")
	s.metricLastCreated = metrics.Meter.NewInt64GaugeObserver(
		metrics.Prefix+".last_auction_created_epoch",
		s.lastCreatedCb,
	)
}

func (s *Service) lastCreatedCb(_ context.Context, r metric.Int64ObserverResult) {
	r.Observe(s.statLastCreated.Unix())
}
