package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/platform/pyth"
)

// LatestSource fetches the newest price of many feeds in one request.
type LatestSource interface {
	Latest(ctx context.Context, feedIDs ...string) ([]pyth.PriceUpdate, error)
}

// PriceUpdate is published on the "prices" channel for live clients.
type PriceUpdate struct {
	FeedID      string    `json:"feed_id"`
	Price       float64   `json:"price"`
	Confidence  float64   `json:"confidence"`
	PublishTime time.Time `json:"publish_time"`
}

// ChannelPrices carries oracle price updates.
const ChannelPrices = "prices"

// PriceFeeder refreshes the price cache for every feed referenced by an open
// market.
type PriceFeeder struct {
	markets MarketReader
	source  LatestSource
	cache   domain.PriceCache
	bus     domain.SignalBus
	logger  *slog.Logger
}

// NewPriceFeeder creates a PriceFeeder. bus may be nil.
func NewPriceFeeder(markets MarketReader, source LatestSource, cache domain.PriceCache, bus domain.SignalBus, logger *slog.Logger) *PriceFeeder {
	return &PriceFeeder{
		markets: markets,
		source:  source,
		cache:   cache,
		bus:     bus,
		logger:  logger.With(slog.String("component", "price_feeder")),
	}
}

// RunOnce refreshes all feeds and returns how many were stored.
func (f *PriceFeeder) RunOnce(ctx context.Context) (int, error) {
	open, err := listOpen(ctx, f.markets)
	if err != nil {
		return 0, err
	}
	seen := make(map[string]bool)
	var ids []string
	for _, m := range open {
		id := pyth.NormalizeID(m.PriceFeedID)
		if !seen[id] {
			seen[id] = true
			ids = append(ids, m.PriceFeedID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	ups, err := f.source.Latest(ctx, ids...)
	if err != nil {
		return 0, err
	}
	byNorm := make(map[string]string, len(ids))
	for _, id := range ids {
		byNorm[pyth.NormalizeID(id)] = id
	}

	stored := 0
	for _, u := range ups {
		feed, ok := byNorm[u.FeedID]
		if !ok {
			continue
		}
		obs := domain.Observation{Price: u.Price, Confidence: u.Confidence, PublishTime: u.PublishTime}
		if err := f.cache.SetPrice(ctx, feed, obs); err != nil {
			f.logger.WarnContext(ctx, "price cache write failed",
				slog.String("feed", feed),
				slog.String("error", err.Error()),
			)
			continue
		}
		stored++
		if f.bus != nil {
			payload, _ := json.Marshal(PriceUpdate{FeedID: feed, Price: u.Price, Confidence: u.Confidence, PublishTime: u.PublishTime})
			if err := f.bus.Publish(ctx, ChannelPrices, payload); err != nil {
				f.logger.WarnContext(ctx, "publish price failed", slog.String("error", err.Error()))
			}
		}
	}
	return stored, nil
}

// Run refreshes every interval until ctx is cancelled.
func (f *PriceFeeder) Run(ctx context.Context, interval time.Duration) error {
	f.logger.InfoContext(ctx, "price feeder started", slog.Duration("interval", interval))
	return tick(ctx, interval, func() {
		if _, err := f.RunOnce(ctx); err != nil {
			f.logger.WarnContext(ctx, "price refresh failed", slog.String("error", err.Error()))
		}
	})
}
