// Package oracle adapts price sources to domain.PriceOracle.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/platform/pyth"
)

// PythSource is the part of the Hermes client the oracle needs.
type PythSource interface {
	LatestOne(ctx context.Context, feedID string) (pyth.PriceUpdate, error)
	AtOne(ctx context.Context, t time.Time, feedID string) (pyth.PriceUpdate, error)
}

// Pyth reads prices from Hermes. While the window is open it returns the
// latest price; once the window has closed it asks for the first price
// published lookback before the window end, so late resolutions still settle
// on a price from inside the window.
type Pyth struct {
	src      PythSource
	lookback time.Duration
	now      func() time.Time
}

// NewPyth creates a Hermes-backed oracle. lookback should not exceed the
// staleness bound used at resolution.
func NewPyth(src PythSource, lookback time.Duration, now func() time.Time) *Pyth {
	if lookback <= 0 {
		lookback = time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &Pyth{src: src, lookback: lookback, now: now}
}

// GetPrice implements domain.PriceOracle.
func (p *Pyth) GetPrice(ctx context.Context, feedID string, w domain.Window) (domain.Observation, error) {
	var (
		u   pyth.PriceUpdate
		err error
	)
	if p.now().After(w.To) {
		u, err = p.src.AtOne(ctx, w.To.Add(-p.lookback), feedID)
		if err == nil && !w.Contains(u.PublishTime) {
			return domain.Observation{}, fmt.Errorf("oracle: %s published %s after window: %w",
				feedID, u.PublishTime.Format(time.RFC3339), domain.ErrOracleStale)
		}
	} else {
		u, err = p.src.LatestOne(ctx, feedID)
	}
	if err != nil {
		return domain.Observation{}, fmt.Errorf("oracle: pyth %s: %w: %w", feedID, domain.ErrOracleUnavailable, err)
	}
	return domain.Observation{Price: u.Price, Confidence: u.Confidence, PublishTime: u.PublishTime}, nil
}

// Cached serves the observation the price feeder last stored, falling back to
// a live source when the cache has nothing usable for the window.
type Cached struct {
	cache    domain.PriceCache
	fallback domain.PriceOracle
}

// NewCached creates a cache-first oracle. fallback may be nil.
func NewCached(cache domain.PriceCache, fallback domain.PriceOracle) *Cached {
	return &Cached{cache: cache, fallback: fallback}
}

// GetPrice implements domain.PriceOracle.
func (c *Cached) GetPrice(ctx context.Context, feedID string, w domain.Window) (domain.Observation, error) {
	obs, err := c.cache.GetPrice(ctx, feedID)
	if err == nil && w.Contains(obs.PublishTime) {
		return obs, nil
	}
	if c.fallback != nil {
		return c.fallback.GetPrice(ctx, feedID, w)
	}
	if err == nil {
		return domain.Observation{}, fmt.Errorf("oracle: cached %s outside window: %w", feedID, domain.ErrOracleStale)
	}
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Observation{}, fmt.Errorf("oracle: no cached price for %s: %w", feedID, domain.ErrOracleUnavailable)
	}
	return domain.Observation{}, fmt.Errorf("oracle: cache %s: %w: %w", feedID, domain.ErrOracleUnavailable, err)
}

var (
	_ domain.PriceOracle = (*Pyth)(nil)
	_ domain.PriceOracle = (*Cached)(nil)
)
