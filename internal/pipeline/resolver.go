// Package pipeline runs the background jobs around the market core:
// resolving markets whose window has opened, keeping the price cache warm,
// and archiving settlements.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

// MarketReader lists markets and their records.
type MarketReader interface {
	ListMarkets(ctx context.Context, filter domain.MarketFilter) ([]domain.Market, error)
	ListPositions(ctx context.Context, id uint64) ([]domain.Position, error)
	ListTrades(ctx context.Context, id uint64, opts domain.ListOpts) ([]domain.Trade, error)
}

// Resolver settles one market.
type Resolver interface {
	Resolve(ctx context.Context, id uint64) (domain.Market, error)
}

// listOpen pages through every open market.
func listOpen(ctx context.Context, markets MarketReader) ([]domain.Market, error) {
	const page = 200
	var all []domain.Market
	for offset := 0; ; offset += page {
		ms, err := markets.ListMarkets(ctx, domain.MarketFilter{
			Status: domain.MarketStatusOpen,
			Opts:   domain.ListOpts{Limit: page, Offset: offset},
		})
		if err != nil {
			return nil, err
		}
		all = append(all, ms...)
		if len(ms) < page {
			return all, nil
		}
	}
}

// AutoResolver resolves open markets once their window opens. Failures are
// logged and retried on the next tick; a market that resolves elsewhere first
// is skipped.
type AutoResolver struct {
	markets  MarketReader
	resolver Resolver
	now      func() time.Time
	logger   *slog.Logger
}

// NewAutoResolver creates an AutoResolver.
func NewAutoResolver(markets MarketReader, resolver Resolver, now func() time.Time, logger *slog.Logger) *AutoResolver {
	if now == nil {
		now = time.Now
	}
	return &AutoResolver{
		markets:  markets,
		resolver: resolver,
		now:      now,
		logger:   logger.With(slog.String("component", "auto_resolver")),
	}
}

// RunOnce attempts every due market and returns how many resolved.
func (a *AutoResolver) RunOnce(ctx context.Context) (int, error) {
	open, err := listOpen(ctx, a.markets)
	if err != nil {
		return 0, err
	}
	now := a.now()
	resolved := 0
	for _, m := range open {
		if now.Before(m.ResolveFrom) {
			continue
		}
		if _, err := a.resolver.Resolve(ctx, m.ID); err != nil {
			level := slog.LevelWarn
			if domain.KindOf(err) == domain.KindConflict {
				level = slog.LevelDebug
			}
			a.logger.Log(ctx, level, "auto-resolve failed",
				slog.Uint64("market_id", m.ID),
				slog.String("kind", string(domain.KindOf(err))),
				slog.String("error", err.Error()),
			)
			continue
		}
		resolved++
	}
	return resolved, nil
}

// Run ticks every interval until ctx is cancelled.
func (a *AutoResolver) Run(ctx context.Context, interval time.Duration) error {
	a.logger.InfoContext(ctx, "auto-resolver started", slog.Duration("interval", interval))
	return tick(ctx, interval, func() {
		n, err := a.RunOnce(ctx)
		if err != nil {
			a.logger.ErrorContext(ctx, "auto-resolve sweep failed", slog.String("error", err.Error()))
			return
		}
		if n > 0 {
			a.logger.InfoContext(ctx, "auto-resolve sweep", slog.Int("resolved", n))
		}
	})
}

// tick runs fn immediately and then every interval.
func tick(ctx context.Context, interval time.Duration, fn func()) error {
	fn()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			fn()
		}
	}
}
