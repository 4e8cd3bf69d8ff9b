package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/lmsr"
	"github.com/alanyoungcy/lmsrmarket/internal/market"
)

// GetMarket returns a market snapshot, preferring the cache.
func (s *MarketService) GetMarket(ctx context.Context, id uint64) (domain.Market, error) {
	if s.cache != nil {
		if m, err := s.cache.Get(ctx, id); err == nil {
			return m, nil
		}
	}
	m, err := s.ledger.GetMarket(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: get market %d: %w", id, err)
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, m); err != nil {
			s.logger.WarnContext(ctx, "cache set failed",
				slog.Uint64("market_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return m, nil
}

// ListMarkets lists markets by status.
func (s *MarketService) ListMarkets(ctx context.Context, filter domain.MarketFilter) ([]domain.Market, error) {
	ms, err := s.ledger.ListMarkets(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("market_service: list markets: %w", err)
	}
	return ms, nil
}

// GetPosition returns user's position in a market. A user who never traded
// holds the zero position.
func (s *MarketService) GetPosition(ctx context.Context, id uint64, user string) (domain.Position, error) {
	if _, err := s.GetMarket(ctx, id); err != nil {
		return domain.Position{}, err
	}
	p, err := s.ledger.GetPosition(ctx, id, user)
	if err == nil {
		return p, nil
	}
	if domain.KindOf(err) == domain.KindNotFound {
		return domain.Position{MarketID: id, User: user}, nil
	}
	return domain.Position{}, fmt.Errorf("market_service: get position: %w", err)
}

// ListPositions returns every position in a market.
func (s *MarketService) ListPositions(ctx context.Context, id uint64) ([]domain.Position, error) {
	ps, err := s.ledger.ListPositions(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("market_service: list positions: %w", err)
	}
	return ps, nil
}

// ListUserPositions returns the positions a user holds across markets.
func (s *MarketService) ListUserPositions(ctx context.Context, user string, opts domain.ListOpts) ([]domain.Position, error) {
	ps, err := s.ledger.ListUserPositions(ctx, user, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: list user positions: %w", err)
	}
	return ps, nil
}

// ListTrades returns a market's journal, oldest first.
func (s *MarketService) ListTrades(ctx context.Context, id uint64, opts domain.ListOpts) ([]domain.Trade, error) {
	ts, err := s.ledger.ListTrades(ctx, id, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: list trades: %w", err)
	}
	return ts, nil
}

// QuoteSide selects which trade a quote simulates.
type QuoteSide string

const (
	QuoteSideBuy  QuoteSide = "buy"
	QuoteSideSell QuoteSide = "sell"
)

// TradeQuote is an LMSR quote plus the base-unit amount the trade would
// settle for right now.
type TradeQuote struct {
	lmsr.Quote
	MarketID uint64    `json:"market_id"`
	Side     QuoteSide `json:"side"`
	Amount   uint64    `json:"amount"`
}

// Quote prices a buy or sell of shares without changing any state.
func (s *MarketService) Quote(ctx context.Context, id uint64, side QuoteSide, outcome domain.Outcome, shares uint64) (TradeQuote, error) {
	m, err := s.GetMarket(ctx, id)
	if err != nil {
		return TradeQuote{}, err
	}
	if m.Resolved {
		return TradeQuote{}, fmt.Errorf("market_service: quote market %d: %w", id, domain.ErrMarketResolved)
	}
	if !outcome.Valid() {
		return TradeQuote{}, fmt.Errorf("market_service: quote: %w", domain.ErrInvalidOutcome)
	}

	var (
		q        lmsr.Quote
		rounding market.Rounding
	)
	switch side {
	case QuoteSideBuy:
		q, err = lmsr.QuoteBuy(m.Liquidity, m.Outstanding, outcome, shares)
		rounding = market.RoundUp
	case QuoteSideSell:
		q, err = lmsr.QuoteSell(m.Liquidity, m.Outstanding, outcome, shares)
		rounding = market.RoundDown
	default:
		return TradeQuote{}, fmt.Errorf("market_service: quote side %q: %w", side, domain.ErrInvalidAmount)
	}
	if err != nil {
		return TradeQuote{}, fmt.Errorf("market_service: quote: %w", err)
	}
	amount, err := market.ToBaseUnits(q.Cost, m.TokenDecimals, rounding)
	if err != nil {
		return TradeQuote{}, fmt.Errorf("market_service: quote: %w", err)
	}
	return TradeQuote{Quote: q, MarketID: id, Side: side, Amount: amount}, nil
}

// QuoteBudget returns the largest buy of outcome whose cost, in base units,
// fits within budget.
func (s *MarketService) QuoteBudget(ctx context.Context, id uint64, outcome domain.Outcome, budget uint64) (TradeQuote, error) {
	m, err := s.GetMarket(ctx, id)
	if err != nil {
		return TradeQuote{}, err
	}
	if m.Resolved {
		return TradeQuote{}, fmt.Errorf("market_service: quote budget market %d: %w", id, domain.ErrMarketResolved)
	}
	whole, _ := market.BaseToWhole(budget, m.TokenDecimals).Float64()
	n, err := lmsr.SharesForCost(m.Liquidity, m.Outstanding, outcome, whole)
	if err != nil {
		return TradeQuote{}, fmt.Errorf("market_service: quote budget: %w", err)
	}
	for n > 0 {
		tq, err := s.Quote(ctx, id, QuoteSideBuy, outcome, n)
		if err != nil {
			return TradeQuote{}, err
		}
		if tq.Amount <= budget {
			return tq, nil
		}
		// Rounding up to base units can push the exact float bound over.
		n--
	}
	return TradeQuote{MarketID: id, Side: QuoteSideBuy, Quote: lmsr.Quote{
		Outcome:     outcome,
		PriceBefore: m.Prices,
		PriceAfter:  m.Prices,
	}}, nil
}
