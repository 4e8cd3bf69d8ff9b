package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var now = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func testMarket(id uint64) domain.Market {
	return domain.Market{
		ID:            id,
		Creator:       "alice",
		TargetPrice:   3000,
		PriceFeedID:   "eth-usd",
		CreatedAt:     now,
		ResolveFrom:   now.Add(time.Hour),
		ResolveTo:     now.Add(2 * time.Hour),
		SubsidyAmount: 100,
		Liquidity:     100,
		TokenDecimals: 6,
		PooledBalance: 100_000_000,
		Outstanding:   [2]uint64{100, 100},
		Prices:        [2]float64{0.5, 0.5},
		UpdatedAt:     now,
	}
}

func createMarket(t *testing.T, s *Store) domain.Market {
	t.Helper()
	var m domain.Market
	err := s.WithTx(context.Background(), func(tx domain.LedgerTx) error {
		id, err := tx.NextMarketID(context.Background())
		if err != nil {
			return err
		}
		m = testMarket(id)
		return tx.InsertMarket(context.Background(), m)
	})
	require.NoError(t, err)
	return m
}

func TestRegistryIssuesSequentialIDs(t *testing.T) {
	s := newTestStore(t)
	for want := uint64(0); want < 3; want++ {
		m := createMarket(t, s)
		assert.Equal(t, want, m.ID)
	}
}

func TestRegistryRollsBackWithTransaction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx domain.LedgerTx) error {
		if _, err := tx.NextMarketID(ctx); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	m := createMarket(t, s)
	assert.Equal(t, uint64(0), m.ID, "aborted create must not consume an id")
}

func TestMarketRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := createMarket(t, s)

	got, err := s.GetMarket(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Outstanding, got.Outstanding)
	assert.Equal(t, m.PooledBalance, got.PooledBalance)
	assert.True(t, m.ResolveFrom.Equal(got.ResolveFrom))
	assert.Nil(t, got.Outcome)
	assert.Equal(t, domain.MarketStatusOpen, got.Status())

	_, err = s.GetMarket(ctx, 99)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateAndResolve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := createMarket(t, s)

	m.PooledBalance = 105_124_948
	m.Outstanding[0] = 110
	m.Held[0] = 10
	m.Prices = [2]float64{0.525, 0.475}
	w := domain.OutcomeZero
	price := 2999.5
	at := now.Add(90 * time.Minute)

	require.NoError(t, s.WithTx(ctx, func(tx domain.LedgerTx) error {
		if err := tx.UpdateMarket(ctx, m); err != nil {
			return err
		}
		m.Resolved, m.Outcome, m.ResolutionPrice, m.ResolvedAt = true, &w, &price, &at
		return tx.MarkResolved(ctx, m)
	}))

	got, err := s.GetMarket(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, [2]uint64{10, 0}, got.Held)
	assert.True(t, got.Resolved)
	require.NotNil(t, got.Outcome)
	assert.Equal(t, domain.OutcomeZero, *got.Outcome)
	require.NotNil(t, got.ResolutionPrice)
	assert.Equal(t, price, *got.ResolutionPrice)
	require.NotNil(t, got.ResolvedAt)
	assert.True(t, at.Equal(*got.ResolvedAt))

	err = s.WithTx(ctx, func(tx domain.LedgerTx) error {
		return tx.MarkResolved(ctx, m)
	})
	assert.ErrorIs(t, err, domain.ErrMarketResolved)
}

func TestPositionsAndTrades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := createMarket(t, s)

	p := domain.NewPosition(m.ID, "bob", now)
	p.Shares = [2]uint64{10, 3}
	o := domain.OutcomeZero
	require.NoError(t, s.WithTx(ctx, func(tx domain.LedgerTx) error {
		_, err := tx.GetPosition(ctx, m.ID, "bob")
		if !errors.Is(err, domain.ErrNotFound) {
			return errors.New("expected missing position")
		}
		if err := tx.SavePosition(ctx, p); err != nil {
			return err
		}
		return tx.AppendTrade(ctx, domain.Trade{
			ID: "t1", MarketID: m.ID, User: "bob", Kind: domain.TradeKindBuy,
			Outcome: &o, Shares: 10, Amount: 5_124_948, Prices: [2]float64{0.525, 0.475}, CreatedAt: now,
		})
	}))

	redeemed := now.Add(3 * time.Hour)
	p.Shares[0] = 0
	p.RedeemedAt = &redeemed
	p.UpdatedAt = redeemed
	require.NoError(t, s.WithTx(ctx, func(tx domain.LedgerTx) error {
		return tx.SavePosition(ctx, p)
	}))

	got, err := s.GetPosition(ctx, m.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, [2]uint64{0, 3}, got.Shares)
	require.NotNil(t, got.RedeemedAt)
	assert.True(t, redeemed.Equal(*got.RedeemedAt))

	all, err := s.ListPositions(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	mine, err := s.ListUserPositions(ctx, "bob", domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	trades, err := s.ListTrades(ctx, m.ID, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, domain.TradeKindBuy, trades[0].Kind)
	assert.Equal(t, int64(5_124_948), trades[0].PoolDelta())
	require.NotNil(t, trades[0].Outcome)
	assert.Equal(t, domain.OutcomeZero, *trades[0].Outcome)
}

func TestListMarketsFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := createMarket(t, s)
	createMarket(t, s)

	w := domain.OutcomeOne
	a.Resolved, a.Outcome = true, &w
	require.NoError(t, s.WithTx(ctx, func(tx domain.LedgerTx) error { return tx.MarkResolved(ctx, a) }))

	open, err := s.ListMarkets(ctx, domain.MarketFilter{Status: domain.MarketStatusOpen})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, uint64(1), open[0].ID)

	resolved, err := s.ListMarkets(ctx, domain.MarketFilter{Status: domain.MarketStatusResolved})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, uint64(0), resolved[0].ID)

	page, err := s.ListMarkets(ctx, domain.MarketFilter{Opts: domain.ListOpts{Limit: 1, Offset: 1}})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, uint64(1), page[0].ID)
}

func TestAuditLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Log(ctx, "market.created", map[string]any{"market_id": 0}))
	require.NoError(t, s.Log(ctx, "market.resolved", map[string]any{"outcome": 1}))

	entries, err := s.List(ctx, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "market.resolved", entries[0].Event)
	assert.EqualValues(t, 1, entries[0].Detail["outcome"])
}
