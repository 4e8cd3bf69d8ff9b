package postgres

import (
	"context"
	"errors"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

// testDSNEnv names the database the integration tests run against. Each test
// gets its own schema, dropped afterwards.
const testDSNEnv = "LMSR_TEST_POSTGRES_DSN"

var now0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestStores(t *testing.T) (*LedgerStore, *AuditStore) {
	t.Helper()
	dsn := os.Getenv(testDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", testDSNEnv)
	}
	ctx := context.Background()

	admin, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)
	schema := "lmsr_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		_ = admin.Close(context.Background())
	})

	c, err := New(ctx, ClientConfig{DSN: withSearchPath(dsn, schema), MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	applied, err := c.RunMigrations(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"001_init.sql", "002_trade_seq.sql"}, applied)

	again, err := c.RunMigrations(ctx)
	require.NoError(t, err)
	require.Empty(t, again)

	return NewLedgerStore(c.Pool()), NewAuditStore(c.Pool())
}

func withSearchPath(dsn, schema string) string {
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" {
		q := u.Query()
		q.Set("search_path", schema)
		u.RawQuery = q.Encode()
		return u.String()
	}
	return dsn + " search_path=" + schema
}

func testMarket(id uint64) domain.Market {
	return domain.Market{
		ID:            id,
		Creator:       "alice",
		TargetPrice:   3000,
		PriceFeedID:   "eth-usd",
		CreatedAt:     now0,
		ResolveFrom:   now0.Add(time.Hour),
		ResolveTo:     now0.Add(2 * time.Hour),
		SubsidyAmount: 100,
		Liquidity:     100,
		TokenDecimals: 6,
		PooledBalance: 100_000_000,
		Outstanding:   [2]uint64{100, 100},
		Prices:        [2]float64{0.5, 0.5},
		UpdatedAt:     now0,
	}
}

func insertMarket(t *testing.T, st *LedgerStore) domain.Market {
	t.Helper()
	var m domain.Market
	err := st.WithTx(context.Background(), func(tx domain.LedgerTx) error {
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

func TestLedgerStoreNextMarketID(t *testing.T) {
	st, _ := newTestStores(t)
	ctx := context.Background()

	assert.Equal(t, uint64(0), insertMarket(t, st).ID)
	assert.Equal(t, uint64(1), insertMarket(t, st).ID)

	abort := errors.New("abort")
	err := st.WithTx(ctx, func(tx domain.LedgerTx) error {
		id, err := tx.NextMarketID(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), id)
		return abort
	})
	require.ErrorIs(t, err, abort)

	assert.Equal(t, uint64(2), insertMarket(t, st).ID, "a rolled back id is issued again")
}

func TestLedgerStoreMarkResolvedOnce(t *testing.T) {
	st, _ := newTestStores(t)
	ctx := context.Background()
	m := insertMarket(t, st)

	o := domain.OutcomeOne
	price := 3001.5
	at := now0.Add(90 * time.Minute)
	resolved := m
	resolved.Resolved, resolved.Outcome, resolved.ResolutionPrice, resolved.ResolvedAt = true, &o, &price, &at
	resolved.UpdatedAt = at

	resolve := func() error {
		return st.WithTx(ctx, func(tx domain.LedgerTx) error {
			return tx.MarkResolved(ctx, resolved)
		})
	}
	require.NoError(t, resolve())
	assert.ErrorIs(t, resolve(), domain.ErrMarketResolved)

	got, err := st.GetMarket(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.Resolved)
	require.NotNil(t, got.Outcome)
	assert.Equal(t, domain.OutcomeOne, *got.Outcome)
	require.NotNil(t, got.ResolutionPrice)
	assert.Equal(t, price, *got.ResolutionPrice)

	open, err := st.ListMarkets(ctx, domain.MarketFilter{Status: domain.MarketStatusOpen})
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestLedgerStoreLockMarketSerialises(t *testing.T) {
	st, _ := newTestStores(t)
	ctx := context.Background()
	m := insertMarket(t, st)

	var (
		locked  = make(chan struct{})
		release = make(chan struct{})
		seen    = make(chan uint64, 1)
		errc    = make(chan error, 2)
	)
	go func() {
		errc <- st.WithTx(ctx, func(tx domain.LedgerTx) error {
			cur, err := tx.LockMarket(ctx, m.ID)
			if err != nil {
				return err
			}
			close(locked)
			<-release
			cur.PooledBalance += 5
			return tx.UpdateMarket(ctx, cur)
		})
	}()
	select {
	case <-locked:
	case err := <-errc:
		t.Fatalf("first transaction: %v", err)
	}

	go func() {
		errc <- st.WithTx(ctx, func(tx domain.LedgerTx) error {
			cur, err := tx.LockMarket(ctx, m.ID)
			if err != nil {
				return err
			}
			seen <- cur.PooledBalance
			return nil
		})
	}()

	select {
	case <-seen:
		t.Fatal("second LockMarket returned while the row was locked")
	case <-time.After(200 * time.Millisecond):
	}
	close(release)

	select {
	case got := <-seen:
		assert.Equal(t, m.PooledBalance+5, got, "the waiter reads the committed row")
	case <-time.After(5 * time.Second):
		t.Fatal("second LockMarket never returned")
	}
	require.NoError(t, <-errc)
	require.NoError(t, <-errc)
}

func TestLedgerStoreTradesInCommitOrder(t *testing.T) {
	st, _ := newTestStores(t)
	ctx := context.Background()
	m := insertMarket(t, st)

	// Timestamps run backwards so only the journal sequence gives the order.
	var want []string
	for i := range 4 {
		o := domain.Outcome(i % 2)
		tr := domain.Trade{
			ID:        uuid.NewString(),
			MarketID:  m.ID,
			User:      "bob",
			Kind:      domain.TradeKindBuy,
			Outcome:   &o,
			Shares:    uint64(i + 1),
			Amount:    uint64(1000 * (i + 1)),
			Prices:    [2]float64{0.5, 0.5},
			CreatedAt: now0.Add(-time.Duration(i) * time.Minute),
		}
		require.NoError(t, st.WithTx(ctx, func(tx domain.LedgerTx) error {
			return tx.AppendTrade(ctx, tr)
		}))
		want = append(want, tr.ID)
	}

	trades, err := st.ListTrades(ctx, m.ID, domain.ListOpts{})
	require.NoError(t, err)
	got := make([]string, 0, len(trades))
	for _, tr := range trades {
		got = append(got, tr.ID)
	}
	assert.Equal(t, want, got)

	page, err := st.ListTrades(ctx, m.ID, domain.ListOpts{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, want[1], page[0].ID)
}

func TestAuditStoreListEvent(t *testing.T) {
	_, audit := newTestStores(t)
	ctx := context.Background()

	require.NoError(t, audit.Log(ctx, "market.buy", map[string]any{"market_id": uint64(0)}))
	require.NoError(t, audit.Log(ctx, "transfer.pending", map[string]any{"market_id": uint64(0), "ref": "0xabc"}))
	require.NoError(t, audit.Log(ctx, "market.sell", nil))

	all, err := audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, "market.sell", all[0].Event, "newest first")

	pending, err := audit.ListEvent(ctx, "transfer.pending", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "0xabc", pending[0].Detail["ref"])
	assert.Equal(t, float64(0), pending[0].Detail["market_id"])
}
