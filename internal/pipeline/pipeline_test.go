package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/platform/pyth"
)

var (
	t0     = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
)

type fakeMarkets struct {
	markets   []domain.Market
	positions map[uint64][]domain.Position
	trades    map[uint64][]domain.Trade
}

func (f *fakeMarkets) ListMarkets(_ context.Context, filter domain.MarketFilter) ([]domain.Market, error) {
	var out []domain.Market
	for _, m := range f.markets {
		if filter.Status == "" || m.Status() == filter.Status {
			out = append(out, m)
		}
	}
	if filter.Opts.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Opts.Offset:]
	if filter.Opts.Limit > 0 && len(out) > filter.Opts.Limit {
		out = out[:filter.Opts.Limit]
	}
	return out, nil
}

func (f *fakeMarkets) ListPositions(_ context.Context, id uint64) ([]domain.Position, error) {
	return f.positions[id], nil
}

func (f *fakeMarkets) ListTrades(_ context.Context, id uint64, _ domain.ListOpts) ([]domain.Trade, error) {
	return f.trades[id], nil
}

type fakeResolver struct {
	calls []uint64
	errs  map[uint64]error
}

func (f *fakeResolver) Resolve(_ context.Context, id uint64) (domain.Market, error) {
	f.calls = append(f.calls, id)
	if err := f.errs[id]; err != nil {
		return domain.Market{}, err
	}
	return domain.Market{ID: id, Resolved: true}, nil
}

func market(id uint64, feed string, from time.Time) domain.Market {
	return domain.Market{ID: id, PriceFeedID: feed, ResolveFrom: from, ResolveTo: from.Add(time.Hour)}
}

func TestAutoResolverResolvesDueMarkets(t *testing.T) {
	w := domain.OutcomeZero
	done := market(3, "eth", t0.Add(-2*time.Hour))
	done.Resolved, done.Outcome = true, &w
	mk := &fakeMarkets{markets: []domain.Market{
		market(0, "eth", t0.Add(-time.Minute)),
		market(1, "eth", t0.Add(time.Minute)),
		market(2, "btc", t0),
		done,
	}}
	res := &fakeResolver{errs: map[uint64]error{2: domain.ErrOracleStale}}
	a := NewAutoResolver(mk, res, func() time.Time { return t0 }, logger)

	n, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []uint64{0, 2}, res.calls)
}

type fakeSource struct {
	asked []string
	ups   []pyth.PriceUpdate
	err   error
}

func (f *fakeSource) Latest(_ context.Context, ids ...string) ([]pyth.PriceUpdate, error) {
	f.asked = ids
	return f.ups, f.err
}

type mapCache struct {
	mu  sync.Mutex
	obs map[string]domain.Observation
}

func (m *mapCache) SetPrice(_ context.Context, feed string, obs domain.Observation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.obs[feed] = obs
	return nil
}

func (m *mapCache) GetPrice(_ context.Context, feed string) (domain.Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.obs[feed]
	if !ok {
		return domain.Observation{}, domain.ErrNotFound
	}
	return o, nil
}

func TestPriceFeederDedupesFeeds(t *testing.T) {
	mk := &fakeMarkets{markets: []domain.Market{
		market(0, "0xABCD", t0),
		market(1, "abcd", t0),
		market(2, "ef01", t0),
	}}
	src := &fakeSource{ups: []pyth.PriceUpdate{
		{FeedID: "abcd", Price: 3000, PublishTime: t0},
		{FeedID: "ef01", Price: 60000, PublishTime: t0},
		{FeedID: "9999", Price: 1, PublishTime: t0},
	}}
	cache := &mapCache{obs: map[string]domain.Observation{}}
	f := NewPriceFeeder(mk, src, cache, nil, logger)

	n, err := f.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"0xABCD", "ef01"}, src.asked)
	assert.Equal(t, 3000.0, cache.obs["0xABCD"].Price)
	assert.Equal(t, 60000.0, cache.obs["ef01"].Price)

	src.err = errors.New("hermes down")
	_, err = f.RunOnce(context.Background())
	assert.Error(t, err)
}

type memBlob struct {
	objects map[string][]byte
}

func (m *memBlob) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = b
	return nil
}

func (m *memBlob) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlob) List(context.Context, string) ([]domain.BlobInfo, error) { return nil, nil }

func (m *memBlob) Exists(_ context.Context, path string) (bool, error) {
	_, ok := m.objects[path]
	return ok, nil
}

func TestSettlementArchiver(t *testing.T) {
	ctx := context.Background()
	w := domain.OutcomeOne
	settledM := market(0, "eth", t0)
	settledM.Resolved, settledM.Outcome = true, &w
	pending := market(1, "eth", t0)
	pending.Resolved, pending.Outcome, pending.Held = true, &w, [2]uint64{0, 4}

	mk := &fakeMarkets{
		markets:   []domain.Market{settledM, pending, market(2, "eth", t0)},
		positions: map[uint64][]domain.Position{0: {{MarketID: 0, User: "bob"}}},
		trades: map[uint64][]domain.Trade{0: {
			{ID: "a", MarketID: 0, Kind: domain.TradeKindCreate, Amount: 100},
			{ID: "b", MarketID: 0, Kind: domain.TradeKindRedeem, Amount: 100},
		}},
	}
	blob := &memBlob{objects: map[string][]byte{}}
	a := NewSettlementArchiver(mk, blob, blob, nil, logger)

	require.NoError(t, a.MarketResolved(ctx, pending))
	assert.Contains(t, blob.objects, "settlements/1/market.json")

	n, err := a.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	journal := string(blob.objects["settlements/0/trades.jsonl"])
	assert.Equal(t, 2, strings.Count(journal, "\n"))
	assert.Contains(t, string(blob.objects["settlements/0/market.json"]), `"user": "bob"`)

	n, err = a.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "already archived journals are skipped")
}

func TestCron(t *testing.T) {
	tests := []struct {
		expr  string
		after time.Time
		want  time.Time
	}{
		{"0 3 * * *", t0, time.Date(2026, 5, 2, 3, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", t0.Add(time.Minute), t0.Add(15 * time.Minute)},
		{"30 12-14 * * *", t0, t0.Add(30 * time.Minute)},
		{"0 0 1 * *", t0, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)},
		{"0 0 * * 1", t0, time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)},
		// Restricted day-of-month and day-of-week: either one is enough.
		{"0 0 13 * 1", t0, time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)},
		{"0 0 2 * 1", t0, time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC)},
		// A stepped day-of-month still narrows day-of-week.
		{"0 0 */2 * 1", t0, time.Date(2026, 5, 11, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		s, err := parseCron(tt.expr)
		require.NoError(t, err, tt.expr)
		got, err := s.next(tt.after)
		require.NoError(t, err)
		assert.True(t, got.Equal(tt.want), "%s: got %s want %s", tt.expr, got, tt.want)
	}

	for _, bad := range []string{"* * *", "61 * * * *", "*/0 * * * *", "5-1 * * * *"} {
		_, err := parseCron(bad)
		assert.Error(t, err, bad)
	}
}

func TestOrchestratorWithoutJobsWaitsForCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewOrchestrator(nil, nil, nil, Schedule{}, logger).Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("orchestrator did not stop")
	}
}
