package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lmsrmarket/internal/custody"
	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/server/handler"
	"github.com/alanyoungcy/lmsrmarket/internal/service"
	"github.com/alanyoungcy/lmsrmarket/internal/store/sqlite"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type stubOracle struct{ obs domain.Observation }

func (s *stubOracle) GetPrice(context.Context, string, domain.Window) (domain.Observation, error) {
	return s.obs, nil
}

type api struct {
	srv    *httptest.Server
	now    time.Time
	oracle *stubOracle
}

func newAPI(t *testing.T) *api {
	t.Helper()
	st, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bank := custody.NewMemory()
	bank.Mint("alice", 1_000_000_000)
	bank.Mint("bob", 100_000_000)

	a := &api{now: t0, oracle: &stubOracle{}}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.NewMarketService(service.Deps{
		Ledger:  st,
		Custody: bank,
		Oracle:  a.oracle,
		Audit:   st,
		Clock:   func() time.Time { return a.now },
	}, service.MarketConfig{Liquidity: 100, TokenDecimals: 6, MaxStaleness: time.Minute}, quiet)

	h := Handlers{
		Health:    handler.NewHealthHandler(map[string]handler.Pinger{"store": st}, quiet),
		Markets:   handler.NewMarketHandler(svc, quiet),
		Trades:    handler.NewTradeHandler(svc, quiet),
		Positions: handler.NewPositionHandler(svc, quiet),
	}
	a.srv = httptest.NewServer(Routes(Config{APIKey: "k"}, h, nil, nil, quiet))
	t.Cleanup(a.srv.Close)
	return a
}

func (a *api) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "k")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestMarketLifecycleOverHTTP(t *testing.T) {
	a := newAPI(t)

	var m domain.Market
	code := a.do(t, http.MethodPost, "/api/markets", map[string]any{
		"creator":        "alice",
		"target_price":   3000,
		"price_feed_id":  "eth-usd",
		"resolve_from":   t0.Add(time.Hour),
		"resolve_to":     t0.Add(2 * time.Hour),
		"subsidy_amount": 100,
	}, &m)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, uint64(0), m.ID)
	assert.Equal(t, uint64(100_000_000), m.PooledBalance)

	var q service.TradeQuote
	require.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/api/markets/0/quote?side=buy&outcome=1&shares=10", nil, &q))
	assert.Equal(t, uint64(5_124_948), q.Amount)

	var res service.TradeResult
	require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, "/api/markets/0/buy",
		map[string]any{"user": "bob", "outcome": 1, "shares": 10}, &res))
	assert.Equal(t, uint64(5_124_948), res.Trade.Amount)

	var p domain.Position
	require.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/api/markets/0/positions/bob", nil, &p))
	assert.Equal(t, [2]uint64{0, 10}, p.Shares)

	var errBody map[string]string
	code = a.do(t, http.MethodPost, "/api/markets/0/resolve", nil, &errBody)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "conflict", errBody["kind"])

	a.now = t0.Add(90 * time.Minute)
	a.oracle.obs = domain.Observation{Price: 3100, PublishTime: a.now.Add(-5 * time.Second)}
	require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, "/api/markets/0/resolve", nil, &m))
	require.NotNil(t, m.Outcome)
	assert.Equal(t, domain.OutcomeOne, *m.Outcome)

	require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, "/api/markets/0/redeem",
		map[string]any{"user": "bob"}, &res))
	assert.Equal(t, m.PooledBalance, res.Trade.Amount)

	var trades struct {
		Trades []domain.Trade `json:"trades"`
	}
	require.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/api/markets/0/trades", nil, &trades))
	assert.Len(t, trades.Trades, 4)

	var rec struct {
		OK bool `json:"ok"`
	}
	require.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/api/markets/0/reconcile", nil, &rec))
	assert.True(t, rec.OK)

	var list struct {
		Markets []domain.Market `json:"markets"`
	}
	require.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/api/markets?status=resolved", nil, &list))
	assert.Len(t, list.Markets, 1)
}

func TestErrorStatuses(t *testing.T) {
	a := newAPI(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown market", http.MethodGet, "/api/markets/9", nil, http.StatusNotFound},
		{"bad id", http.MethodGet, "/api/markets/abc", nil, http.StatusBadRequest},
		{"bad status filter", http.MethodGet, "/api/markets?status=closed", nil, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/markets", map[string]any{"nope": 1}, http.StatusBadRequest},
		{"bad window", http.MethodPost, "/api/markets", map[string]any{
			"creator": "alice", "price_feed_id": "eth-usd", "subsidy_amount": 1,
			"resolve_from": t0.Add(2 * time.Hour), "resolve_to": t0.Add(time.Hour),
		}, http.StatusBadRequest},
		{"quote bad outcome", http.MethodGet, "/api/markets/0/quote?outcome=2&shares=1", nil, http.StatusBadRequest},
		{"buy on missing market", http.MethodPost, "/api/markets/5/buy", map[string]any{"user": "bob", "outcome": 0, "shares": 1}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, a.do(t, tt.method, tt.path, tt.body, nil))
		})
	}
}

func TestHealthAndAuth(t *testing.T) {
	a := newAPI(t)

	resp, err := http.Get(a.srv.URL + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(a.srv.URL + "/api/markets")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
