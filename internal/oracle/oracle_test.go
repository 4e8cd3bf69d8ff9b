package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/platform/pyth"
)

var (
	from   = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	window = domain.Window{From: from, To: from.Add(time.Hour)}
)

type fakeSource struct {
	latest pyth.PriceUpdate
	at     pyth.PriceUpdate
	asked  time.Time
	err    error
}

func (f *fakeSource) LatestOne(context.Context, string) (pyth.PriceUpdate, error) {
	return f.latest, f.err
}

func (f *fakeSource) AtOne(_ context.Context, t time.Time, _ string) (pyth.PriceUpdate, error) {
	f.asked = t
	return f.at, f.err
}

func TestPythInsideWindowUsesLatest(t *testing.T) {
	src := &fakeSource{latest: pyth.PriceUpdate{Price: 3010, Confidence: 2, PublishTime: from.Add(5 * time.Minute)}}
	o := NewPyth(src, time.Minute, func() time.Time { return from.Add(5 * time.Minute) })

	obs, err := o.GetPrice(context.Background(), "eth", window)
	require.NoError(t, err)
	assert.Equal(t, 3010.0, obs.Price)
	assert.Equal(t, 2.0, obs.Confidence)
	assert.True(t, src.asked.IsZero())
}

func TestPythAfterWindowLooksBack(t *testing.T) {
	src := &fakeSource{at: pyth.PriceUpdate{Price: 2990, PublishTime: window.To.Add(-50 * time.Second)}}
	o := NewPyth(src, time.Minute, func() time.Time { return window.To.Add(time.Hour) })

	obs, err := o.GetPrice(context.Background(), "eth", window)
	require.NoError(t, err)
	assert.Equal(t, 2990.0, obs.Price)
	assert.True(t, src.asked.Equal(window.To.Add(-time.Minute)))

	src.at.PublishTime = window.To.Add(time.Second)
	_, err = o.GetPrice(context.Background(), "eth", window)
	assert.ErrorIs(t, err, domain.ErrOracleStale)
}

func TestPythFailureIsUnavailable(t *testing.T) {
	src := &fakeSource{err: errors.New("dial tcp: refused")}
	o := NewPyth(src, 0, func() time.Time { return from })

	_, err := o.GetPrice(context.Background(), "eth", window)
	assert.ErrorIs(t, err, domain.ErrOracleUnavailable)
	assert.True(t, domain.Retryable(err))
}

type mapCache map[string]domain.Observation

func (m mapCache) SetPrice(_ context.Context, feed string, obs domain.Observation) error {
	m[feed] = obs
	return nil
}

func (m mapCache) GetPrice(_ context.Context, feed string) (domain.Observation, error) {
	obs, ok := m[feed]
	if !ok {
		return domain.Observation{}, domain.ErrNotFound
	}
	return obs, nil
}

type staticOracle domain.Observation

func (s staticOracle) GetPrice(context.Context, string, domain.Window) (domain.Observation, error) {
	return domain.Observation(s), nil
}

func TestCached(t *testing.T) {
	ctx := context.Background()
	cache := mapCache{}

	_, err := NewCached(cache, nil).GetPrice(ctx, "eth", window)
	assert.ErrorIs(t, err, domain.ErrOracleUnavailable)

	inside := domain.Observation{Price: 3001, PublishTime: from.Add(time.Minute)}
	require.NoError(t, cache.SetPrice(ctx, "eth", inside))
	obs, err := NewCached(cache, nil).GetPrice(ctx, "eth", window)
	require.NoError(t, err)
	assert.Equal(t, inside, obs)

	cache["eth"] = domain.Observation{Price: 3001, PublishTime: from.Add(-time.Minute)}
	_, err = NewCached(cache, nil).GetPrice(ctx, "eth", window)
	assert.ErrorIs(t, err, domain.ErrOracleStale)

	live := domain.Observation{Price: 2999, PublishTime: from.Add(2 * time.Minute)}
	obs, err = NewCached(cache, staticOracle(live)).GetPrice(ctx, "eth", window)
	require.NoError(t, err)
	assert.Equal(t, live, obs)
}
