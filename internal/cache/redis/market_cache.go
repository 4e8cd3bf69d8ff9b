package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

// MarketCache stores JSON market snapshots under "market:{id}" with a TTL.
// Resolved markets never change again and are kept longer.
type MarketCache struct {
	c           *Client
	ttl         time.Duration
	resolvedTTL time.Duration
}

// NewMarketCache creates a MarketCache.
func NewMarketCache(c *Client, ttl time.Duration) *MarketCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MarketCache{c: c, ttl: ttl, resolvedTTL: 24 * time.Hour}
}

func (mc *MarketCache) marketKey(id uint64) string {
	return mc.c.key("market", strconv.FormatUint(id, 10))
}

// Set stores m, replacing any older snapshot.
func (mc *MarketCache) Set(ctx context.Context, m domain.Market) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("redis: marshal market %d: %w", m.ID, err)
	}
	ttl := mc.ttl
	if m.Resolved {
		ttl = mc.resolvedTTL
	}
	if err := mc.c.rdb.Set(ctx, mc.marketKey(m.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set market %d: %w", m.ID, err)
	}
	return nil
}

// Get returns domain.ErrNotFound on a miss.
func (mc *MarketCache) Get(ctx context.Context, id uint64) (domain.Market, error) {
	data, err := mc.c.rdb.Get(ctx, mc.marketKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("redis: get market %d: %w", id, err)
	}
	var m domain.Market
	if err := json.Unmarshal(data, &m); err != nil {
		return domain.Market{}, fmt.Errorf("redis: unmarshal market %d: %w", id, err)
	}
	return m, nil
}

// Invalidate drops the snapshot of market id.
func (mc *MarketCache) Invalidate(ctx context.Context, id uint64) error {
	if err := mc.c.rdb.Del(ctx, mc.marketKey(id)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate market %d: %w", id, err)
	}
	return nil
}

var _ domain.MarketCache = (*MarketCache)(nil)
