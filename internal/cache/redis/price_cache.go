package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

// PriceCache keeps the latest oracle observation per feed in a hash at
// "price:{feed}" with fields price, conf and ts (Unix nanoseconds). Older
// observations never overwrite newer ones.
type PriceCache struct {
	c *Client
}

// NewPriceCache creates a PriceCache.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{c: c}
}

func (pc *PriceCache) priceKey(feedID string) string {
	return pc.c.key("price", feedID)
}

// setIfNewerLua writes the observation only when its ts is newer than the
// stored one.
const setIfNewerLua = `
local cur = redis.call('HGET', KEYS[1], 'ts')
if cur and tonumber(cur) >= tonumber(ARGV[3]) then
    return 0
end
redis.call('HSET', KEYS[1], 'price', ARGV[1], 'conf', ARGV[2], 'ts', ARGV[3])
return 1
`

// SetPrice stores obs for feedID.
func (pc *PriceCache) SetPrice(ctx context.Context, feedID string, obs domain.Observation) error {
	err := pc.c.rdb.Eval(ctx, setIfNewerLua, []string{pc.priceKey(feedID)},
		strconv.FormatFloat(obs.Price, 'f', -1, 64),
		strconv.FormatFloat(obs.Confidence, 'f', -1, 64),
		strconv.FormatInt(obs.PublishTime.UnixNano(), 10),
	).Err()
	if err != nil {
		return fmt.Errorf("redis: set price %s: %w", feedID, err)
	}
	return nil
}

// GetPrice returns domain.ErrNotFound when nothing is cached for feedID.
func (pc *PriceCache) GetPrice(ctx context.Context, feedID string) (domain.Observation, error) {
	vals, err := pc.c.rdb.HGetAll(ctx, pc.priceKey(feedID)).Result()
	if err != nil {
		return domain.Observation{}, fmt.Errorf("redis: get price %s: %w", feedID, err)
	}
	return parseObservation(feedID, vals)
}

func parseObservation(feedID string, vals map[string]string) (domain.Observation, error) {
	priceStr, ok := vals["price"]
	if !ok {
		return domain.Observation{}, domain.ErrNotFound
	}
	tsStr, ok := vals["ts"]
	if !ok {
		return domain.Observation{}, domain.ErrNotFound
	}
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return domain.Observation{}, fmt.Errorf("redis: parse price %s: %w", feedID, err)
	}
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return domain.Observation{}, fmt.Errorf("redis: parse ts %s: %w", feedID, err)
	}
	var conf float64
	if s, ok := vals["conf"]; ok {
		if conf, err = strconv.ParseFloat(s, 64); err != nil {
			return domain.Observation{}, fmt.Errorf("redis: parse conf %s: %w", feedID, err)
		}
	}
	return domain.Observation{Price: price, Confidence: conf, PublishTime: time.Unix(0, ts).UTC()}, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
