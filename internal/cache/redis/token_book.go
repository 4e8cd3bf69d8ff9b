package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

// transferLua moves ARGV[1] base units from KEYS[1] to KEYS[2] only when the
// sender can cover it. Returns 1 on success and 0 when short.
const transferLua = `
local amount = tonumber(ARGV[1])
local bal = tonumber(redis.call('HGET', KEYS[1], 'balance') or '0')
if bal < amount then
    return 0
end
redis.call('HINCRBY', KEYS[1], 'balance', -amount)
redis.call('HINCRBY', KEYS[2], 'balance', amount)
return 1
`

// TokenBook is an off-chain token custody ledger kept in Redis hashes at
// "balance:{account}". It lets several service instances share custody
// without a chain.
type TokenBook struct {
	c        *Client
	transfer *redis.Script
}

// NewTokenBook creates a TokenBook.
func NewTokenBook(c *Client) *TokenBook {
	return &TokenBook{c: c, transfer: redis.NewScript(transferLua)}
}

func (tb *TokenBook) balanceKey(account string) string {
	return tb.c.key("balance", account)
}

// Transfer moves amount between accounts atomically.
func (tb *TokenBook) Transfer(ctx context.Context, from, to string, amount uint64) error {
	if from == to {
		return fmt.Errorf("redis: transfer to self %q: %w", from, domain.ErrInvalidAccount)
	}
	if amount > 1<<53 {
		// Lua numbers are doubles.
		return fmt.Errorf("redis: transfer %d: %w", amount, domain.ErrInvalidAmount)
	}
	ok, err := tb.transfer.Run(ctx, tb.c.rdb,
		[]string{tb.balanceKey(from), tb.balanceKey(to)},
		strconv.FormatUint(amount, 10),
	).Int()
	if err != nil {
		return fmt.Errorf("redis: transfer %s -> %s: %w: %w", from, to, domain.ErrTransferFailed, err)
	}
	if ok != 1 {
		return fmt.Errorf("redis: %s cannot cover %d: %w", from, amount, domain.ErrTransferFailed)
	}
	return nil
}

// Mint credits amount to account. Used by the admin CLI for test deployments.
func (tb *TokenBook) Mint(ctx context.Context, account string, amount uint64) error {
	if amount > 1<<53 {
		return fmt.Errorf("redis: mint %d: %w", amount, domain.ErrInvalidAmount)
	}
	if err := tb.c.rdb.HIncrBy(ctx, tb.balanceKey(account), "balance", int64(amount)).Err(); err != nil {
		return fmt.Errorf("redis: mint %s: %w", account, err)
	}
	return nil
}

// Balance returns the balance of account, zero if it never held tokens.
func (tb *TokenBook) Balance(ctx context.Context, account string) (uint64, error) {
	v, err := tb.c.rdb.HGet(ctx, tb.balanceKey(account), "balance").Uint64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("redis: balance %s: %w", account, err)
	}
	return v, nil
}

var (
	_ domain.TokenCustody  = (*TokenBook)(nil)
	_ domain.BalanceReader = (*TokenBook)(nil)
)
