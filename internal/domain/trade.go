package domain

import "time"

// TradeKind labels a journal entry.
type TradeKind string

const (
	TradeKindCreate  TradeKind = "create"
	TradeKindBuy     TradeKind = "buy"
	TradeKindSell    TradeKind = "sell"
	TradeKindResolve TradeKind = "resolve"
	TradeKindRedeem  TradeKind = "redeem"
)

// Trade is an append-only journal entry written in the same transaction as
// the state change it records. Amount is in token base units and is always
// non-negative; Kind determines its sign relative to the pooled balance.
type Trade struct {
	ID        string     `json:"id"`
	MarketID  uint64     `json:"market_id"`
	User      string     `json:"user"`
	Kind      TradeKind  `json:"kind"`
	Outcome   *Outcome   `json:"outcome,omitempty"`
	Shares    uint64     `json:"shares"`
	Amount    uint64     `json:"amount"`
	Prices    [2]float64 `json:"prices"`
	CreatedAt time.Time  `json:"created_at"`
}

// PoolDelta returns the signed effect of t on the pooled balance.
func (t Trade) PoolDelta() int64 {
	switch t.Kind {
	case TradeKindCreate, TradeKindBuy:
		return int64(t.Amount)
	case TradeKindSell, TradeKindRedeem:
		return -int64(t.Amount)
	default:
		return 0
	}
}
