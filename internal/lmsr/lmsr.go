// Package lmsr implements the binary Logarithmic Market Scoring Rule.
//
// Quantities are outstanding share counts per outcome, b is the liquidity
// parameter. All costs are in whole settlement-token units as float64; callers
// convert to base units.
package lmsr

import (
	"fmt"
	"math"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

// maxShares bounds share searches so that counts stay exactly representable
// as float64.
const maxShares = uint64(1) << 53

// Cost returns C(q) = b·ln(e^{q0/b} + e^{q1/b}) using the log-sum-exp shift.
func Cost(b float64, q0, q1 float64) float64 {
	m := math.Max(q0, q1)
	return m + b*math.Log(math.Exp((q0-m)/b)+math.Exp((q1-m)/b))
}

// Prices returns the marginal price of each outcome. The pair always sums to
// exactly one.
func Prices(b float64, q0, q1 float64) [2]float64 {
	m := math.Max(q0, q1)
	e0 := math.Exp((q0 - m) / b)
	e1 := math.Exp((q1 - m) / b)
	p0 := e0 / (e0 + e1)
	return [2]float64{p0, 1 - p0}
}

// Price returns the marginal price of outcome o.
func Price(b float64, o domain.Outcome, q0, q1 float64) float64 {
	return Prices(b, q0, q1)[o]
}

// TradeCost returns C(q') − C(q) where q' moves outcome o by delta shares.
// Positive for buys, negative for sells. A delta that would push the
// outstanding count below zero fails with ErrInsufficientLiquidity.
func TradeCost(b float64, q [2]uint64, o domain.Outcome, delta int64) (float64, error) {
	if !o.Valid() {
		return 0, domain.ErrInvalidOutcome
	}
	if b <= 0 || math.IsNaN(b) || math.IsInf(b, 0) {
		return 0, fmt.Errorf("lmsr: liquidity %v: %w", b, domain.ErrInvalidMarket)
	}
	if delta < 0 && uint64(-delta) > q[o] {
		return 0, domain.ErrInsufficientLiquidity
	}
	// Only the gap between the two quantities matters, so the cost is taken
	// directly as b·ln(Σe^{q'/b} / Σe^{q/b}) instead of subtracting two large
	// absolute costs.
	var gap float64
	if k := 1 - o; q[o] >= q[k] {
		gap = float64(q[o] - q[k])
	} else {
		gap = -float64(q[k] - q[o])
	}
	return b * logRatio(gap/b, float64(delta)/b), nil
}

// logRatio returns ln(σ(z)·e^u + σ(−z)): the log change of the partition sum
// when the outcome whose logit lead is z moves by u.
func logRatio(z, u float64) float64 {
	if g := math.Expm1(u); !math.IsInf(g, 0) {
		if x := sigmoid(z) * g; x > -0.5 {
			return math.Log1p(x)
		}
	}
	// Large moves: softplus(z+u) − softplus(z) with the linear parts
	// cancelled exactly.
	var lin float64
	switch {
	case z >= 0 && z+u >= 0:
		lin = u
	case z < 0 && z+u < 0:
	default:
		lin = math.Max(z+u, 0) - math.Max(z, 0)
	}
	return lin + math.Log1p(math.Exp(-math.Abs(z+u))) - math.Log1p(math.Exp(-math.Abs(z)))
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

// BuyCost is the amount paid to buy n shares of o.
func BuyCost(b float64, q [2]uint64, o domain.Outcome, n uint64) (float64, error) {
	if n > maxShares {
		return 0, domain.ErrInvalidAmount
	}
	return TradeCost(b, q, o, int64(n))
}

// SellProceeds is the amount received for selling n shares of o.
func SellProceeds(b float64, q [2]uint64, o domain.Outcome, n uint64) (float64, error) {
	if !o.Valid() {
		return 0, domain.ErrInvalidOutcome
	}
	if n > q[o] {
		return 0, domain.ErrInsufficientLiquidity
	}
	if n > maxShares {
		return 0, domain.ErrInvalidAmount
	}
	c, err := TradeCost(b, q, o, -int64(n))
	if err != nil {
		return 0, err
	}
	return -c, nil
}

// SharesForCost returns the largest whole number of shares of o purchasable
// for at most budget.
func SharesForCost(b float64, q [2]uint64, o domain.Outcome, budget float64) (uint64, error) {
	if !o.Valid() {
		return 0, domain.ErrInvalidOutcome
	}
	if budget <= 0 || math.IsNaN(budget) {
		return 0, nil
	}

	// Grow the upper bound until it is unaffordable, then bisect.
	lo, hi := uint64(0), uint64(1)
	for {
		c, err := BuyCost(b, q, o, hi)
		if err != nil {
			return 0, err
		}
		if c > budget {
			break
		}
		lo = hi
		if hi >= maxShares/2 {
			return lo, nil
		}
		hi *= 2
	}
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		c, err := BuyCost(b, q, o, mid)
		if err != nil {
			return 0, err
		}
		if c <= budget {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// MaxLoss is the market maker's worst-case loss for a binary market.
func MaxLoss(b float64) float64 {
	return b * math.Ln2
}

// Quote describes the effect of a trade without applying it.
type Quote struct {
	Outcome      domain.Outcome `json:"outcome"`
	Shares       uint64         `json:"shares"`
	Cost         float64        `json:"cost"`
	AveragePrice float64        `json:"average_price"`
	PriceBefore  [2]float64     `json:"price_before"`
	PriceAfter   [2]float64     `json:"price_after"`
	PriceImpact  float64        `json:"price_impact"`
}

// QuoteBuy simulates buying n shares of o.
func QuoteBuy(b float64, q [2]uint64, o domain.Outcome, n uint64) (Quote, error) {
	cost, err := BuyCost(b, q, o, n)
	if err != nil {
		return Quote{}, err
	}
	after := q
	after[o] += n
	return newQuote(b, q, after, o, n, cost), nil
}

// QuoteSell simulates selling n shares of o. Cost holds the proceeds.
func QuoteSell(b float64, q [2]uint64, o domain.Outcome, n uint64) (Quote, error) {
	proceeds, err := SellProceeds(b, q, o, n)
	if err != nil {
		return Quote{}, err
	}
	after := q
	after[o] -= n
	return newQuote(b, q, after, o, n, proceeds), nil
}

func newQuote(b float64, before, after [2]uint64, o domain.Outcome, n uint64, amount float64) Quote {
	pb := Prices(b, float64(before[0]), float64(before[1]))
	pa := Prices(b, float64(after[0]), float64(after[1]))
	qt := Quote{
		Outcome:     o,
		Shares:      n,
		Cost:        amount,
		PriceBefore: pb,
		PriceAfter:  pa,
		PriceImpact: pa[o] - pb[o],
	}
	if n > 0 {
		qt.AveragePrice = amount / float64(n)
	}
	return qt
}
