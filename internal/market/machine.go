// Package market holds the lifecycle transitions of a binary LMSR market.
//
// Every transition takes value copies and returns the next state, so a failed
// transition never leaves a partially mutated record behind. Persistence,
// locking and token movement are the caller's concern.
package market

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/lmsr"
)

// CreateParams describes a market to open.
type CreateParams struct {
	Creator       string    `json:"creator"`
	TargetPrice   float64   `json:"target_price"`
	PriceFeedID   string    `json:"price_feed_id"`
	ResolveFrom   time.Time `json:"resolve_from"`
	ResolveTo     time.Time `json:"resolve_to"`
	Subsidy       uint64    `json:"subsidy_amount"`
	Liquidity     float64   `json:"-"`
	TokenDecimals uint8     `json:"-"`
}

// Validate checks the parameters against now.
func (p CreateParams) Validate(now time.Time) error {
	if !p.ResolveFrom.Before(p.ResolveTo) {
		return fmt.Errorf("resolve_from %s not before resolve_to %s: %w",
			p.ResolveFrom.Format(time.RFC3339), p.ResolveTo.Format(time.RFC3339), domain.ErrInvalidResolveWindow)
	}
	if p.ResolveTo.Before(now) {
		return fmt.Errorf("resolve_to %s is in the past: %w", p.ResolveTo.Format(time.RFC3339), domain.ErrInvalidResolveWindow)
	}
	if p.Subsidy == 0 {
		return fmt.Errorf("subsidy: %w", domain.ErrInvalidAmount)
	}
	if math.IsNaN(p.TargetPrice) || math.IsInf(p.TargetPrice, 0) || p.TargetPrice <= 0 {
		return fmt.Errorf("target price %v: %w", p.TargetPrice, domain.ErrInvalidMarket)
	}
	if strings.TrimSpace(p.PriceFeedID) == "" {
		return fmt.Errorf("price feed id is empty: %w", domain.ErrInvalidMarket)
	}
	if strings.TrimSpace(p.Creator) == "" {
		return fmt.Errorf("creator is empty: %w", domain.ErrInvalidMarket)
	}
	if math.IsNaN(p.Liquidity) || math.IsInf(p.Liquidity, 0) || p.Liquidity <= 0 {
		return fmt.Errorf("liquidity %v: %w", p.Liquidity, domain.ErrInvalidMarket)
	}
	return nil
}

// Create opens market id. The returned market's PooledBalance is the deposit
// the creator owes the market account.
func Create(id uint64, p CreateParams, now time.Time) (domain.Market, error) {
	if err := p.Validate(now); err != nil {
		return domain.Market{}, err
	}
	pool, err := WholeToBase(p.Subsidy, p.TokenDecimals)
	if err != nil {
		return domain.Market{}, err
	}
	if p.Subsidy > 1<<53 {
		return domain.Market{}, fmt.Errorf("subsidy %d too large: %w", p.Subsidy, domain.ErrInvalidAmount)
	}
	return domain.Market{
		ID:            id,
		Creator:       p.Creator,
		TargetPrice:   p.TargetPrice,
		PriceFeedID:   p.PriceFeedID,
		CreatedAt:     now,
		ResolveFrom:   p.ResolveFrom,
		ResolveTo:     p.ResolveTo,
		SubsidyAmount: p.Subsidy,
		Liquidity:     p.Liquidity,
		TokenDecimals: p.TokenDecimals,
		PooledBalance: pool,
		Outstanding:   [2]uint64{p.Subsidy, p.Subsidy},
		Prices:        [2]float64{0.5, 0.5},
		UpdatedAt:     now,
	}, nil
}

// Fill is the result of a transition that moves tokens. Amount is in base
// units: paid into the pool for a buy, paid out for a sell or redemption.
type Fill struct {
	Market   domain.Market
	Position domain.Position
	Outcome  domain.Outcome
	Shares   uint64
	Amount   uint64
}

func checkTrade(m domain.Market, o domain.Outcome, n uint64) error {
	if m.Resolved {
		return domain.ErrMarketResolved
	}
	if !o.Valid() {
		return domain.ErrInvalidOutcome
	}
	if n == 0 {
		return domain.ErrInvalidAmount
	}
	return nil
}

func reprice(m *domain.Market) {
	m.Prices = lmsr.Prices(m.Liquidity, float64(m.Outstanding[0]), float64(m.Outstanding[1]))
}

// Buy issues n shares of o to p.
func Buy(m domain.Market, p domain.Position, o domain.Outcome, n uint64, now time.Time) (Fill, error) {
	if err := checkTrade(m, o, n); err != nil {
		return Fill{}, err
	}
	if m.Outstanding[o] > math.MaxUint64-n || p.Shares[o] > math.MaxUint64-n {
		return Fill{}, fmt.Errorf("share count overflow: %w", domain.ErrInvalidAmount)
	}
	cost, err := lmsr.BuyCost(m.Liquidity, m.Outstanding, o, n)
	if err != nil {
		return Fill{}, err
	}
	amount, err := ToBaseUnits(cost, m.TokenDecimals, RoundUp)
	if err != nil {
		return Fill{}, err
	}
	if m.PooledBalance > math.MaxUint64-amount {
		return Fill{}, fmt.Errorf("pool overflow: %w", domain.ErrInvalidAmount)
	}

	m.Outstanding[o] += n
	m.Held[o] += n
	m.PooledBalance += amount
	reprice(&m)
	m.UpdatedAt = now

	p.Shares[o] += n
	p.UpdatedAt = now
	return Fill{Market: m, Position: p, Outcome: o, Shares: n, Amount: amount}, nil
}

// Sell takes n shares of o back from p.
func Sell(m domain.Market, p domain.Position, o domain.Outcome, n uint64, now time.Time) (Fill, error) {
	if err := checkTrade(m, o, n); err != nil {
		return Fill{}, err
	}
	if n > m.Outstanding[o] {
		return Fill{}, domain.ErrInsufficientLiquidity
	}
	if n > p.Shares[o] {
		return Fill{}, domain.ErrInsufficientShares
	}
	proceeds, err := lmsr.SellProceeds(m.Liquidity, m.Outstanding, o, n)
	if err != nil {
		return Fill{}, err
	}
	amount, err := ToBaseUnits(proceeds, m.TokenDecimals, RoundDown)
	if err != nil {
		return Fill{}, err
	}
	if amount > m.PooledBalance {
		return Fill{}, domain.ErrInsufficientPool
	}

	m.Outstanding[o] -= n
	m.Held[o] -= n
	m.PooledBalance -= amount
	reprice(&m)
	m.UpdatedAt = now

	p.Shares[o] -= n
	p.UpdatedAt = now
	return Fill{Market: m, Position: p, Outcome: o, Shares: n, Amount: amount}, nil
}

// ResolveRules bounds which oracle observations may settle a market.
type ResolveRules struct {
	MaxStaleness       time.Duration
	MaxConfidenceRatio float64 // 0 disables the check
}

// CanResolve reports whether m may be resolved at now, before any oracle is
// consulted.
func CanResolve(m domain.Market, now time.Time) error {
	if m.Resolved {
		return domain.ErrMarketResolved
	}
	if now.Before(m.ResolveFrom) {
		return domain.ErrResolveTooEarly
	}
	return nil
}

// CheckObservation validates obs for m. Staleness is measured at the earlier
// of now and the end of the window.
func CheckObservation(m domain.Market, obs domain.Observation, now time.Time, rules ResolveRules) error {
	if math.IsNaN(obs.Price) || math.IsInf(obs.Price, 0) || obs.Price <= 0 {
		return fmt.Errorf("observed price %v: %w", obs.Price, domain.ErrOracleUnavailable)
	}
	ref := now
	if m.ResolveTo.Before(ref) {
		ref = m.ResolveTo
	}
	if !m.Window().Contains(obs.PublishTime) {
		return fmt.Errorf("published %s outside window: %w", obs.PublishTime.Format(time.RFC3339), domain.ErrOracleStale)
	}
	if rules.MaxStaleness > 0 && obs.Age(ref) > rules.MaxStaleness {
		return fmt.Errorf("observation age %s exceeds %s: %w", obs.Age(ref), rules.MaxStaleness, domain.ErrOracleStale)
	}
	if rules.MaxConfidenceRatio > 0 && obs.Confidence/obs.Price > rules.MaxConfidenceRatio {
		return fmt.Errorf("confidence %v too wide for price %v: %w", obs.Confidence, obs.Price, domain.ErrOracleUnavailable)
	}
	return nil
}

// WinningOutcome maps an observed price to the outcome it settles.
func WinningOutcome(target, observed float64) domain.Outcome {
	if target >= observed {
		return domain.OutcomeZero
	}
	return domain.OutcomeOne
}

// Resolve settles m against obs.
func Resolve(m domain.Market, obs domain.Observation, now time.Time, rules ResolveRules) (domain.Market, error) {
	if err := CanResolve(m, now); err != nil {
		return domain.Market{}, err
	}
	if err := CheckObservation(m, obs, now, rules); err != nil {
		return domain.Market{}, err
	}
	w := WinningOutcome(m.TargetPrice, obs.Price)
	price := obs.Price
	at := now
	m.Resolved = true
	m.Outcome = &w
	m.ResolutionPrice = &price
	m.ResolvedAt = &at
	m.UpdatedAt = now
	return m, nil
}

// Redeem pays p its pro-rata share of the pool for the winning outcome and
// retires those shares.
func Redeem(m domain.Market, p domain.Position, now time.Time) (Fill, error) {
	if !m.Resolved || m.Outcome == nil {
		return Fill{}, domain.ErrMarketNotResolved
	}
	w := *m.Outcome
	n := p.Shares[w]
	if n == 0 && p.RedeemedAt != nil {
		return Fill{}, domain.ErrNothingToRedeem
	}
	if m.Held[w] == 0 {
		return Fill{}, domain.ErrNoWinningClaims
	}
	if n == 0 {
		return Fill{}, domain.ErrNothingToRedeem
	}
	if n > m.Held[w] {
		return Fill{}, fmt.Errorf("position holds %d of %d issued shares: %w", n, m.Held[w], domain.ErrInsufficientPool)
	}
	payout, err := ProRata(n, m.PooledBalance, m.Held[w])
	if err != nil {
		return Fill{}, err
	}
	if payout > m.PooledBalance {
		return Fill{}, domain.ErrInsufficientPool
	}

	m.PooledBalance -= payout
	m.Held[w] -= n
	m.UpdatedAt = now

	at := now
	p.Shares[w] = 0
	p.RedeemedAt = &at
	p.UpdatedAt = now
	return Fill{Market: m, Position: p, Outcome: w, Shares: n, Amount: payout}, nil
}
