package market

import (
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

// Rounding selects the direction a fractional base-unit amount is rounded.
type Rounding int

const (
	// RoundUp is used for amounts paid into the pool.
	RoundUp Rounding = iota
	// RoundDown is used for amounts paid out of the pool.
	RoundDown
)

func fromUint64(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

func toUint64(d decimal.Decimal) (uint64, error) {
	bi := d.BigInt()
	if bi.Sign() < 0 || !bi.IsUint64() {
		return 0, fmt.Errorf("market: amount %s out of range: %w", d.String(), domain.ErrInvalidAmount)
	}
	return bi.Uint64(), nil
}

// WholeToBase scales a whole-token amount to base units.
func WholeToBase(whole uint64, decimals uint8) (uint64, error) {
	return toUint64(fromUint64(whole).Shift(int32(decimals)))
}

// ToBaseUnits converts a whole-token float amount to base units.
func ToBaseUnits(amount float64, decimals uint8, r Rounding) (uint64, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0, fmt.Errorf("market: amount %v: %w", amount, domain.ErrInvalidAmount)
	}
	if amount < 0 {
		amount = 0
	}
	d := decimal.NewFromFloat(amount).Shift(int32(decimals))
	if r == RoundUp {
		d = d.Ceil()
	} else {
		d = d.Floor()
	}
	return toUint64(d)
}

// BaseToWhole converts base units to a whole-token decimal for display.
func BaseToWhole(base uint64, decimals uint8) decimal.Decimal {
	return fromUint64(base).Shift(-int32(decimals))
}

// ProRata returns shares·pool/held truncated toward zero, computed without
// intermediate overflow.
func ProRata(shares, pool, held uint64) (uint64, error) {
	if held == 0 {
		return 0, domain.ErrNoWinningClaims
	}
	q, _ := fromUint64(shares).Mul(fromUint64(pool)).QuoRem(fromUint64(held), 0)
	return toUint64(q)
}
