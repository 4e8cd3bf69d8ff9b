package domain

import (
	"context"
	"time"
)

// TokenCustody moves settlement tokens between accounts. Amounts are in token
// base units. A returned error means nothing moved.
type TokenCustody interface {
	Transfer(ctx context.Context, from, to string, amount uint64) error
}

// Observation is one oracle reading. Confidence is the publisher's
// uncertainty interval in the same units as Price.
type Observation struct {
	Price       float64
	Confidence  float64
	PublishTime time.Time
}

// Age returns how old the observation is at ref.
func (o Observation) Age(ref time.Time) time.Duration {
	return ref.Sub(o.PublishTime)
}

// PriceOracle reads an asset price for a feed within a time window.
type PriceOracle interface {
	GetPrice(ctx context.Context, feedID string, window Window) (Observation, error)
}

// BalanceReader is implemented by custody backends that can report an
// account balance in base units.
type BalanceReader interface {
	Balance(ctx context.Context, account string) (uint64, error)
}

// TransferStatus is what custody knows about a transfer it could not confirm
// at the time.
type TransferStatus string

const (
	TransferStatusPending  TransferStatus = "pending"
	TransferStatusSettled  TransferStatus = "settled"
	TransferStatusReverted TransferStatus = "reverted"
)

// TransferStatusReader is implemented by custody backends that can look up a
// pending transfer by reference.
type TransferStatusReader interface {
	TransferStatus(ctx context.Context, ref string) (TransferStatus, error)
}
