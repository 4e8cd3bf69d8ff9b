package domain

import "time"

// Position is one user's claim on the outcomes of one market. Positions are
// created on first trade and kept forever, even at zero balance.
type Position struct {
	MarketID   uint64     `json:"market_id"`
	User       string     `json:"user"`
	Shares     [2]uint64  `json:"shares"`
	RedeemedAt *time.Time `json:"redeemed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// NewPosition returns the zero position of user in market.
func NewPosition(marketID uint64, user string, now time.Time) Position {
	return Position{
		MarketID:  marketID,
		User:      user,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
