package domain

import (
	"fmt"
	"time"
)

// Outcome indexes one of the two complementary outcomes of a market.
type Outcome uint8

const (
	// OutcomeZero wins when the target price is at or above the observed price.
	OutcomeZero Outcome = 0
	// OutcomeOne wins when the observed price exceeds the target price.
	OutcomeOne Outcome = 1
)

// Valid reports whether o is 0 or 1.
func (o Outcome) Valid() bool {
	return o == OutcomeZero || o == OutcomeOne
}

// Other returns the complementary outcome.
func (o Outcome) Other() Outcome {
	return 1 - o
}

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusOpen     MarketStatus = "open"
	MarketStatusResolved MarketStatus = "resolved"
)

// Market is the settlement record of one binary event. Outstanding holds the
// LMSR quantities q0/q1; Held holds the shares actually issued to users, which
// is what redemption is measured against.
type Market struct {
	ID              uint64     `json:"id"`
	Creator         string     `json:"creator"`
	TargetPrice     float64    `json:"target_price"`
	PriceFeedID     string     `json:"price_feed_id"`
	CreatedAt       time.Time  `json:"created_at"`
	ResolveFrom     time.Time  `json:"resolve_from"`
	ResolveTo       time.Time  `json:"resolve_to"`
	SubsidyAmount   uint64     `json:"subsidy_amount"` // whole token units
	Liquidity       float64    `json:"liquidity"`      // LMSR b
	TokenDecimals   uint8      `json:"token_decimals"`
	PooledBalance   uint64     `json:"pooled_balance"` // base units
	Outstanding     [2]uint64  `json:"outstanding"`
	Held            [2]uint64  `json:"held"`
	Prices          [2]float64 `json:"prices"`
	Resolved        bool       `json:"resolved"`
	Outcome         *Outcome   `json:"outcome,omitempty"`
	ResolutionPrice *float64   `json:"resolution_price,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Status derives the lifecycle state from the resolution flag.
func (m Market) Status() MarketStatus {
	if m.Resolved {
		return MarketStatusResolved
	}
	return MarketStatusOpen
}

// Window returns the resolution window of the market.
func (m Market) Window() Window {
	return Window{From: m.ResolveFrom, To: m.ResolveTo}
}

// MarketAccount names the custody account that holds a market's pooled
// balance.
func MarketAccount(id uint64) string {
	return fmt.Sprintf("market:%d", id)
}

// Window is an inclusive time range.
type Window struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t lies within the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && !t.After(w.To)
}

// MarketFilter narrows market listings.
type MarketFilter struct {
	Status MarketStatus // empty matches all
	Opts   ListOpts
}
