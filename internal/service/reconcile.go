package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

// Discrepancy is one mismatch found by Reconcile.
type Discrepancy struct {
	Check    string `json:"check"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// Report is the outcome of reconciling one market.
type Report struct {
	MarketID      uint64        `json:"market_id"`
	Trades        int           `json:"trades"`
	Positions     int           `json:"positions"`
	Discrepancies []Discrepancy `json:"discrepancies,omitempty"`
}

// OK reports whether every check passed.
func (r Report) OK() bool {
	return len(r.Discrepancies) == 0
}

func (r *Report) mismatch(check string, expected, actual any) {
	r.Discrepancies = append(r.Discrepancies, Discrepancy{
		Check:    check,
		Expected: fmt.Sprint(expected),
		Actual:   fmt.Sprint(actual),
	})
}

// Reconcile replays a market's journal and positions against its stored
// state: the pool equals the sum of journal deltas, held shares equal the sum
// of positions, and the LMSR quantities equal the subsidy plus net trading.
// When custody can report balances, the market account must hold the pool.
// Every unconfirmed transfer recorded for the market must have landed the
// way the ledger went: settled if committed, reverted if rolled back.
func (s *MarketService) Reconcile(ctx context.Context, id uint64) (Report, error) {
	m, err := s.ledger.GetMarket(ctx, id)
	if err != nil {
		return Report{}, fmt.Errorf("market_service: reconcile %d: %w", id, err)
	}
	trades, err := s.ledger.ListTrades(ctx, id, domain.ListOpts{})
	if err != nil {
		return Report{}, fmt.Errorf("market_service: reconcile %d: %w", id, err)
	}
	positions, err := s.ledger.ListPositions(ctx, id)
	if err != nil {
		return Report{}, fmt.Errorf("market_service: reconcile %d: %w", id, err)
	}

	r := Report{MarketID: id, Trades: len(trades), Positions: len(positions)}

	var (
		pool   int64
		traded [2]int64
	)
	for _, t := range trades {
		pool += t.PoolDelta()
		if t.Outcome == nil {
			continue
		}
		switch t.Kind {
		case domain.TradeKindBuy:
			traded[*t.Outcome] += int64(t.Shares)
		case domain.TradeKindSell:
			traded[*t.Outcome] -= int64(t.Shares)
		}
	}
	if pool != int64(m.PooledBalance) {
		r.mismatch("pool_vs_journal", pool, m.PooledBalance)
	}

	var held [2]uint64
	for _, p := range positions {
		held[0] += p.Shares[0]
		held[1] += p.Shares[1]
	}
	if held != m.Held {
		r.mismatch("held_vs_positions", held, m.Held)
	}

	for o := range 2 {
		want := int64(m.SubsidyAmount) + traded[o]
		if want != int64(m.Outstanding[o]) {
			r.mismatch(fmt.Sprintf("outstanding_%d", o), want, m.Outstanding[o])
		}
	}

	if br, ok := s.custody.(domain.BalanceReader); ok {
		bal, err := br.Balance(ctx, domain.MarketAccount(id))
		if err != nil {
			return r, fmt.Errorf("market_service: reconcile %d: custody balance: %w", id, err)
		}
		if bal != m.PooledBalance {
			r.mismatch("custody_balance", m.PooledBalance, bal)
		}
	}

	if err := s.checkPendingTransfers(ctx, id, &r); err != nil {
		return r, fmt.Errorf("market_service: reconcile %d: %w", id, err)
	}

	if !r.OK() {
		s.logger.WarnContext(ctx, "reconcile found discrepancies",
			slog.Uint64("market_id", id),
			slog.Int("count", len(r.Discrepancies)),
		)
	}
	return r, nil
}

// transferStatusUnknown is reported when custody cannot look transfers up.
const transferStatusUnknown domain.TransferStatus = "unknown"

func (s *MarketService) checkPendingTransfers(ctx context.Context, id uint64, r *Report) error {
	if s.audit == nil {
		return nil
	}
	entries, err := s.audit.ListEvent(ctx, EventTransferPending, domain.ListOpts{})
	if err != nil {
		return fmt.Errorf("pending transfers: %w", err)
	}
	sr, _ := s.custody.(domain.TransferStatusReader)
	for _, e := range entries {
		if mid, ok := detailUint(e.Detail["market_id"]); !ok || mid != id {
			continue
		}
		ref, _ := e.Detail["ref"].(string)
		committed, _ := e.Detail["committed"].(bool)
		want := domain.TransferStatusReverted
		if committed {
			want = domain.TransferStatusSettled
		}
		got := transferStatusUnknown
		if sr != nil {
			if got, err = sr.TransferStatus(ctx, ref); err != nil {
				return fmt.Errorf("transfer %s: %w", ref, err)
			}
		}
		if got != want {
			r.mismatch("pending_transfer "+ref, want, got)
		}
	}
	return nil
}

// detailUint reads an integer from an audit detail. Values that went through
// JSON come back as float64.
func detailUint(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		return uint64(n), n >= 0
	case int:
		return uint64(n), n >= 0
	case float64:
		return uint64(n), n >= 0 && n == math.Trunc(n)
	case json.Number:
		u, err := strconv.ParseUint(n.String(), 10, 64)
		return u, err == nil
	}
	return 0, false
}
