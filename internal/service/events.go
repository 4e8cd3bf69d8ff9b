package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

const (
	// ChannelMarkets carries every market event.
	ChannelMarkets = "markets"
	// StreamTrades is the durable journal of committed events.
	StreamTrades = "lmsr:trades"
	// EventTransferPending is the audit event for a transfer custody accepted
	// but could not confirm.
	EventTransferPending = "transfer.pending"
)

// ChannelMarket returns the per-market pub/sub channel.
func ChannelMarket(id uint64) string {
	return fmt.Sprintf("market:%d", id)
}

// MarketEvent is the payload published after each committed operation.
type MarketEvent struct {
	Event  string        `json:"event"`
	Market domain.Market `json:"market"`
	Trade  domain.Trade  `json:"trade"`
}

// committed refreshes the cache, publishes the event and records an audit
// row. Failures are logged and never undo the commit.
func (s *MarketService) committed(ctx context.Context, m domain.Market, t domain.Trade) {
	if s.cache != nil {
		if err := s.cache.Set(ctx, m); err != nil {
			s.logger.WarnContext(ctx, "cache set failed",
				slog.Uint64("market_id", m.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	event := "market." + string(t.Kind)
	if s.bus != nil {
		payload, err := json.Marshal(MarketEvent{Event: event, Market: m, Trade: t})
		if err == nil {
			for _, ch := range []string{ChannelMarket(m.ID), ChannelMarkets} {
				if pubErr := s.bus.Publish(ctx, ch, payload); pubErr != nil {
					s.logger.WarnContext(ctx, "publish event failed",
						slog.String("channel", ch),
						slog.String("error", pubErr.Error()),
					)
				}
			}
			if err := s.bus.StreamAppend(ctx, StreamTrades, payload); err != nil {
				s.logger.WarnContext(ctx, "stream append failed",
					slog.Uint64("market_id", m.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if s.audit != nil {
		detail := map[string]any{
			"market_id":      m.ID,
			"trade_id":       t.ID,
			"user":           t.User,
			"shares":         t.Shares,
			"amount":         t.Amount,
			"pooled_balance": m.PooledBalance,
		}
		if t.Outcome != nil {
			detail["outcome"] = int(*t.Outcome)
		}
		if err := s.audit.Log(ctx, event, detail); err != nil {
			s.logger.WarnContext(ctx, "audit log failed",
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
		}
	}
}

// transferPending records a transfer whose outcome custody could not
// confirm. committed tells Reconcile which way the ledger went: a committed
// payout must settle, a rolled back deposit must revert.
func (s *MarketService) transferPending(ctx context.Context, p pendingTransfer, committed bool) {
	s.logger.ErrorContext(ctx, "token transfer pending",
		slog.Uint64("market_id", p.MarketID),
		slog.String("trade_id", p.TradeID),
		slog.String("tx", p.Ref),
		slog.String("from", p.From),
		slog.String("to", p.To),
		slog.Uint64("amount", p.Amount),
		slog.Bool("ledger_committed", committed),
		slog.Any("error", p.Cause),
	)
	if s.audit == nil {
		return
	}
	detail := map[string]any{
		"market_id": p.MarketID,
		"trade_id":  p.TradeID,
		"ref":       p.Ref,
		"from":      p.From,
		"to":        p.To,
		"amount":    p.Amount,
		"committed": committed,
	}
	if err := s.audit.Log(ctx, EventTransferPending, detail); err != nil {
		s.logger.ErrorContext(ctx, "audit log failed",
			slog.String("event", EventTransferPending),
			slog.String("tx", p.Ref),
			slog.String("error", err.Error()),
		)
	}
}
