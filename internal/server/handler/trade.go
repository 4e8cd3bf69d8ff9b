package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/service"
)

// TradeService is the part of the market service the trading endpoints use.
type TradeService interface {
	Buy(ctx context.Context, id uint64, user string, outcome domain.Outcome, shares uint64) (service.TradeResult, error)
	Sell(ctx context.Context, id uint64, user string, outcome domain.Outcome, shares uint64) (service.TradeResult, error)
	Redeem(ctx context.Context, id uint64, user string) (service.TradeResult, error)
	Quote(ctx context.Context, id uint64, side service.QuoteSide, outcome domain.Outcome, shares uint64) (service.TradeQuote, error)
	QuoteBudget(ctx context.Context, id uint64, outcome domain.Outcome, budget uint64) (service.TradeQuote, error)
}

// TradeHandler serves quote, trade and redemption endpoints.
type TradeHandler struct {
	trades TradeService
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(trades TradeService, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{trades: trades, logger: logger}
}

type tradeRequest struct {
	User    string         `json:"user"`
	Outcome domain.Outcome `json:"outcome"`
	Shares  uint64         `json:"shares"`
}

// Buy purchases shares of one outcome.
// POST /api/markets/{id}/buy
func (h *TradeHandler) Buy(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, "buy", h.trades.Buy)
}

// Sell returns shares of one outcome to the market.
// POST /api/markets/{id}/sell
func (h *TradeHandler) Sell(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, "sell", h.trades.Sell)
}

func (h *TradeHandler) trade(w http.ResponseWriter, r *http.Request, op string,
	do func(context.Context, uint64, string, domain.Outcome, uint64) (service.TradeResult, error)) {
	id, err := marketID(r)
	if err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return
	}
	var req tradeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := do(r.Context(), id, req.User, req.Outcome, req.Shares)
	if err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Redeem pays out a user's winning shares.
// POST /api/markets/{id}/redeem
func (h *TradeHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "redeem", err)
		return
	}
	var req struct {
		User string `json:"user"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.trades.Redeem(r.Context(), id, req.User)
	if err != nil {
		writeServiceError(w, r, h.logger, "redeem", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Quote prices a trade without executing it. With budget set it returns the
// largest buy the budget covers instead.
// GET /api/markets/{id}/quote?side=buy&outcome=1&shares=10
// GET /api/markets/{id}/quote?outcome=1&budget=5000000
func (h *TradeHandler) Quote(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "quote", err)
		return
	}
	q := r.URL.Query()
	outcome, err := parseOutcome(q.Get("outcome"))
	if err != nil {
		writeServiceError(w, r, h.logger, "quote", err)
		return
	}

	var tq service.TradeQuote
	if raw := q.Get("budget"); raw != "" {
		budget, perr := parseAmount("budget", raw)
		if perr != nil {
			writeServiceError(w, r, h.logger, "quote", perr)
			return
		}
		tq, err = h.trades.QuoteBudget(r.Context(), id, outcome, budget)
	} else {
		shares, perr := parseAmount("shares", q.Get("shares"))
		if perr != nil {
			writeServiceError(w, r, h.logger, "quote", perr)
			return
		}
		side := service.QuoteSide(q.Get("side"))
		if side == "" {
			side = service.QuoteSideBuy
		}
		tq, err = h.trades.Quote(r.Context(), id, side, outcome, shares)
	}
	if err != nil {
		writeServiceError(w, r, h.logger, "quote", err)
		return
	}
	writeJSON(w, http.StatusOK, tq)
}

func parseAmount(name, raw string) (uint64, error) {
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", name, raw, domain.ErrInvalidAmount)
	}
	return n, nil
}
