package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/service"
)

// MarketService is the part of the market service the market endpoints use.
type MarketService interface {
	CreateMarket(ctx context.Context, req service.CreateRequest) (domain.Market, error)
	GetMarket(ctx context.Context, id uint64) (domain.Market, error)
	ListMarkets(ctx context.Context, filter domain.MarketFilter) ([]domain.Market, error)
	Resolve(ctx context.Context, id uint64) (domain.Market, error)
	Reconcile(ctx context.Context, id uint64) (service.Report, error)
}

// MarketHandler serves market lifecycle endpoints.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{markets: markets, logger: logger}
}

type listMarketsResponse struct {
	Markets []domain.Market `json:"markets"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// ListMarkets returns markets, optionally filtered by status.
// GET /api/markets?status=open&limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	filter := domain.MarketFilter{Opts: parseListOpts(r)}
	switch s := domain.MarketStatus(r.URL.Query().Get("status")); s {
	case "", domain.MarketStatusOpen, domain.MarketStatusResolved:
		filter.Status = s
	default:
		writeError(w, http.StatusBadRequest, "status must be open or resolved")
		return
	}

	markets, err := h.markets.ListMarkets(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, h.logger, "list markets", err)
		return
	}
	if markets == nil {
		markets = []domain.Market{}
	}
	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: markets,
		Limit:   filter.Opts.Limit,
		Offset:  filter.Opts.Offset,
	})
}

// CreateMarket opens a market funded by the creator's subsidy.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req service.CreateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	m, err := h.markets.CreateMarket(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, "create market", err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// GetMarket returns a single market by its ID.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "get market", err)
		return
	}
	m, err := h.markets.GetMarket(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "get market", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Resolve settles a market against the oracle.
// POST /api/markets/{id}/resolve
func (h *MarketHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "resolve", err)
		return
	}
	m, err := h.markets.Resolve(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "resolve", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Reconcile checks a market's record against its journal and custody.
// GET /api/markets/{id}/reconcile
func (h *MarketHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "reconcile", err)
		return
	}
	rep, err := h.markets.Reconcile(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "reconcile", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": rep.OK(), "report": rep})
}
