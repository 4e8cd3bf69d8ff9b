package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

// PositionService defines the read paths the position endpoints need.
type PositionService interface {
	GetPosition(ctx context.Context, id uint64, user string) (domain.Position, error)
	ListUserPositions(ctx context.Context, user string, opts domain.ListOpts) ([]domain.Position, error)
	ListTrades(ctx context.Context, id uint64, opts domain.ListOpts) ([]domain.Trade, error)
}

// PositionHandler serves position and journal endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logger,
	}
}

// GetPosition returns one user's holding in a market.
// GET /api/markets/{id}/positions/{user}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "get position", err)
		return
	}
	p, err := h.positions.GetPosition(r.Context(), id, r.PathValue("user"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get position", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListUserPositions returns every market a user holds shares in.
// GET /api/users/{user}/positions
func (h *PositionHandler) ListUserPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.positions.ListUserPositions(r.Context(), r.PathValue("user"), parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "list positions", err)
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

// ListTrades returns a market's journal, oldest first.
// GET /api/markets/{id}/trades
func (h *PositionHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "list trades", err)
		return
	}
	trades, err := h.positions.ListTrades(r.Context(), id, parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "list trades", err)
		return
	}
	if trades == nil {
		trades = []domain.Trade{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades})
}
