package metrics

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/stockledger/stockledger/internal/platform/httpx"
)

// Handler wires HTTP endpoints for reorder metrics.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the metrics handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers metric routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/reorder", h.handleGetReorder)
	r.Post("/reorder/recompute", h.handleRecompute)
	r.Get("/low-stock", h.handleLowStock)
}

func (h *Handler) handleGetReorder(w http.ResponseWriter, r *http.Request) {
	productID, warehouseID, ok := pairParams(r)
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "product_id and warehouse_id are required")
		return
	}
	metric, err := h.service.GetReorder(r.Context(), productID, warehouseID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, metric)
}

func (h *Handler) handleRecompute(w http.ResponseWriter, r *http.Request) {
	productID, warehouseID, ok := pairParams(r)
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "product_id and warehouse_id are required")
		return
	}
	metric, err := h.service.RecomputeReorder(r.Context(), productID, warehouseID)
	if err != nil {
		h.logger.Warn("reorder recompute failed",
			slog.Int64("product_id", productID), slog.Int64("warehouse_id", warehouseID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, metric)
}

func (h *Handler) handleLowStock(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := h.service.ListLowStock(r.Context(), limit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items})
}

func pairParams(r *http.Request) (int64, int64, bool) {
	q := r.URL.Query()
	productID, err1 := strconv.ParseInt(q.Get("product_id"), 10, 64)
	warehouseID, err2 := strconv.ParseInt(q.Get("warehouse_id"), 10, 64)
	return productID, warehouseID, err1 == nil && err2 == nil && productID > 0 && warehouseID > 0
}
