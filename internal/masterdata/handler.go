package masterdata

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stockledger/stockledger/internal/platform/httpx"
)

// Handler serves product and warehouse lookups.
type Handler struct {
	repo *Repository
}

// NewHandler constructs the masterdata handler.
func NewHandler(repo *Repository) *Handler {
	return &Handler{repo: repo}
}

// MountRoutes registers masterdata routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/products", h.handleListProducts)
	r.Get("/products/{id}", h.handleGetProduct)
	r.Get("/warehouses", h.handleListWarehouses)
	r.Get("/warehouses/{id}", h.handleGetWarehouse)
}

type productView struct {
	ID            int64  `json:"id"`
	SKU           string `json:"sku"`
	Name          string `json:"name"`
	TracksBatches bool   `json:"tracks_batches"`
	TracksSerials bool   `json:"tracks_serials"`
	UnitCost      string `json:"unit_cost"`
	ReorderPoint  string `json:"reorder_point"`
	LeadTimeDays  int    `json:"lead_time_days"`
	SafetyStock   string `json:"safety_stock"`
	CreatedAt     string `json:"created_at,omitempty"`
}

type warehouseView struct {
	ID        int64  `json:"id"`
	Code      string `json:"code"`
	Name      string `json:"name"`
	Address   string `json:"address,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

func (h *Handler) handleListProducts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	products, err := h.repo.ListProducts(r.Context(), limit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	views := make([]productView, 0, len(products))
	for _, product := range products {
		views = append(views, toProductView(product))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"products": views})
}

func (h *Handler) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "product id must be numeric")
		return
	}
	product, err := h.repo.GetProduct(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toProductView(product))
}

func (h *Handler) handleListWarehouses(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	warehouses, err := h.repo.ListWarehouses(r.Context(), limit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	views := make([]warehouseView, 0, len(warehouses))
	for _, warehouse := range warehouses {
		views = append(views, toWarehouseView(warehouse))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"warehouses": views})
}

func (h *Handler) handleGetWarehouse(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "warehouse id must be numeric")
		return
	}
	warehouse, err := h.repo.GetWarehouse(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toWarehouseView(warehouse))
}

func toProductView(product Product) productView {
	view := productView{
		ID:            product.ID,
		SKU:           product.SKU,
		Name:          product.Name,
		TracksBatches: product.TracksBatches,
		TracksSerials: product.TracksSerials,
		UnitCost:      product.UnitCost.String(),
		ReorderPoint:  product.ReorderPoint.String(),
		LeadTimeDays:  product.LeadTimeDays,
		SafetyStock:   product.SafetyStock.String(),
	}
	if !product.CreatedAt.IsZero() {
		view.CreatedAt = product.CreatedAt.UTC().Format(time.RFC3339)
	}
	return view
}

func toWarehouseView(warehouse Warehouse) warehouseView {
	view := warehouseView{
		ID:      warehouse.ID,
		Code:    warehouse.Code,
		Name:    warehouse.Name,
		Address: warehouse.Address,
	}
	if !warehouse.CreatedAt.IsZero() {
		view.CreatedAt = warehouse.CreatedAt.UTC().Format(time.RFC3339)
	}
	return view
}
