package stock

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/stockledger/stockledger/internal/platform/httpx"
	"github.com/stockledger/stockledger/internal/shared"
)

// SubmitOutcome reports whether a mutation executed or was deferred for review.
type SubmitOutcome struct {
	Deferred          bool
	ApprovalRequestID int64
	Result            MutationResult
}

// Gate routes mutations through the approval workflow before execution.
type Gate interface {
	SubmitReceive(ctx context.Context, input ReceiveInput) (SubmitOutcome, error)
	SubmitSale(ctx context.Context, input SaleInput) (SubmitOutcome, error)
	SubmitAdjust(ctx context.Context, input AdjustInput) (SubmitOutcome, error)
	SubmitTransfer(ctx context.Context, input TransferInput) (SubmitOutcome, error)
}

// Handler wires HTTP endpoints for the stock ledger.
type Handler struct {
	logger   *slog.Logger
	gate     Gate
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the stock handler.
func NewHandler(logger *slog.Logger, gate Gate, service *Service) *Handler {
	return &Handler{logger: logger, gate: gate, service: service, validate: validator.New()}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/receipts", h.handleReceive)
	r.Post("/sales", h.handleSale)
	r.Post("/adjustments", h.handleAdjust)
	r.Post("/transfers", h.handleTransfer)
	r.Get("/movements", h.handleMovements)
}

type receiveRequest struct {
	ProductID     int64           `json:"product_id" validate:"required"`
	WarehouseID   int64           `json:"warehouse_id" validate:"required"`
	Quantity      decimal.Decimal `json:"quantity" validate:"required"`
	RefNumber     string          `json:"ref_number"`
	Notes         string          `json:"notes"`
	BatchID       *int64          `json:"batch_id"`
	Batch         *batchRequest   `json:"batch"`
	SerialNumbers []string        `json:"serial_numbers"`
}

type batchRequest struct {
	Number          string     `json:"number" validate:"required"`
	Barcode         string     `json:"barcode"`
	ManufactureDate *time.Time `json:"manufacture_date"`
	ExpiryDate      *time.Time `json:"expiry_date"`
}

type saleRequest struct {
	ProductID     int64           `json:"product_id" validate:"required"`
	WarehouseID   int64           `json:"warehouse_id" validate:"required"`
	Quantity      decimal.Decimal `json:"quantity" validate:"required"`
	BatchID       *int64          `json:"batch_id"`
	SerialNumbers []string        `json:"serial_numbers"`
	RefNumber     string          `json:"ref_number"`
	Notes         string          `json:"notes"`
}

type adjustRequest struct {
	ProductID     int64           `json:"product_id" validate:"required"`
	WarehouseID   int64           `json:"warehouse_id" validate:"required"`
	BatchID       *int64          `json:"batch_id"`
	Method        string          `json:"method" validate:"required,oneof=increase decrease set"`
	Quantity      decimal.Decimal `json:"quantity"`
	SerialNumbers []string        `json:"serial_numbers"`
	Reason        string          `json:"reason" validate:"required"`
	Notes         string          `json:"notes"`
}

type transferRequest struct {
	ProductID     int64           `json:"product_id" validate:"required"`
	FromWarehouse int64           `json:"from_warehouse_id" validate:"required"`
	ToWarehouse   int64           `json:"to_warehouse_id" validate:"required"`
	BatchID       *int64          `json:"batch_id"`
	Quantity      decimal.Decimal `json:"quantity" validate:"required"`
	SerialNumbers []string        `json:"serial_numbers"`
	Notes         string          `json:"notes"`
}

type outcomeResponse struct {
	Status            string         `json:"status"`
	ApprovalRequestID int64          `json:"approval_request_id,omitempty"`
	Movements         []movementView `json:"movements,omitempty"`
	Balances          []balanceView  `json:"balances,omitempty"`
}

type movementView struct {
	ID          int64  `json:"id"`
	ProductID   int64  `json:"product_id"`
	WarehouseID int64  `json:"warehouse_id"`
	BatchID     *int64 `json:"batch_id,omitempty"`
	Type        string `json:"type"`
	Quantity    string `json:"quantity"`
	Effect      string `json:"effect"`
	RefType     string `json:"ref_type"`
	RefID       string `json:"ref_id,omitempty"`
	RefNumber   string `json:"ref_number,omitempty"`
	Notes       string `json:"notes,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
}

type balanceView struct {
	ProductID   int64  `json:"product_id"`
	WarehouseID int64  `json:"warehouse_id"`
	BatchID     *int64 `json:"batch_id,omitempty"`
	Quantity    string `json:"quantity"`
	Available   string `json:"available"`
}

func (h *Handler) handleReceive(w http.ResponseWriter, r *http.Request) {
	var req receiveRequest
	if err := h.decode(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := ReceiveInput{
		ProductID:     req.ProductID,
		WarehouseID:   req.WarehouseID,
		Quantity:      req.Quantity,
		RefNumber:     req.RefNumber,
		Notes:         req.Notes,
		ActorID:       shared.ActorFromContext(r.Context()).ID,
		BatchID:       req.BatchID,
		SerialNumbers: req.SerialNumbers,
	}
	if req.Batch != nil {
		input.Batch = &BatchInput{Number: req.Batch.Number, Barcode: req.Batch.Barcode}
		if req.Batch.ManufactureDate != nil {
			input.Batch.ManufactureDate = *req.Batch.ManufactureDate
		}
		if req.Batch.ExpiryDate != nil {
			input.Batch.ExpiryDate = *req.Batch.ExpiryDate
		}
	}
	h.respondOutcome(w, r, func(ctx context.Context) (SubmitOutcome, error) {
		return h.gate.SubmitReceive(ctx, input)
	})
}

func (h *Handler) handleSale(w http.ResponseWriter, r *http.Request) {
	var req saleRequest
	if err := h.decode(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := SaleInput{
		ProductID:     req.ProductID,
		WarehouseID:   req.WarehouseID,
		Quantity:      req.Quantity,
		BatchID:       req.BatchID,
		SerialNumbers: req.SerialNumbers,
		RefNumber:     req.RefNumber,
		Notes:         req.Notes,
		ActorID:       shared.ActorFromContext(r.Context()).ID,
	}
	h.respondOutcome(w, r, func(ctx context.Context) (SubmitOutcome, error) {
		return h.gate.SubmitSale(ctx, input)
	})
}

func (h *Handler) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := h.decode(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := AdjustInput{
		ProductID:     req.ProductID,
		WarehouseID:   req.WarehouseID,
		BatchID:       req.BatchID,
		Method:        AdjustMethod(req.Method),
		Quantity:      req.Quantity,
		SerialNumbers: req.SerialNumbers,
		Reason:        req.Reason,
		Notes:         req.Notes,
		ActorID:       shared.ActorFromContext(r.Context()).ID,
	}
	h.respondOutcome(w, r, func(ctx context.Context) (SubmitOutcome, error) {
		return h.gate.SubmitAdjust(ctx, input)
	})
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := h.decode(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := TransferInput{
		ProductID:     req.ProductID,
		FromWarehouse: req.FromWarehouse,
		ToWarehouse:   req.ToWarehouse,
		BatchID:       req.BatchID,
		Quantity:      req.Quantity,
		SerialNumbers: req.SerialNumbers,
		Notes:         req.Notes,
		ActorID:       shared.ActorFromContext(r.Context()).ID,
	}
	h.respondOutcome(w, r, func(ctx context.Context) (SubmitOutcome, error) {
		return h.gate.SubmitTransfer(ctx, input)
	})
}

func (h *Handler) handleMovements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := MovementFilter{}
	filter.ProductID, _ = strconv.ParseInt(q.Get("product_id"), 10, 64)
	filter.WarehouseID, _ = strconv.ParseInt(q.Get("warehouse_id"), 10, 64)
	if batchStr := q.Get("batch_id"); batchStr != "" {
		if id, err := strconv.ParseInt(batchStr, 10, 64); err == nil {
			filter.BatchID = &id
		}
	}
	if from := q.Get("from"); from != "" {
		if t, err := time.Parse("2006-01-02", from); err == nil {
			filter.From = t
		}
	}
	if to := q.Get("to"); to != "" {
		if t, err := time.Parse("2006-01-02", to); err == nil {
			filter.To = t
		}
	}
	if limit := q.Get("limit"); limit != "" {
		filter.Limit, _ = strconv.Atoi(limit)
	}
	movements, err := h.service.ListMovements(r.Context(), filter)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	views := make([]movementView, 0, len(movements))
	for _, m := range movements {
		views = append(views, toMovementView(m))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"movements": views})
}

func (h *Handler) respondOutcome(w http.ResponseWriter, r *http.Request, submit func(context.Context) (SubmitOutcome, error)) {
	outcome, err := submit(r.Context())
	if err != nil {
		h.logger.Warn("stock mutation rejected", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if outcome.Deferred {
		httpx.JSON(w, http.StatusAccepted, outcomeResponse{
			Status:            "pending_approval",
			ApprovalRequestID: outcome.ApprovalRequestID,
		})
		return
	}
	resp := outcomeResponse{Status: "executed"}
	for _, m := range outcome.Result.Movements {
		resp.Movements = append(resp.Movements, toMovementView(m))
	}
	for _, b := range outcome.Result.Balances {
		resp.Balances = append(resp.Balances, balanceView{
			ProductID:   b.ProductID,
			WarehouseID: b.WarehouseID,
			BatchID:     b.BatchID,
			Quantity:    b.Quantity.String(),
			Available:   b.Available().String(),
		})
	}
	httpx.JSON(w, http.StatusCreated, resp)
}

func (h *Handler) decode(r *http.Request, target any) error {
	if err := httpx.DecodeJSON(r, target); err != nil {
		return err
	}
	return h.validate.Struct(target)
}

func toMovementView(m Movement) movementView {
	view := movementView{
		ID:          m.ID,
		ProductID:   m.ProductID,
		WarehouseID: m.WarehouseID,
		BatchID:     m.BatchID,
		Type:        string(m.Type),
		Quantity:    m.Quantity.String(),
		Effect:      m.Effect.String(),
		RefType:     string(m.RefType),
		RefID:       m.RefID,
		RefNumber:   m.RefNumber,
		Notes:       m.Notes,
	}
	if !m.CreatedAt.IsZero() {
		view.CreatedAt = m.CreatedAt.UTC().Format(time.RFC3339)
	}
	return view
}
