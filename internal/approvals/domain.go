package approvals

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockledger/stockledger/internal/stock"
)

// EntityType enumerates the gated mutation kinds.
type EntityType string

const (
	EntityPurchaseReceive EntityType = "PURCHASE_RECEIVE"
	EntitySaleConfirm     EntityType = "SALE_CONFIRM"
	EntityStockAdjustment EntityType = "STOCK_ADJUSTMENT"
	EntityStockTransfer   EntityType = "STOCK_TRANSFER"
)

// Status enumerates the request lifecycle. PENDING is the only non-terminal state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusCancelled Status = "CANCELLED"
)

// ManagePermission allows cancelling requests on behalf of other requesters.
const ManagePermission = "approvals.manage"

// Policy configures gating per entity type. A missing row means not enabled.
type Policy struct {
	EntityType       EntityType
	Enabled          bool
	ReviewPermission string
	MinAmount        *decimal.Decimal
	WarehouseID      *int64
}

// Applies reports whether the policy defers a mutation with the given total
// amount targeting the given warehouse.
func (p Policy) Applies(amount decimal.Decimal, warehouseID int64) bool {
	if !p.Enabled {
		return false
	}
	if p.WarehouseID != nil && *p.WarehouseID != warehouseID {
		return false
	}
	if p.MinAmount != nil && amount.LessThan(*p.MinAmount) {
		return false
	}
	return true
}

// EntitySummary is the variant payload describing a staged mutation for
// reviewers. Each entity type carries its own strongly-typed summary.
type EntitySummary interface {
	SummaryType() EntityType
}

// ReceiveSummary summarises a staged purchase receipt.
type ReceiveSummary struct {
	ProductID   int64           `json:"product_id"`
	WarehouseID int64           `json:"warehouse_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	Amount      decimal.Decimal `json:"amount"`
	SerialCount int             `json:"serial_count,omitempty"`
}

// SummaryType implements EntitySummary.
func (ReceiveSummary) SummaryType() EntityType { return EntityPurchaseReceive }

// SaleSummary summarises a staged sale confirmation.
type SaleSummary struct {
	ProductID   int64           `json:"product_id"`
	WarehouseID int64           `json:"warehouse_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	Amount      decimal.Decimal `json:"amount"`
}

// SummaryType implements EntitySummary.
func (SaleSummary) SummaryType() EntityType { return EntitySaleConfirm }

// AdjustmentSummary summarises a staged adjustment.
type AdjustmentSummary struct {
	ProductID   int64           `json:"product_id"`
	WarehouseID int64           `json:"warehouse_id"`
	Method      string          `json:"method"`
	Quantity    decimal.Decimal `json:"quantity"`
	Reason      string          `json:"reason"`
}

// SummaryType implements EntitySummary.
func (AdjustmentSummary) SummaryType() EntityType { return EntityStockAdjustment }

// TransferSummary summarises a staged transfer.
type TransferSummary struct {
	ProductID     int64           `json:"product_id"`
	FromWarehouse int64           `json:"from_warehouse_id"`
	ToWarehouse   int64           `json:"to_warehouse_id"`
	Quantity      decimal.Decimal `json:"quantity"`
}

// SummaryType implements EntitySummary.
func (TransferSummary) SummaryType() EntityType { return EntityStockTransfer }

// Request is one pending or resolved approval gate on a mutation.
type Request struct {
	ID             int64
	EntityType     EntityType
	StagedID       int64
	Status         Status
	RequesterID    int64
	ReviewerID     *int64
	RequestComment string
	ReviewComment  string
	Summary        EntitySummary
	RequestedAt    time.Time
	ReviewedAt     *time.Time
	// ExecutedAt is stamped once the staged mutation has committed. An
	// APPROVED request without it is a stalled execution the integrity
	// scan reports for reconciliation.
	ExecutedAt *time.Time
}

// StagedPayload holds the original mutation input awaiting review.
type StagedPayload struct {
	ID         int64
	EntityType EntityType
	Data       []byte
	CreatedAt  time.Time
}

// ApproveResult reports the outcome of an approve call. Execution is the
// deferred mutation finally taking effect; it happens at most once.
type ApproveResult struct {
	AlreadyApproved bool
	Request         Request
	Executed        stock.MutationResult
}
