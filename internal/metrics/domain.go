package metrics

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultLookbackDays is the sales velocity window when none is configured.
const DefaultLookbackDays = 30

// ReorderMetric is the derived reorder state of one (product, warehouse) pair.
type ReorderMetric struct {
	ProductID         int64            `json:"product_id"`
	WarehouseID       int64            `json:"warehouse_id"`
	OnHand            decimal.Decimal  `json:"on_hand"`
	AvgDailySales     decimal.Decimal  `json:"avg_daily_sales"`
	SuggestedQty      decimal.Decimal  `json:"suggested_reorder_qty"`
	DaysOfCover       *decimal.Decimal `json:"days_of_cover,omitempty"`
	PredictedStockout *time.Time       `json:"predicted_stockout,omitempty"`
	LookbackDays      int              `json:"lookback_days"`
	ComputedAt        time.Time        `json:"computed_at"`
}

// LowStockItem is one product sitting at or below its reorder point.
type LowStockItem struct {
	ProductID    int64           `json:"product_id"`
	SKU          string          `json:"sku"`
	Name         string          `json:"name"`
	WarehouseID  int64           `json:"warehouse_id"`
	OnHand       decimal.Decimal `json:"on_hand"`
	ReorderPoint decimal.Decimal `json:"reorder_point"`
	SuggestedQty decimal.Decimal `json:"suggested_reorder_qty"`
}

// ErrNoReorderPolicy indicates the product carries no reorder configuration.
var ErrNoReorderPolicy = errors.New("metrics: product has no reorder policy")
