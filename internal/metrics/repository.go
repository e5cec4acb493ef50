package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stockledger/stockledger/internal/shared"
)

// Repository reads sales history and persists computed reorder metrics.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// OutboundSince sums outbound sale quantities for a product in a warehouse
// since the given time.
func (r *Repository) OutboundSince(ctx context.Context, productID, warehouseID int64, since time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(quantity), 0)
FROM stock_movements
WHERE product_id=$1 AND warehouse_id=$2 AND type='OUT' AND ref_type='SALE' AND created_at >= $3`,
		productID, warehouseID, since).Scan(&total)
	return total, err
}

// OnHand sums balances across batches for a (product, warehouse) pair.
func (r *Repository) OnHand(ctx context.Context, productID, warehouseID int64) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(quantity), 0)
FROM stock_balances WHERE product_id=$1 AND warehouse_id=$2`, productID, warehouseID).Scan(&total)
	return total, err
}

// UpsertMetric persists a computed metric row.
func (r *Repository) UpsertMetric(ctx context.Context, metric ReorderMetric) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO reorder_metrics
(product_id, warehouse_id, on_hand, avg_daily_sales, suggested_qty, days_of_cover, predicted_stockout, lookback_days, computed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (product_id, warehouse_id) DO UPDATE SET
on_hand=EXCLUDED.on_hand, avg_daily_sales=EXCLUDED.avg_daily_sales,
suggested_qty=EXCLUDED.suggested_qty, days_of_cover=EXCLUDED.days_of_cover,
predicted_stockout=EXCLUDED.predicted_stockout, lookback_days=EXCLUDED.lookback_days,
computed_at=EXCLUDED.computed_at`,
		metric.ProductID, metric.WarehouseID, metric.OnHand, metric.AvgDailySales,
		metric.SuggestedQty, metric.DaysOfCover, metric.PredictedStockout,
		metric.LookbackDays, metric.ComputedAt)
	return err
}

// GetMetric loads the persisted metric for a pair. A missing row maps to
// shared.ErrNotFound so callers can recompute on miss.
func (r *Repository) GetMetric(ctx context.Context, productID, warehouseID int64) (ReorderMetric, error) {
	var metric ReorderMetric
	err := r.pool.QueryRow(ctx, `SELECT product_id, warehouse_id, on_hand, avg_daily_sales, suggested_qty, days_of_cover, predicted_stockout, lookback_days, computed_at
FROM reorder_metrics WHERE product_id=$1 AND warehouse_id=$2`, productID, warehouseID).
		Scan(&metric.ProductID, &metric.WarehouseID, &metric.OnHand, &metric.AvgDailySales,
			&metric.SuggestedQty, &metric.DaysOfCover, &metric.PredictedStockout,
			&metric.LookbackDays, &metric.ComputedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ReorderMetric{}, fmt.Errorf("metrics: reorder metric %d/%d: %w", productID, warehouseID, shared.ErrNotFound)
	}
	return metric, err
}

// ListLowStock joins balances against product reorder points.
func (r *Repository) ListLowStock(ctx context.Context, limit int) ([]LowStockItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT p.id, p.sku, p.name, b.warehouse_id,
COALESCE(SUM(b.quantity), 0) AS on_hand, p.reorder_point,
COALESCE(m.suggested_qty, 0)
FROM products p
JOIN stock_balances b ON b.product_id = p.id
LEFT JOIN reorder_metrics m ON m.product_id = p.id AND m.warehouse_id = b.warehouse_id
WHERE p.reorder_point > 0
GROUP BY p.id, p.sku, p.name, b.warehouse_id, p.reorder_point, m.suggested_qty
HAVING COALESCE(SUM(b.quantity), 0) <= p.reorder_point
ORDER BY p.sku, b.warehouse_id
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []LowStockItem{}
	for rows.Next() {
		var item LowStockItem
		if err := rows.Scan(&item.ProductID, &item.SKU, &item.Name, &item.WarehouseID,
			&item.OnHand, &item.ReorderPoint, &item.SuggestedQty); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
