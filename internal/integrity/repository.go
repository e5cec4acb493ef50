package integrity

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// KeySum is one (product, warehouse, batch) key with an aggregated quantity.
// BatchID is nil both for batchless stock and when grouping falls back to
// (product, warehouse) on a schema without the batch column.
type KeySum struct {
	ProductID   int64
	WarehouseID int64
	BatchID     *int64
	Quantity    decimal.Decimal
}

// TransferLeg is one movement row belonging to a transfer reference.
type TransferLeg struct {
	MovementID  int64
	RefID       string
	ProductID   int64
	WarehouseID int64
	Type        string
	Quantity    decimal.Decimal
	CreatedAt   time.Time
}

// StalledApproval is an approved request whose staged mutation never left an
// execution stamp behind.
type StalledApproval struct {
	RequestID  int64
	EntityType string
	ReviewedAt time.Time
}

// Repository reads ledger data for verification. All queries are plain reads
// and take no row locks.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// HasBatchColumn reports whether stock_movements carries a batch_id column.
// Partially migrated deployments may not.
func (r *Repository) HasBatchColumn(ctx context.Context) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (
SELECT 1 FROM information_schema.columns
WHERE table_name='stock_movements' AND column_name='batch_id')`).Scan(&exists)
	return exists, err
}

// EffectSums aggregates signed movement effects per balance key.
func (r *Repository) EffectSums(ctx context.Context, byBatch bool) ([]KeySum, error) {
	query := `SELECT product_id, warehouse_id, NULL::bigint, COALESCE(SUM(effect), 0)
FROM stock_movements GROUP BY product_id, warehouse_id`
	if byBatch {
		query = `SELECT product_id, warehouse_id, batch_id, COALESCE(SUM(effect), 0)
FROM stock_movements GROUP BY product_id, warehouse_id, batch_id`
	}
	return r.querySums(ctx, query)
}

// BalanceRows reads persisted balances per key.
func (r *Repository) BalanceRows(ctx context.Context, byBatch bool) ([]KeySum, error) {
	query := `SELECT product_id, warehouse_id, NULL::bigint, COALESCE(SUM(quantity), 0)
FROM stock_balances GROUP BY product_id, warehouse_id`
	if byBatch {
		query = `SELECT product_id, warehouse_id, batch_id, quantity FROM stock_balances`
	}
	return r.querySums(ctx, query)
}

// TransferLegs returns every movement row referenced by a transfer.
func (r *Repository) TransferLegs(ctx context.Context) ([]TransferLeg, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, ref_id, product_id, warehouse_id, type, quantity, created_at
FROM stock_movements WHERE ref_type='TRANSFER' ORDER BY ref_id, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var legs []TransferLeg
	for rows.Next() {
		var leg TransferLeg
		if err := rows.Scan(&leg.MovementID, &leg.RefID, &leg.ProductID, &leg.WarehouseID, &leg.Type, &leg.Quantity, &leg.CreatedAt); err != nil {
			return nil, err
		}
		legs = append(legs, leg)
	}
	return legs, rows.Err()
}

// StalledApprovals returns APPROVED requests reviewed before the cutoff that
// carry no execution stamp.
func (r *Repository) StalledApprovals(ctx context.Context, before time.Time) ([]StalledApproval, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, entity_type, reviewed_at
FROM approval_requests
WHERE status='APPROVED' AND executed_at IS NULL AND reviewed_at < $1
ORDER BY id`, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var stalled []StalledApproval
	for rows.Next() {
		var s StalledApproval
		if err := rows.Scan(&s.RequestID, &s.EntityType, &s.ReviewedAt); err != nil {
			return nil, err
		}
		stalled = append(stalled, s)
	}
	return stalled, rows.Err()
}

func (r *Repository) querySums(ctx context.Context, query string) ([]KeySum, error) {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sums []KeySum
	for rows.Next() {
		var sum KeySum
		if err := rows.Scan(&sum.ProductID, &sum.WarehouseID, &sum.BatchID, &sum.Quantity); err != nil {
			return nil, err
		}
		sums = append(sums, sum)
	}
	return sums, rows.Err()
}
