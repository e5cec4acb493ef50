package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stockledger/stockledger/internal/platform/db"
	"github.com/stockledger/stockledger/internal/shared"
)

// Repository persists the stock ledger in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	GetBalanceForUpdate(ctx context.Context, productID, warehouseID int64, batchID *int64) (Balance, error)
	UpsertBalance(ctx context.Context, balance Balance) error
	InsertMovement(ctx context.Context, movement Movement) (int64, error)
	ResolveBatch(ctx context.Context, productID int64, input BatchInput) (Batch, error)
	GetBatch(ctx context.Context, id int64) (Batch, error)
	CreateSerials(ctx context.Context, productID, warehouseID int64, batchID *int64, numbers []string) error
	GetSerialForUpdate(ctx context.Context, productID int64, number string) (ProductSerial, error)
	UpdateSerial(ctx context.Context, id int64, status SerialStatus, warehouseID *int64) error
}

type txRepository struct {
	tx pgx.Tx
}

// ErrBalanceNotFound indicates a missing balance row.
var ErrBalanceNotFound = errors.New("stock: balance not found")

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("stock repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// ListMovements reads ledger history outside any transaction.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	if r == nil {
		return nil, errors.New("stock repository not initialised")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT id, product_id, warehouse_id, batch_id, type, quantity, effect, ref_type, ref_id, ref_number, COALESCE(actor_id, 0), notes, created_at
FROM stock_movements
WHERE product_id=$1 AND warehouse_id=$2
  AND ($3::bigint IS NULL OR batch_id=$3)
  AND created_at BETWEEN COALESCE($4, '-infinity') AND COALESCE($5, 'infinity')
ORDER BY created_at ASC, id ASC
LIMIT $6`, filter.ProductID, filter.WarehouseID, filter.BatchID, nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	movements := []Movement{}
	for rows.Next() {
		var m Movement
		if err := rows.Scan(&m.ID, &m.ProductID, &m.WarehouseID, &m.BatchID, &m.Type, &m.Quantity, &m.Effect, &m.RefType, &m.RefID, &m.RefNumber, &m.ActorID, &m.Notes, &m.CreatedAt); err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func (r *txRepository) GetBalanceForUpdate(ctx context.Context, productID, warehouseID int64, batchID *int64) (Balance, error) {
	var bal Balance
	err := r.tx.QueryRow(ctx, `SELECT product_id, warehouse_id, batch_id, quantity, reserved, updated_at
FROM stock_balances
WHERE product_id=$1 AND warehouse_id=$2 AND batch_id IS NOT DISTINCT FROM $3
FOR UPDATE`, productID, warehouseID, batchID).
		Scan(&bal.ProductID, &bal.WarehouseID, &bal.BatchID, &bal.Quantity, &bal.Reserved, &bal.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{ProductID: productID, WarehouseID: warehouseID, BatchID: batchID}, ErrBalanceNotFound
		}
		return Balance{}, err
	}
	return bal, nil
}

func (r *txRepository) UpsertBalance(ctx context.Context, balance Balance) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_balances (product_id, warehouse_id, batch_id, quantity, reserved, updated_at)
VALUES ($1,$2,$3,$4,$5,NOW())
ON CONFLICT (product_id, warehouse_id, batch_key) DO UPDATE SET quantity=EXCLUDED.quantity, reserved=EXCLUDED.reserved, updated_at=NOW()`,
		balance.ProductID, balance.WarehouseID, balance.BatchID, balance.Quantity, balance.Reserved)
	return err
}

func (r *txRepository) InsertMovement(ctx context.Context, movement Movement) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_movements (product_id, warehouse_id, batch_id, type, quantity, effect, ref_type, ref_id, ref_number, actor_id, notes, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW()) RETURNING id`,
		movement.ProductID, movement.WarehouseID, movement.BatchID, string(movement.Type), movement.Quantity, movement.Effect,
		string(movement.RefType), movement.RefID, movement.RefNumber, nullInt(movement.ActorID), movement.Notes).Scan(&id)
	return id, err
}

func (r *txRepository) ResolveBatch(ctx context.Context, productID int64, input BatchInput) (Batch, error) {
	var b Batch
	err := r.tx.QueryRow(ctx, `SELECT id, product_id, number, COALESCE(barcode, ''), manufacture_date, expiry_date, created_at
FROM stock_batches WHERE number=$1 AND (product_id=$2 OR barcode=$3) LIMIT 1`,
		input.Number, productID, nullString(input.Barcode)).
		Scan(&b.ID, &b.ProductID, &b.Number, &b.Barcode, &b.ManufactureDate, &b.ExpiryDate, &b.CreatedAt)
	if err == nil {
		if b.ProductID != productID {
			return Batch{}, fmt.Errorf("%w: batch %s", ErrBatchProductMismatch, input.Number)
		}
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Batch{}, err
	}
	err = r.tx.QueryRow(ctx, `INSERT INTO stock_batches (product_id, number, barcode, manufacture_date, expiry_date, created_at)
VALUES ($1,$2,$3,$4,$5,NOW()) RETURNING id, product_id, number, COALESCE(barcode, ''), manufacture_date, expiry_date, created_at`,
		productID, input.Number, nullString(input.Barcode), nullTime(input.ManufactureDate), nullTime(input.ExpiryDate)).
		Scan(&b.ID, &b.ProductID, &b.Number, &b.Barcode, &b.ManufactureDate, &b.ExpiryDate, &b.CreatedAt)
	if err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == "23505" {
			return Batch{}, fmt.Errorf("%w: batch %s", ErrBatchProductMismatch, input.Number)
		}
		return Batch{}, err
	}
	return b, nil
}

func (r *txRepository) GetBatch(ctx context.Context, id int64) (Batch, error) {
	var b Batch
	err := r.tx.QueryRow(ctx, `SELECT id, product_id, number, COALESCE(barcode, ''), manufacture_date, expiry_date, created_at
FROM stock_batches WHERE id=$1`, id).
		Scan(&b.ID, &b.ProductID, &b.Number, &b.Barcode, &b.ManufactureDate, &b.ExpiryDate, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, fmt.Errorf("stock: batch %d: %w", id, shared.ErrNotFound)
		}
		return Batch{}, err
	}
	return b, nil
}

func (r *txRepository) CreateSerials(ctx context.Context, productID, warehouseID int64, batchID *int64, numbers []string) error {
	for _, number := range numbers {
		_, err := r.tx.Exec(ctx, `INSERT INTO product_serials (product_id, number, status, warehouse_id, batch_id, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,NOW(),NOW())`, productID, number, string(SerialInStock), warehouseID, batchID)
		if err != nil {
			if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == "23505" {
				return fmt.Errorf("stock: serial %s: %w", number, shared.ErrDuplicate)
			}
			return err
		}
	}
	return nil
}

func (r *txRepository) GetSerialForUpdate(ctx context.Context, productID int64, number string) (ProductSerial, error) {
	var s ProductSerial
	err := r.tx.QueryRow(ctx, `SELECT id, product_id, number, status, warehouse_id, batch_id, created_at, updated_at
FROM product_serials WHERE product_id=$1 AND number=$2 FOR UPDATE`, productID, number).
		Scan(&s.ID, &s.ProductID, &s.Number, &s.Status, &s.WarehouseID, &s.BatchID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ProductSerial{}, fmt.Errorf("stock: serial %s: %w", number, shared.ErrNotFound)
		}
		return ProductSerial{}, err
	}
	return s, nil
}

func (r *txRepository) UpdateSerial(ctx context.Context, id int64, status SerialStatus, warehouseID *int64) error {
	_, err := r.tx.Exec(ctx, `UPDATE product_serials SET status=$2, warehouse_id=$3, updated_at=NOW() WHERE id=$1`,
		id, string(status), warehouseID)
	return err
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
