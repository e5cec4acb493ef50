package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema applies every DDL statement in Schema. Statements are
// idempotent so repeated runs are safe.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range Schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec %.40q: %w", stmt, err)
		}
	}
	return nil
}

// Schema is the single source of truth for table and column names. The
// repositories' SQL and the seed command both follow it.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS products (
	id BIGSERIAL PRIMARY KEY,
	sku TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	tracks_batches BOOLEAN NOT NULL DEFAULT FALSE,
	tracks_serials BOOLEAN NOT NULL DEFAULT FALSE,
	unit_cost NUMERIC(18,6) NOT NULL DEFAULT 0,
	reorder_point NUMERIC(18,6) NOT NULL DEFAULT 0,
	lead_time_days INT NOT NULL DEFAULT 0,
	safety_stock NUMERIC(18,6) NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW())`,

	`CREATE TABLE IF NOT EXISTS warehouses (
	id BIGSERIAL PRIMARY KEY,
	code TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	address TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW())`,

	`CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL)`,

	`CREATE TABLE IF NOT EXISTS stock_batches (
	id BIGSERIAL PRIMARY KEY,
	product_id BIGINT NOT NULL REFERENCES products(id),
	number TEXT NOT NULL,
	barcode TEXT,
	manufacture_date DATE,
	expiry_date DATE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (product_id, number))`,

	`CREATE UNIQUE INDEX IF NOT EXISTS stock_batches_barcode_key
	ON stock_batches (barcode) WHERE barcode IS NOT NULL AND barcode <> ''`,

	`CREATE TABLE IF NOT EXISTS product_serials (
	id BIGSERIAL PRIMARY KEY,
	product_id BIGINT NOT NULL REFERENCES products(id),
	number TEXT NOT NULL UNIQUE,
	status TEXT NOT NULL DEFAULT 'IN_STOCK',
	warehouse_id BIGINT REFERENCES warehouses(id),
	batch_id BIGINT REFERENCES stock_batches(id),
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW())`,

	`CREATE TABLE IF NOT EXISTS stock_movements (
	id BIGSERIAL PRIMARY KEY,
	product_id BIGINT NOT NULL REFERENCES products(id),
	warehouse_id BIGINT NOT NULL REFERENCES warehouses(id),
	batch_id BIGINT REFERENCES stock_batches(id),
	type TEXT NOT NULL,
	quantity NUMERIC(18,6) NOT NULL CHECK (quantity >= 0),
	effect NUMERIC(18,6) NOT NULL,
	ref_type TEXT NOT NULL,
	ref_id TEXT NOT NULL DEFAULT '',
	ref_number TEXT NOT NULL DEFAULT '',
	actor_id BIGINT,
	notes TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW())`,

	`CREATE INDEX IF NOT EXISTS stock_movements_key_idx
	ON stock_movements (product_id, warehouse_id, created_at)`,

	`CREATE INDEX IF NOT EXISTS stock_movements_ref_idx
	ON stock_movements (ref_type, ref_id)`,

	`CREATE TABLE IF NOT EXISTS stock_balances (
	product_id BIGINT NOT NULL REFERENCES products(id),
	warehouse_id BIGINT NOT NULL REFERENCES warehouses(id),
	batch_id BIGINT REFERENCES stock_batches(id),
	batch_key BIGINT GENERATED ALWAYS AS (COALESCE(batch_id, 0)) STORED,
	quantity NUMERIC(18,6) NOT NULL DEFAULT 0,
	reserved NUMERIC(18,6) NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (product_id, warehouse_id, batch_key))`,

	`CREATE TABLE IF NOT EXISTS approval_policies (
	entity_type TEXT PRIMARY KEY,
	enabled BOOLEAN NOT NULL DEFAULT FALSE,
	review_permission TEXT NOT NULL DEFAULT '',
	min_amount NUMERIC(18,6),
	warehouse_id BIGINT REFERENCES warehouses(id))`,

	`CREATE TABLE IF NOT EXISTS approval_staged_payloads (
	id BIGSERIAL PRIMARY KEY,
	entity_type TEXT NOT NULL,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW())`,

	`CREATE TABLE IF NOT EXISTS approval_requests (
	id BIGSERIAL PRIMARY KEY,
	entity_type TEXT NOT NULL,
	staged_id BIGINT NOT NULL REFERENCES approval_staged_payloads(id),
	status TEXT NOT NULL DEFAULT 'PENDING',
	requester_id BIGINT,
	reviewer_id BIGINT,
	request_comment TEXT NOT NULL DEFAULT '',
	review_comment TEXT NOT NULL DEFAULT '',
	summary JSONB,
	requested_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	reviewed_at TIMESTAMPTZ,
	executed_at TIMESTAMPTZ)`,

	`CREATE INDEX IF NOT EXISTS approval_requests_status_idx
	ON approval_requests (status, requested_at)`,

	`CREATE TABLE IF NOT EXISTS audit_logs (
	id BIGSERIAL PRIMARY KEY,
	actor_id BIGINT,
	action TEXT NOT NULL,
	entity TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	meta JSONB,
	occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW())`,

	`CREATE TABLE IF NOT EXISTS reorder_metrics (
	product_id BIGINT NOT NULL REFERENCES products(id),
	warehouse_id BIGINT NOT NULL REFERENCES warehouses(id),
	on_hand NUMERIC(18,6) NOT NULL DEFAULT 0,
	avg_daily_sales NUMERIC(18,6) NOT NULL DEFAULT 0,
	suggested_qty NUMERIC(18,6) NOT NULL DEFAULT 0,
	days_of_cover NUMERIC(18,6),
	predicted_stockout TIMESTAMPTZ,
	lookback_days INT NOT NULL DEFAULT 30,
	computed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (product_id, warehouse_id))`,
}
