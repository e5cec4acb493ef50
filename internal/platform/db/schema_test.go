package db

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// Columns each repository's SQL references. Renaming a column in Schema
// without touching the queries shows up here instead of as SQLSTATE 42703
// in production.
var requiredColumns = map[string][]string{
	"products":                 {"id", "sku", "name", "tracks_batches", "tracks_serials", "unit_cost", "reorder_point", "lead_time_days", "safety_stock", "created_at"},
	"warehouses":               {"id", "code", "name", "address", "created_at"},
	"settings":                 {"key", "value"},
	"stock_batches":            {"id", "product_id", "number", "barcode", "manufacture_date", "expiry_date", "created_at"},
	"product_serials":          {"id", "product_id", "number", "status", "warehouse_id", "batch_id", "created_at", "updated_at"},
	"stock_movements":          {"id", "product_id", "warehouse_id", "batch_id", "type", "quantity", "effect", "ref_type", "ref_id", "ref_number", "actor_id", "notes", "created_at"},
	"stock_balances":           {"product_id", "warehouse_id", "batch_id", "batch_key", "quantity", "reserved", "updated_at"},
	"approval_policies":        {"entity_type", "enabled", "review_permission", "min_amount", "warehouse_id"},
	"approval_staged_payloads": {"id", "entity_type", "payload", "created_at"},
	"approval_requests":        {"id", "entity_type", "staged_id", "status", "requester_id", "reviewer_id", "request_comment", "review_comment", "summary", "requested_at", "reviewed_at", "executed_at"},
	"audit_logs":               {"id", "actor_id", "action", "entity", "entity_id", "meta", "occurred_at"},
	"reorder_metrics":          {"product_id", "warehouse_id", "on_hand", "avg_daily_sales", "suggested_qty", "days_of_cover", "predicted_stockout", "lookback_days", "computed_at"},
}

func TestSchemaDefinesRepositoryColumns(t *testing.T) {
	tables := parseSchemaColumns()
	for table, columns := range requiredColumns {
		defined, ok := tables[table]
		require.True(t, ok, "table %s missing from Schema", table)
		for _, column := range columns {
			require.Contains(t, defined, column, "table %s", table)
		}
	}
	for table := range tables {
		require.Contains(t, requiredColumns, table, "table %s defined but not pinned here", table)
	}
}

func parseSchemaColumns() map[string]map[string]bool {
	tables := make(map[string]map[string]bool)
	for _, stmt := range Schema {
		trimmed := strings.TrimSpace(stmt)
		const prefix = "CREATE TABLE IF NOT EXISTS "
		if !strings.HasPrefix(trimmed, prefix) {
			continue
		}
		rest := trimmed[len(prefix):]
		open := strings.Index(rest, "(")
		name := strings.TrimSpace(rest[:open])
		body := rest[open+1 : strings.LastIndex(rest, ")")]
		columns := make(map[string]bool)
		for _, line := range strings.Split(body, "\n") {
			line = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(line), ","))
			if line == "" {
				continue
			}
			upper := strings.ToUpper(line)
			if strings.HasPrefix(upper, "UNIQUE") || strings.HasPrefix(upper, "PRIMARY KEY") ||
				strings.HasPrefix(upper, "CHECK") || strings.HasPrefix(upper, "CONSTRAINT") ||
				strings.HasPrefix(upper, "FOREIGN KEY") {
				continue
			}
			columns[strings.Fields(line)[0]] = true
		}
		tables[name] = columns
	}
	return tables
}
