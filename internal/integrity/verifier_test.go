package integrity

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/stockledger/stockledger/internal/shared"
)

type memorySource struct {
	batchColumn bool
	sums        []KeySum
	balances    []KeySum
	legs        []TransferLeg
	stalled     []StalledApproval
}

func (s *memorySource) HasBatchColumn(ctx context.Context) (bool, error) {
	return s.batchColumn, nil
}

func (s *memorySource) EffectSums(ctx context.Context, byBatch bool) ([]KeySum, error) {
	if !byBatch {
		return collapse(s.sums), nil
	}
	return s.sums, nil
}

func (s *memorySource) BalanceRows(ctx context.Context, byBatch bool) ([]KeySum, error) {
	if !byBatch {
		return collapse(s.balances), nil
	}
	return s.balances, nil
}

func (s *memorySource) TransferLegs(ctx context.Context) ([]TransferLeg, error) {
	return s.legs, nil
}

func (s *memorySource) StalledApprovals(ctx context.Context, before time.Time) ([]StalledApproval, error) {
	var out []StalledApproval
	for _, stalled := range s.stalled {
		if stalled.ReviewedAt.Before(before) {
			out = append(out, stalled)
		}
	}
	return out, nil
}

// collapse regroups batch-level sums by (product, warehouse), mirroring the
// SQL fallback for schemas without the batch column.
func collapse(sums []KeySum) []KeySum {
	type key struct{ product, warehouse int64 }
	merged := map[key]decimal.Decimal{}
	var order []key
	for _, sum := range sums {
		k := key{sum.ProductID, sum.WarehouseID}
		if _, ok := merged[k]; !ok {
			order = append(order, k)
		}
		merged[k] = merged[k].Add(sum.Quantity)
	}
	out := make([]KeySum, 0, len(order))
	for _, k := range order {
		out = append(out, KeySum{ProductID: k.product, WarehouseID: k.warehouse, Quantity: merged[k]})
	}
	return out
}

type staticSettings struct {
	allowNegative bool
}

func (s staticSettings) Snapshot(ctx context.Context) (shared.Settings, error) {
	return shared.Settings{AllowNegativeStock: s.allowNegative}, nil
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newVerifier(source *memorySource, allowNegative bool) *Verifier {
	return NewVerifier(source, staticSettings{allowNegative: allowNegative}, slog.Default())
}

func TestVerifyCleanLedger(t *testing.T) {
	source := &memorySource{
		batchColumn: true,
		sums: []KeySum{
			{ProductID: 1, WarehouseID: 1, Quantity: d("10")},
			{ProductID: 2, WarehouseID: 1, Quantity: d("3.5")},
		},
		balances: []KeySum{
			{ProductID: 1, WarehouseID: 1, Quantity: d("10")},
			{ProductID: 2, WarehouseID: 1, Quantity: d("3.5")},
		},
	}
	report, err := newVerifier(source, false).Verify(context.Background())
	require.NoError(t, err)
	require.True(t, report.Clean())
	require.Equal(t, 2, report.CheckedKeys)
	require.True(t, report.BatchAware)
}

func TestVerifyToleratesSubMilliDrift(t *testing.T) {
	source := &memorySource{
		batchColumn: true,
		sums:        []KeySum{{ProductID: 1, WarehouseID: 1, Quantity: d("10.0005")}},
		balances:    []KeySum{{ProductID: 1, WarehouseID: 1, Quantity: d("10")}},
	}
	report, err := newVerifier(source, false).Verify(context.Background())
	require.NoError(t, err)
	require.True(t, report.Clean())
}

func TestVerifyFlagsBalanceMismatch(t *testing.T) {
	source := &memorySource{
		batchColumn: true,
		sums:        []KeySum{{ProductID: 1, WarehouseID: 1, Quantity: d("10")}},
		balances:    []KeySum{{ProductID: 1, WarehouseID: 1, Quantity: d("12")}},
	}
	report, err := newVerifier(source, false).Verify(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Violations, 1)
	violation := report.Violations[0]
	require.Equal(t, ViolationBalanceMismatch, violation.Kind)
	require.Equal(t, "10", violation.Expected)
	require.Equal(t, "12", violation.Actual)
}

func TestVerifyFlagsOrphanKeys(t *testing.T) {
	// A key with movements but no balance row, and a balance row with no
	// movements, are both mismatches against zero.
	source := &memorySource{
		batchColumn: true,
		sums:        []KeySum{{ProductID: 1, WarehouseID: 1, Quantity: d("4")}},
		balances:    []KeySum{{ProductID: 2, WarehouseID: 1, Quantity: d("7")}},
	}
	report, err := newVerifier(source, false).Verify(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Violations, 2)
	require.Equal(t, 2, report.CheckedKeys)
}

func TestVerifyFlagsNegativeBalanceWhenDisallowed(t *testing.T) {
	source := &memorySource{
		batchColumn: true,
		sums:        []KeySum{{ProductID: 1, WarehouseID: 1, Quantity: d("-2")}},
		balances:    []KeySum{{ProductID: 1, WarehouseID: 1, Quantity: d("-2")}},
	}

	report, err := newVerifier(source, false).Verify(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Violations, 1)
	require.Equal(t, ViolationNegativeBalance, report.Violations[0].Kind)

	report, err = newVerifier(source, true).Verify(context.Background())
	require.NoError(t, err)
	require.True(t, report.Clean())
}

func TestVerifyTransferPairing(t *testing.T) {
	source := &memorySource{
		batchColumn: true,
		legs: []TransferLeg{
			{MovementID: 1, RefID: "ok", ProductID: 1, WarehouseID: 1, Type: "OUT", Quantity: d("5")},
			{MovementID: 2, RefID: "ok", ProductID: 1, WarehouseID: 2, Type: "IN", Quantity: d("5")},
			{MovementID: 3, RefID: "lonely", ProductID: 1, WarehouseID: 1, Type: "OUT", Quantity: d("5")},
			{MovementID: 4, RefID: "uneven", ProductID: 1, WarehouseID: 1, Type: "OUT", Quantity: d("5")},
			{MovementID: 5, RefID: "uneven", ProductID: 1, WarehouseID: 2, Type: "IN", Quantity: d("4")},
			{MovementID: 6, RefID: "mixed", ProductID: 1, WarehouseID: 1, Type: "OUT", Quantity: d("5")},
			{MovementID: 7, RefID: "mixed", ProductID: 2, WarehouseID: 2, Type: "IN", Quantity: d("5")},
		},
	}
	report, err := newVerifier(source, false).Verify(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, report.CheckedTransfers)
	require.Len(t, report.Violations, 3)
	for _, violation := range report.Violations {
		require.Equal(t, ViolationTransferPairing, violation.Kind)
		require.NotEqual(t, "ok", violation.RefID)
	}
}

func TestVerifyFallsBackWithoutBatchColumn(t *testing.T) {
	batch := int64(10)
	// Batch-level rows drift but the warehouse totals agree, so the collapsed
	// grouping reads clean.
	source := &memorySource{
		batchColumn: false,
		sums: []KeySum{
			{ProductID: 1, WarehouseID: 1, BatchID: &batch, Quantity: d("6")},
			{ProductID: 1, WarehouseID: 1, Quantity: d("4")},
		},
		balances: []KeySum{
			{ProductID: 1, WarehouseID: 1, BatchID: &batch, Quantity: d("5")},
			{ProductID: 1, WarehouseID: 1, Quantity: d("5")},
		},
	}
	report, err := newVerifier(source, false).Verify(context.Background())
	require.NoError(t, err)
	require.True(t, report.Clean())
	require.False(t, report.BatchAware)
	require.Equal(t, 1, report.CheckedKeys)
}

func TestVerifyFlagsStalledApproval(t *testing.T) {
	source := &memorySource{
		batchColumn: true,
		stalled: []StalledApproval{
			{RequestID: 7, EntityType: "STOCK_ADJUSTMENT", ReviewedAt: time.Now().UTC().Add(-time.Hour)},
		},
	}
	report, err := newVerifier(source, false).Verify(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Violations, 1)
	require.Equal(t, ViolationStalledApproval, report.Violations[0].Kind)
	require.Equal(t, int64(7), report.Violations[0].RequestID)
}

func TestVerifyGivesRecentApprovalsGrace(t *testing.T) {
	source := &memorySource{
		batchColumn: true,
		stalled: []StalledApproval{
			{RequestID: 8, EntityType: "STOCK_TRANSFER", ReviewedAt: time.Now().UTC().Add(-time.Minute)},
		},
	}
	report, err := newVerifier(source, false).Verify(context.Background())
	require.NoError(t, err)
	require.True(t, report.Clean())
}
