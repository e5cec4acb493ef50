package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/stockledger/stockledger/internal/masterdata"
	"github.com/stockledger/stockledger/internal/shared"
)

type memoryMetricsRepo struct {
	mu       sync.Mutex
	sold     map[string]decimal.Decimal
	onHand   map[string]decimal.Decimal
	metrics  map[string]ReorderMetric
	lowStock []LowStockItem
}

func newMemoryMetricsRepo() *memoryMetricsRepo {
	return &memoryMetricsRepo{
		sold:    make(map[string]decimal.Decimal),
		onHand:  make(map[string]decimal.Decimal),
		metrics: make(map[string]ReorderMetric),
	}
}

func pairKey(productID, warehouseID int64) string {
	return fmt.Sprintf("%d:%d", productID, warehouseID)
}

func (r *memoryMetricsRepo) OutboundSince(ctx context.Context, productID, warehouseID int64, since time.Time) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sold[pairKey(productID, warehouseID)], nil
}

func (r *memoryMetricsRepo) OnHand(ctx context.Context, productID, warehouseID int64) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onHand[pairKey(productID, warehouseID)], nil
}

func (r *memoryMetricsRepo) UpsertMetric(ctx context.Context, metric ReorderMetric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics[pairKey(metric.ProductID, metric.WarehouseID)] = metric
	return nil
}

func (r *memoryMetricsRepo) GetMetric(ctx context.Context, productID, warehouseID int64) (ReorderMetric, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	metric, ok := r.metrics[pairKey(productID, warehouseID)]
	if !ok {
		return ReorderMetric{}, fmt.Errorf("metric %d/%d: %w", productID, warehouseID, shared.ErrNotFound)
	}
	return metric, nil
}

func (r *memoryMetricsRepo) ListLowStock(ctx context.Context, limit int) ([]LowStockItem, error) {
	return r.lowStock, nil
}

type staticProducts struct {
	products map[int64]masterdata.Product
}

func (p staticProducts) GetProduct(ctx context.Context, id int64) (masterdata.Product, error) {
	product, ok := p.products[id]
	if !ok {
		return masterdata.Product{}, fmt.Errorf("product %d: %w", id, shared.ErrNotFound)
	}
	return product, nil
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestService(t *testing.T, repo *memoryMetricsRepo) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	products := staticProducts{products: map[int64]masterdata.Product{
		1: {ID: 1, SKU: "SKU-1", Name: "Widget", ReorderPoint: d("15"), LeadTimeDays: 7, SafetyStock: d("10")},
		2: {ID: 2, SKU: "SKU-2", Name: "Gadget"},
	}}
	svc := NewService(repo, products, client, time.Minute, 30, slog.Default())
	return svc, mr
}

func TestRecomputeReorderSuggestion(t *testing.T) {
	repo := newMemoryMetricsRepo()
	repo.sold[pairKey(1, 1)] = d("90")
	repo.onHand[pairKey(1, 1)] = d("10")
	svc, _ := newTestService(t, repo)

	metric, err := svc.RecomputeReorder(context.Background(), 1, 1)
	require.NoError(t, err)

	// 90 sold over 30 days is 3 per day; 7 lead days of demand plus safety
	// stock of 10, minus 10 on hand, suggests 21.
	require.True(t, metric.AvgDailySales.Equal(d("3")), "avg daily %s", metric.AvgDailySales)
	require.True(t, metric.SuggestedQty.Equal(d("21")), "suggested %s", metric.SuggestedQty)
	require.NotNil(t, metric.DaysOfCover)
	require.True(t, metric.DaysOfCover.Sub(d("3.333")).Abs().LessThan(d("0.001")))
	require.NotNil(t, metric.PredictedStockout)

	persisted, err := repo.GetMetric(context.Background(), 1, 1)
	require.NoError(t, err)
	require.True(t, persisted.SuggestedQty.Equal(d("21")))
}

func TestRecomputeFloorsSuggestionAtZero(t *testing.T) {
	repo := newMemoryMetricsRepo()
	repo.sold[pairKey(1, 1)] = d("30")
	repo.onHand[pairKey(1, 1)] = d("500")
	svc, _ := newTestService(t, repo)

	metric, err := svc.RecomputeReorder(context.Background(), 1, 1)
	require.NoError(t, err)
	require.True(t, metric.SuggestedQty.IsZero())
}

func TestRecomputeWithoutSalesHasNoCover(t *testing.T) {
	repo := newMemoryMetricsRepo()
	repo.onHand[pairKey(2, 1)] = d("5")
	svc, _ := newTestService(t, repo)

	metric, err := svc.RecomputeReorder(context.Background(), 2, 1)
	require.NoError(t, err)
	require.True(t, metric.AvgDailySales.IsZero())
	require.Nil(t, metric.DaysOfCover)
	require.Nil(t, metric.PredictedStockout)
}

func TestGetReorderPrefersCache(t *testing.T) {
	repo := newMemoryMetricsRepo()
	repo.sold[pairKey(1, 1)] = d("90")
	repo.onHand[pairKey(1, 1)] = d("10")
	svc, mr := newTestService(t, repo)

	first, err := svc.RecomputeReorder(context.Background(), 1, 1)
	require.NoError(t, err)

	// Mutate the store after caching; the cached value must win.
	repo.mu.Lock()
	stale := repo.metrics[pairKey(1, 1)]
	stale.SuggestedQty = d("999")
	repo.metrics[pairKey(1, 1)] = stale
	repo.mu.Unlock()

	cached, err := svc.GetReorder(context.Background(), 1, 1)
	require.NoError(t, err)
	require.True(t, cached.SuggestedQty.Equal(first.SuggestedQty))

	// Once the cache entry expires the persisted row is served.
	mr.FastForward(2 * time.Minute)
	fresh, err := svc.GetReorder(context.Background(), 1, 1)
	require.NoError(t, err)
	require.True(t, fresh.SuggestedQty.Equal(d("999")))
}

func TestGetReorderRecomputesOnMiss(t *testing.T) {
	repo := newMemoryMetricsRepo()
	repo.sold[pairKey(1, 1)] = d("90")
	repo.onHand[pairKey(1, 1)] = d("10")
	svc, _ := newTestService(t, repo)

	metric, err := svc.GetReorder(context.Background(), 1, 1)
	require.NoError(t, err)
	require.True(t, metric.SuggestedQty.Equal(d("21")))
}

func TestGetReorderUnknownProduct(t *testing.T) {
	repo := newMemoryMetricsRepo()
	svc, _ := newTestService(t, repo)

	_, err := svc.GetReorder(context.Background(), 99, 1)
	require.ErrorIs(t, err, shared.ErrNotFound)
}
