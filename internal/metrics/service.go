package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/stockledger/stockledger/internal/masterdata"
	"github.com/stockledger/stockledger/internal/shared"
)

// RepositoryPort abstracts metric persistence and ledger reads.
type RepositoryPort interface {
	OutboundSince(ctx context.Context, productID, warehouseID int64, since time.Time) (decimal.Decimal, error)
	OnHand(ctx context.Context, productID, warehouseID int64) (decimal.Decimal, error)
	UpsertMetric(ctx context.Context, metric ReorderMetric) error
	GetMetric(ctx context.Context, productID, warehouseID int64) (ReorderMetric, error)
	ListLowStock(ctx context.Context, limit int) ([]LowStockItem, error)
}

// ProductPort resolves reorder policies.
type ProductPort interface {
	GetProduct(ctx context.Context, id int64) (masterdata.Product, error)
}

// Service recomputes and serves reorder metrics. Reads go through redis with
// the database as fallback.
type Service struct {
	repo     RepositoryPort
	products ProductPort
	cache    *redis.Client
	cacheTTL time.Duration
	lookback int
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs the metrics service. lookbackDays <= 0 selects the
// default window.
func NewService(repo RepositoryPort, products ProductPort, cache *redis.Client, cacheTTL time.Duration, lookbackDays int, logger *slog.Logger) *Service {
	if lookbackDays <= 0 {
		lookbackDays = DefaultLookbackDays
	}
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	return &Service{
		repo:     repo,
		products: products,
		cache:    cache,
		cacheTTL: cacheTTL,
		lookback: lookbackDays,
		logger:   logger,
		now:      time.Now,
	}
}

func cacheKey(productID, warehouseID int64) string {
	return fmt.Sprintf("reorder:%d:%d", productID, warehouseID)
}

// RecomputeReorder derives the reorder metric for one (product, warehouse)
// pair from the sales history, persists it and refreshes the cache.
func (s *Service) RecomputeReorder(ctx context.Context, productID, warehouseID int64) (ReorderMetric, error) {
	product, err := s.products.GetProduct(ctx, productID)
	if err != nil {
		return ReorderMetric{}, err
	}

	now := s.now().UTC()
	since := now.AddDate(0, 0, -s.lookback)
	sold, err := s.repo.OutboundSince(ctx, productID, warehouseID, since)
	if err != nil {
		return ReorderMetric{}, fmt.Errorf("metrics: sum outbound sales: %w", err)
	}
	onHand, err := s.repo.OnHand(ctx, productID, warehouseID)
	if err != nil {
		return ReorderMetric{}, fmt.Errorf("metrics: read on-hand: %w", err)
	}

	avgDaily := sold.Div(decimal.NewFromInt(int64(s.lookback)))
	metric := ReorderMetric{
		ProductID:     productID,
		WarehouseID:   warehouseID,
		OnHand:        onHand,
		AvgDailySales: avgDaily,
		LookbackDays:  s.lookback,
		ComputedAt:    now,
	}

	leadDemand := avgDaily.Mul(decimal.NewFromInt(int64(product.LeadTimeDays)))
	suggested := leadDemand.Add(product.SafetyStock).Sub(onHand)
	if suggested.IsNegative() {
		suggested = decimal.Zero
	}
	metric.SuggestedQty = suggested

	if avgDaily.IsPositive() {
		cover := onHand.Div(avgDaily)
		metric.DaysOfCover = &cover
		if cover.IsPositive() {
			// Whole days are enough precision for a stockout forecast.
			stockout := now.AddDate(0, 0, int(cover.IntPart()))
			metric.PredictedStockout = &stockout
		}
	}

	if err := s.repo.UpsertMetric(ctx, metric); err != nil {
		return ReorderMetric{}, fmt.Errorf("metrics: persist reorder metric: %w", err)
	}
	s.cacheSet(ctx, metric)
	return metric, nil
}

// GetReorder serves the metric for a pair, preferring the cache, then the
// persisted row, then a fresh recomputation.
func (s *Service) GetReorder(ctx context.Context, productID, warehouseID int64) (ReorderMetric, error) {
	if metric, ok := s.cacheGet(ctx, productID, warehouseID); ok {
		return metric, nil
	}
	metric, err := s.repo.GetMetric(ctx, productID, warehouseID)
	if err == nil {
		s.cacheSet(ctx, metric)
		return metric, nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return ReorderMetric{}, err
	}
	return s.RecomputeReorder(ctx, productID, warehouseID)
}

// ListLowStock lists products at or below their reorder point.
func (s *Service) ListLowStock(ctx context.Context, limit int) ([]LowStockItem, error) {
	return s.repo.ListLowStock(ctx, limit)
}

func (s *Service) cacheGet(ctx context.Context, productID, warehouseID int64) (ReorderMetric, bool) {
	if s.cache == nil {
		return ReorderMetric{}, false
	}
	raw, err := s.cache.Get(ctx, cacheKey(productID, warehouseID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) && s.logger != nil {
			s.logger.Warn("reorder cache read failed", slog.Any("error", err))
		}
		return ReorderMetric{}, false
	}
	var metric ReorderMetric
	if err := json.Unmarshal(raw, &metric); err != nil {
		return ReorderMetric{}, false
	}
	return metric, true
}

func (s *Service) cacheSet(ctx context.Context, metric ReorderMetric) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(metric)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKey(metric.ProductID, metric.WarehouseID), raw, s.cacheTTL).Err(); err != nil && s.logger != nil {
		s.logger.Warn("reorder cache write failed", slog.Any("error", err))
	}
}
