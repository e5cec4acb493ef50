package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/stockledger/stockledger/internal/metrics"
)

// ReorderRecomputeJob refreshes reorder metrics after a stock mutation.
type ReorderRecomputeJob struct {
	metrics *metrics.Service
	logger  *slog.Logger
}

// NewReorderRecomputeJob constructs the job.
func NewReorderRecomputeJob(service *metrics.Service, logger *slog.Logger) *ReorderRecomputeJob {
	return &ReorderRecomputeJob{metrics: service, logger: logger}
}

// Handle processes TaskReorderRecompute tasks.
func (j *ReorderRecomputeJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload ReorderRecomputePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	metric, err := j.metrics.RecomputeReorder(ctx, payload.ProductID, payload.WarehouseID)
	if err != nil {
		j.logger.Error("reorder recompute job failed",
			slog.Int64("product_id", payload.ProductID),
			slog.Int64("warehouse_id", payload.WarehouseID),
			slog.Any("error", err))
		return err
	}
	j.logger.Info("reorder metric refreshed",
		slog.Int64("product_id", metric.ProductID),
		slog.Int64("warehouse_id", metric.WarehouseID),
		slog.String("suggested_qty", metric.SuggestedQty.String()))
	return nil
}
