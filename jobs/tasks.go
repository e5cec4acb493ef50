package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskReorderRecompute refreshes reorder metrics for one pair.
	TaskReorderRecompute = "metrics:reorder_recompute"
	// TaskIntegrityScan runs a full ledger verification.
	TaskIntegrityScan = "integrity:scan"
)

// ReorderRecomputePayload identifies the pair to recompute.
type ReorderRecomputePayload struct {
	ProductID   int64 `json:"product_id"`
	WarehouseID int64 `json:"warehouse_id"`
}

// NewReorderRecomputeTask constructs an Asynq task for a reorder refresh.
func NewReorderRecomputeTask(productID, warehouseID int64) (*asynq.Task, error) {
	body, err := json.Marshal(ReorderRecomputePayload{ProductID: productID, WarehouseID: warehouseID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReorderRecompute, body, asynq.Queue(QueueDefault)), nil
}

// IntegrityScanPayload carries scheduling metadata.
type IntegrityScanPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewIntegrityScanTask constructs an Asynq task for a ledger verification run.
func NewIntegrityScanTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(IntegrityScanPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIntegrityScan, body, asynq.Queue(QueueDefault)), nil
}
