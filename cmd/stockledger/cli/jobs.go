package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/stockledger/stockledger/jobs"
)

// TriggerJob enqueues a supported task by type. Recompute pairs are addressed
// as "metrics:reorder_recompute:<product>:<warehouse>".
func TriggerJob(ctx context.Context, redisAddr, name string) error {
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr})
	defer client.Close()

	var task *asynq.Task
	var err error
	switch {
	case name == jobs.TaskIntegrityScan:
		task, err = jobs.NewIntegrityScanTask(time.Now().UTC())
	case strings.HasPrefix(name, jobs.TaskReorderRecompute+":"):
		parts := strings.Split(strings.TrimPrefix(name, jobs.TaskReorderRecompute+":"), ":")
		if len(parts) != 2 {
			return fmt.Errorf("jobs cli: want %s:<product>:<warehouse>", jobs.TaskReorderRecompute)
		}
		productID, perr := strconv.ParseInt(parts[0], 10, 64)
		warehouseID, werr := strconv.ParseInt(parts[1], 10, 64)
		if perr != nil || werr != nil {
			return fmt.Errorf("jobs cli: product and warehouse ids must be numeric")
		}
		task, err = jobs.NewReorderRecomputeTask(productID, warehouseID)
	default:
		return fmt.Errorf("jobs cli: unsupported job %s", name)
	}
	if err != nil {
		return err
	}

	info, err := client.EnqueueContext(ctx, task, asynq.MaxRetry(3))
	if err != nil {
		return err
	}
	fmt.Printf("enqueued %s id=%s queue=%s\n", task.Type(), info.ID, info.Queue)
	return nil
}
