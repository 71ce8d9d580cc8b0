package asynq

import (
	"context"
	"fmt"

	"nexuswatch/pkg/config"
	"nexuswatch/pkg/logger"

	"github.com/hibiken/asynq"
)

// Inspector reads queue depths from the asynq queues the job workers consume.
// This subsystem never enqueues or mutates tasks.
type Inspector struct {
	inspector *asynq.Inspector
	queues    []string
}

// NewInspector creates a queue inspector from global configuration.
func NewInspector(cfg *config.Config) *Inspector {
	queues := make([]string, 0, len(cfg.Queue.Queues))
	for name := range cfg.Queue.Queues {
		queues = append(queues, name)
	}

	return &Inspector{
		inspector: asynq.NewInspector(asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}),
		queues: queues,
	}
}

// QueueDepths returns pending task counts per priority queue. A queue that
// cannot be inspected reports zero rather than failing the whole read.
func (i *Inspector) QueueDepths(ctx context.Context) (map[string]int, error) {
	depths := make(map[string]int, len(i.queues))

	var lastErr error
	for _, queue := range i.queues {
		info, err := i.inspector.GetQueueInfo(queue)
		if err != nil {
			logger.DebugCtx(ctx, "failed to inspect queue %s: %v", queue, err)
			depths[queue] = 0
			lastErr = err
			continue
		}
		depths[queue] = info.Pending
	}

	if len(depths) == len(i.queues) && lastErr != nil && allZero(depths) {
		return depths, fmt.Errorf("all queue inspections failed: %w", lastErr)
	}
	return depths, nil
}

// Close releases the underlying redis connection.
func (i *Inspector) Close() error {
	return i.inspector.Close()
}

func allZero(depths map[string]int) bool {
	for _, d := range depths {
		if d != 0 {
			return false
		}
	}
	return true
}
