package worker

import (
	"context"

	"github.com/viperbmw/netstacks-sub002/internal/metrics"
	"github.com/viperbmw/netstacks-sub002/internal/redisq"
)

// SampleQueueGauges refreshes the queue-depth and worker-count gauges.
// Pinned depth is aggregated across targets; target keys are unbounded
// and must not become label values.
func SampleQueueGauges(ctx context.Context, disp *redisq.Dispatcher, workers *redisq.Workers) {
	if depth, err := disp.QueueDepth(ctx, ""); err == nil {
		metrics.QueueDepth.WithLabelValues("fifo").Set(float64(depth))
	}
	if targets, err := disp.PinnedTargets(ctx); err == nil {
		var total int64
		for _, target := range targets {
			if depth, err := disp.QueueDepth(ctx, target); err == nil {
				total += depth
			}
		}
		metrics.QueueDepth.WithLabelValues("pinned").Set(float64(total))
	}
	if regs, err := workers.List(ctx); err == nil {
		metrics.WorkersRegistered.Set(float64(len(regs)))
	}
}
