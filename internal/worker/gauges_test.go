package worker

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/viperbmw/netstacks-sub002/internal/metrics"
	"github.com/viperbmw/netstacks-sub002/internal/models"
)

func TestSampleQueueGauges(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.submit(t, models.KindGetConfig, "r1", models.StrategyFIFO,
		map[string]interface{}{"host": "r1"})
	e.submit(t, models.KindGetConfig, "r2", models.StrategyFIFO,
		map[string]interface{}{"host": "r2"})
	e.submit(t, models.KindSetConfig, "r1", models.StrategyPinned,
		map[string]interface{}{"config": []string{"hostname a"}})
	e.submit(t, models.KindSetConfig, "r2", models.StrategyPinned,
		map[string]interface{}{"config": []string{"hostname b"}})
	e.submit(t, models.KindSetConfig, "r2", models.StrategyPinned,
		map[string]interface{}{"config": []string{"hostname c"}})

	e.workers.Register(ctx, "w1", models.PoolGeneral)
	e.workers.Register(ctx, "w2", models.PoolPinned)

	SampleQueueGauges(ctx, e.disp, e.workers)

	if got := testutil.ToFloat64(metrics.QueueDepth.WithLabelValues("fifo")); got != 2 {
		t.Errorf("fifo depth gauge = %v, want 2", got)
	}
	// Pinned depth is a single aggregate across targets, never a
	// per-target label.
	if got := testutil.ToFloat64(metrics.QueueDepth.WithLabelValues("pinned")); got != 3 {
		t.Errorf("pinned depth gauge = %v, want 3", got)
	}
	if got := testutil.ToFloat64(metrics.WorkersRegistered); got != 2 {
		t.Errorf("workers gauge = %v, want 2", got)
	}
}
