package ingest

import "github.com/kgraph/ingestor/pkg/metrics"

// Metrics are the Prometheus-backed counters a worker pool shares across
// every worker, aggregated via Snapshot the way the source's QueueMetrics
// dataclass is aggregated across a WorkerPool.
type Metrics struct {
	polled           *metrics.Counter
	completed        *metrics.Counter
	failed           *metrics.Counter
	retried          *metrics.Counter
	dispatchDuration *metrics.Histogram
}

// NewMetrics registers ingest worker metrics on reg. A nil reg yields
// metrics that still work but are not exposed on any handler, useful in
// tests.
func NewMetrics(reg *metrics.Registry) *Metrics {
	if reg == nil {
		reg = metrics.New()
	}
	return &Metrics{
		polled:           reg.Counter("ingest_worker_polled_total", "tasks polled from the queue"),
		completed:        reg.Counter("ingest_worker_completed_total", "tasks completed and acknowledged"),
		failed:           reg.Counter("ingest_worker_failed_total", "tasks moved to the dead-letter queue"),
		retried:          reg.Counter("ingest_worker_retried_total", "tasks extended for retry"),
		dispatchDuration: reg.Histogram("ingest_worker_dispatch_duration_seconds", "task dispatch latency", nil),
	}
}

// Snapshot is a point-in-time read of the aggregate counters: polled,
// completed, failed, retried, and the derived success rate. It has no
// pushed count; Metrics does not count pushes.
type Snapshot struct {
	Polled      int64
	Completed   int64
	Failed      int64
	Retried     int64
	SuccessRate float64
}

func (m *Metrics) Snapshot() Snapshot {
	completed := m.completed.Value()
	failed := m.failed.Value()
	snap := Snapshot{
		Polled:    m.polled.Value(),
		Completed: completed,
		Failed:    failed,
		Retried:   m.retried.Value(),
	}
	if total := completed + failed; total > 0 {
		snap.SuccessRate = float64(completed) / float64(total)
	}
	return snap
}
