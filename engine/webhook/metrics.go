package webhook

import (
	"github.com/kgraph/ingestor/pkg/metrics"
	"github.com/kgraph/ingestor/pkg/resilience"
)

// Metrics mirrors the source's WebhookMetrics plus get_metrics()'s
// queue_size/circuit_open/consecutive_failures extras.
type Metrics struct {
	dispatched   *metrics.Counter
	failed       *metrics.Counter
	retried      *metrics.Counter
	queueSize    *metrics.Gauge
	queueMaxSeen *metrics.Gauge
	lastError    *metrics.Gauge
	lastSuccess  *metrics.Gauge
}

func newMetrics(reg *metrics.Registry) *Metrics {
	if reg == nil {
		reg = metrics.New()
	}
	return &Metrics{
		dispatched:   reg.Counter("webhook_dispatched_total", "events successfully delivered to an external target"),
		failed:       reg.Counter("webhook_failed_total", "events that exhausted retries or were rejected"),
		retried:      reg.Counter("webhook_retried_total", "external delivery attempts retried after a 5xx or network error"),
		queueSize:    reg.Gauge("webhook_queue_size", "events currently queued for dispatch"),
		queueMaxSeen: reg.Gauge("webhook_queue_max_size_seen", "high-water mark of the dispatch queue"),
		lastError:    reg.Gauge("webhook_last_error_unixtime", "unix timestamp of the last delivery failure"),
		lastSuccess:  reg.Gauge("webhook_last_success_unixtime", "unix timestamp of the last successful delivery"),
	}
}

// Snapshot is a point-in-time read of the dispatcher's metrics, matching
// the shape of the source's get_metrics().
type Snapshot struct {
	Dispatched       int64
	Failed           int64
	Retried          int64
	QueueSize        int64
	QueueMaxSizeSeen int64
	LastErrorUnix    int64
	LastSuccessUnix  int64
}

func (d *Dispatcher) Metrics() Snapshot {
	return Snapshot{
		Dispatched:       d.metrics.dispatched.Value(),
		Failed:           d.metrics.failed.Value(),
		Retried:          d.metrics.retried.Value(),
		QueueSize:        d.metrics.queueSize.Value(),
		QueueMaxSizeSeen: d.metrics.queueMaxSeen.Value(),
		LastErrorUnix:    d.metrics.lastError.Value(),
		LastSuccessUnix:  d.metrics.lastSuccess.Value(),
	}
}

// CircuitOpen reports whether any configured external target currently
// has an open circuit breaker.
func (d *Dispatcher) CircuitOpen() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, tgt := range append(append([]*target{}, d.nodeAccessTargets...), d.dataIngestTargets...) {
		if tgt.breaker.State() != resilience.StateClosed {
			return true
		}
	}
	return false
}
