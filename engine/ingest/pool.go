package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kgraph/ingestor/engine/merge"
	"github.com/kgraph/ingestor/engine/queue"
	"github.com/kgraph/ingestor/engine/ratelimit"
)

// PoolConfig configures a Pool of workers sharing one queue, rate
// limiter, and metrics registry.
type PoolConfig struct {
	WorkerCount  int
	WorkerConfig Config
	// DrainTimeout bounds how long Stop waits for in-flight tasks to
	// finish before returning anyway.
	DrainTimeout time.Duration
}

// DefaultPoolConfig matches the source's worker_count=4 default.
var DefaultPoolConfig = PoolConfig{
	WorkerCount:  4,
	WorkerConfig: DefaultConfig,
	DrainTimeout: 30 * time.Second,
}

// Pool manages N workers processing the same queue, grounded on the
// source's WorkerPool.
type Pool struct {
	cfg     PoolConfig
	workers []*Worker
	metrics *Metrics
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool builds workerCount workers named "<id>-N", all sharing q,
// limiter, core, lister, merger, signal, and one Metrics instance.
func NewPool(cfg PoolConfig, q *queue.Client, limiter *ratelimit.Limiter, core Core, lister EntityLister, merger *merge.Engine, signal CentralitySignaler, m *Metrics) *Pool {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultPoolConfig.WorkerCount
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultPoolConfig.DrainTimeout
	}
	if m == nil {
		m = NewMetrics(nil)
	}
	baseID := cfg.WorkerConfig.ID
	if baseID == "" {
		baseID = "worker"
	}

	workers := make([]*Worker, cfg.WorkerCount)
	for i := range workers {
		wc := cfg.WorkerConfig
		wc.ID = fmt.Sprintf("%s-%d", baseID, i)
		workers[i] = New(wc, q, limiter, core, lister, merger, signal, m)
	}

	return &Pool{cfg: cfg, workers: workers, metrics: m}
}

// Start launches every worker in its own goroutine. It returns
// immediately; use Stop for a graceful shutdown.
func (p *Pool) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(runCtx)
		}(w)
	}
	slog.Info("worker pool started", "workers", len(p.workers))
}

// Stop signals every worker to stop polling and waits up to
// DrainTimeout for in-flight tasks to finish.
func (p *Pool) Stop() {
	if p.cancel == nil {
		return
	}
	slog.Info("worker pool stopping")
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("worker pool stopped")
	case <-time.After(p.cfg.DrainTimeout):
		slog.Warn("worker pool stop timed out waiting for drain", "timeout", p.cfg.DrainTimeout)
	}
}

// Metrics returns the pool's aggregate metrics snapshot.
func (p *Pool) Metrics() Snapshot {
	return p.metrics.Snapshot()
}
