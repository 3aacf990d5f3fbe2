package ingest

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/kgraph/ingestor/engine/domain"
	"github.com/kgraph/ingestor/engine/merge"
	"github.com/kgraph/ingestor/engine/queue"
	"github.com/kgraph/ingestor/engine/ratelimit"
)

const (
	// maxBackoff caps every retry/rate-limit delay, matching the source's
	// min(300, ...) ceiling.
	maxBackoff = 300 * time.Second
	// baseRetryBackoff is the 10s base used by the generic retry backoff
	// formula (10 * 2^retry_count).
	baseRetryBackoff = 10 * time.Second
)

// Config configures one Worker.
type Config struct {
	ID                string
	QueueName         string
	DLQName           string
	BatchSize         int
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
}

// DefaultConfig matches the source worker's batch_size=10, poll_interval=1s.
var DefaultConfig = Config{
	QueueName:         queue.DefaultQueueName,
	DLQName:           queue.DLQName(queue.DefaultQueueName),
	BatchSize:         10,
	PollInterval:      time.Second,
	VisibilityTimeout: queue.DefaultVisibilityTimeout,
}

// Worker polls one queue, applies per-tenant rate limiting, dispatches by
// task kind, and resolves failures into ack/retry/DLQ, grounded on the
// source's IngestionWorker.
type Worker struct {
	cfg     Config
	q       *queue.Client
	limiter *ratelimit.Limiter
	core    Core
	lister  EntityLister
	merger  *merge.Engine
	signal  CentralitySignaler
	metrics *Metrics
	log     *slog.Logger
}

// New builds a Worker. lister and merger may be nil if this worker's
// pool never receives deduplication tasks.
func New(cfg Config, q *queue.Client, limiter *ratelimit.Limiter, core Core, lister EntityLister, merger *merge.Engine, signal CentralitySignaler, metrics *Metrics) *Worker {
	if cfg.QueueName == "" {
		cfg.QueueName = DefaultConfig.QueueName
	}
	if cfg.DLQName == "" {
		cfg.DLQName = queue.DLQName(cfg.QueueName)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultConfig.VisibilityTimeout
	}
	if signal == nil {
		signal = noopSignaler{}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Worker{cfg: cfg, q: q, limiter: limiter, core: core, lister: lister, merger: merger, signal: signal, metrics: metrics, log: slog.With("worker_id", cfg.ID)}
}

func (w *Worker) logger() *slog.Logger { return w.log }

// Run blocks, polling and processing tasks until ctx is cancelled. The
// current in-flight task is allowed to finish; no new poll is issued
// once ctx is done.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("worker started")
	defer w.log.Info("worker stopped")

	for {
		if ctx.Err() != nil {
			return
		}

		polled, err := w.q.Poll(ctx, w.cfg.QueueName, w.cfg.BatchSize, w.cfg.VisibilityTimeout)
		if err != nil {
			w.log.Error("poll failed", "error", err)
			if !sleepCtx(ctx, 5*time.Second) {
				return
			}
			continue
		}

		if len(polled) == 0 {
			if !sleepCtx(ctx, w.cfg.PollInterval) {
				return
			}
			continue
		}

		w.metrics.polled.Add(int64(len(polled)))
		for _, p := range polled {
			w.processMessage(ctx, p)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (w *Worker) processMessage(ctx context.Context, p queue.Polled) {
	task := p.Task
	start := time.Now()
	err := w.process(ctx, &task)
	w.metrics.dispatchDuration.Since(start)
	if err == nil {
		if ackErr := w.q.Ack(ctx, w.cfg.QueueName, p.MessageID, p.PollTag); ackErr != nil && !errors.Is(ackErr, domain.ErrStaleTag) {
			w.log.Warn("ack failed", "task", task.ID, "error", ackErr)
		}
		w.metrics.completed.Inc()
		return
	}

	var rateLimited *domain.RateLimitedError
	if errors.As(err, &rateLimited) {
		delay := capBackoff(rateLimited.RetryAfter.Seconds() * math.Pow(2, float64(task.RetryCount)))
		if _, extErr := w.q.Extend(ctx, w.cfg.QueueName, p.MessageID, p.PollTag, delay); extErr != nil && !errors.Is(extErr, domain.ErrStaleTag) {
			w.log.Warn("extend failed after rate limit", "task", task.ID, "error", extErr)
		}
		w.metrics.retried.Inc()
		w.log.Warn("rate limited", "task", task.ID, "retry_in", delay)
		return
	}

	w.handleFailure(ctx, p, err)
}

// process applies rate limiting ahead of dispatch, per the source's
// _process_task ordering (acquire, then route by kind).
func (w *Worker) process(ctx context.Context, task *domain.IngestionTask) error {
	if w.limiter != nil {
		if err := w.limiter.Admit(task.Tenant); err != nil {
			return err
		}
	}
	return w.dispatch(ctx, task)
}

// handleFailure classifies a non-rate-limit dispatch error: permanent
// errors and retry-exhausted tasks go to the DLQ, everything else is
// retried with exponential backoff, grounded on _handle_failure.
func (w *Worker) handleFailure(ctx context.Context, p queue.Polled, err error) {
	task := p.Task
	task.RetryCount++
	w.log.Error("task failed", "task", task.ID, "retry_count", task.RetryCount, "error", err)

	var permanent *domain.PermanentError
	isPermanent := errors.As(err, &permanent)

	if isPermanent {
		w.dlq(ctx, task, err)
		w.ackOrWarn(ctx, p)
		return
	}

	if task.RetryCount < task.MaxRetries {
		delay := capBackoff(baseRetryBackoff.Seconds() * math.Pow(2, float64(task.RetryCount)))
		if _, extErr := w.q.Extend(ctx, w.cfg.QueueName, p.MessageID, p.PollTag, delay); extErr != nil && !errors.Is(extErr, domain.ErrStaleTag) {
			w.log.Warn("extend failed", "task", task.ID, "error", extErr)
		}
		w.metrics.retried.Inc()
		w.log.Info("task will retry", "task", task.ID, "retry_in", delay)
		return
	}

	w.log.Error("task exhausted retries, moving to dead-letter queue", "task", task.ID, "retry_count", task.RetryCount)
	w.dlq(ctx, task, err)
	w.ackOrWarn(ctx, p)
}

func (w *Worker) ackOrWarn(ctx context.Context, p queue.Polled) {
	if err := w.q.Ack(ctx, w.cfg.QueueName, p.MessageID, p.PollTag); err != nil && !errors.Is(err, domain.ErrStaleTag) {
		w.log.Warn("ack after dlq failed", "task", p.Task.ID, "error", err)
	}
}

func (w *Worker) dlq(ctx context.Context, task domain.IngestionTask, cause error) {
	w.metrics.failed.Inc()
	if task.Metadata == nil {
		task.Metadata = make(map[string]any)
	}
	task.Metadata["error_type"] = errorType(cause)
	task.Metadata["error_message"] = cause.Error()
	task.Metadata["failed_at"] = time.Now().UTC().Format(time.RFC3339)
	task.Metadata["worker_id"] = w.cfg.ID

	if err := w.q.EnsureQueue(ctx, w.cfg.DLQName); err != nil {
		w.log.Error("ensure dlq failed", "task", task.ID, "error", err)
		return
	}
	if _, err := w.q.Push(ctx, w.cfg.DLQName, []domain.IngestionTask{task}); err != nil {
		w.log.Error("dlq push failed", "task", task.ID, "error", err)
	}
}

func errorType(err error) string {
	switch {
	case errors.As(err, new(*domain.PermanentError)):
		return "PermanentError"
	case errors.As(err, new(*domain.TransientError)):
		return "TransientError"
	case errors.As(err, new(*domain.RateLimitedError)):
		return "RateLimitedError"
	case errors.As(err, new(*domain.ValidationFailure)):
		return "ValidationFailure"
	case errors.As(err, new(*domain.MergeError)):
		return "MergeError"
	default:
		return "Error"
	}
}

func (w *Worker) signalCentrality(tenant string, nodeIDs []string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		w.signal.Signal(ctx, tenant, nodeIDs)
	}()
}

func capBackoff(seconds float64) time.Duration {
	d := time.Duration(seconds) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	if d < 0 {
		return 0
	}
	return d
}

// sleepCtx sleeps for d or until ctx is cancelled, returning false if it
// was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
