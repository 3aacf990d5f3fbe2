package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kgraph/ingestor/pkg/metrics"
	"github.com/kgraph/ingestor/pkg/resilience"
)

// Config configures a Dispatcher, grounded on AsyncWebhookDispatcher's
// constructor kwargs.
type Config struct {
	// NodeAccessURL receives node_access events, if set.
	NodeAccessURL string
	// DataIngestionURLs receive data_ingestion events, comma-split in the
	// source; callers here pass the already-split list.
	DataIngestionURLs []string

	QueueSize      int
	WorkerCount    int
	MaxRetries     int
	RequestTimeout time.Duration
	DrainTimeout   time.Duration

	BreakerOpts resilience.BreakerOpts
	LimiterOpts resilience.LimiterOpts
}

// DefaultConfig matches the source's defaults: queue 10000, 3 workers,
// 3 retries, 5s request timeout, breaker trips after 10 consecutive
// failures and resets after 60s, 10s shutdown drain.
var DefaultConfig = Config{
	QueueSize:      10000,
	WorkerCount:    3,
	MaxRetries:     3,
	RequestTimeout: 5 * time.Second,
	DrainTimeout:   10 * time.Second,
	BreakerOpts: resilience.BreakerOpts{
		FailThreshold: 10,
		Timeout:       60 * time.Second,
	},
	LimiterOpts: resilience.LimiterOpts{
		Rate:  20,
		Burst: 20,
	},
}

// target pairs a webhook URL with its own breaker and rate limiter, so
// one flaky subscriber never throttles or trips delivery to another.
type target struct {
	url     string
	breaker *resilience.Breaker
	limiter *resilience.Limiter
}

// Dispatcher fans events out to external HTTP subscribers (rate limited
// and circuit-broken per target) and internal in-process handlers
// (always run), never blocking the caller of Emit.
type Dispatcher struct {
	cfg Config

	queue chan Event

	mu                sync.RWMutex
	nodeAccessTargets []*target
	dataIngestTargets []*target
	handlers          []Handler

	http    *http.Client
	metrics *Metrics
	log     *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Dispatcher. Call Start to begin processing.
func New(cfg Config, reg *metrics.Registry) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig.QueueSize
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultConfig.WorkerCount
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig.RequestTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultConfig.DrainTimeout
	}
	if cfg.BreakerOpts.FailThreshold <= 0 {
		cfg.BreakerOpts = DefaultConfig.BreakerOpts
	}
	if cfg.LimiterOpts.Rate <= 0 {
		cfg.LimiterOpts = DefaultConfig.LimiterOpts
	}

	d := &Dispatcher{
		cfg:     cfg,
		queue:   make(chan Event, cfg.QueueSize),
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		metrics: newMetrics(reg),
		log:     slog.With("component", "webhook_dispatcher"),
	}
	if cfg.NodeAccessURL != "" {
		d.nodeAccessTargets = append(d.nodeAccessTargets, d.newTarget(cfg.NodeAccessURL))
	}
	for _, url := range cfg.DataIngestionURLs {
		if url == "" {
			continue
		}
		d.dataIngestTargets = append(d.dataIngestTargets, d.newTarget(url))
	}
	return d
}

func (d *Dispatcher) newTarget(url string) *target {
	return &target{
		url:     url,
		breaker: resilience.NewBreaker(d.cfg.BreakerOpts),
		limiter: resilience.NewLimiter(d.cfg.LimiterOpts),
	}
}

// AddHandler registers an internal handler. Handlers run for every
// event regardless of external circuit-breaker state.
func (d *Dispatcher) AddHandler(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// Start launches the worker pool. Safe to call once.
func (d *Dispatcher) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	for i := 0; i < d.cfg.WorkerCount; i++ {
		d.wg.Add(1)
		go d.worker(runCtx, i)
	}
	d.log.Info("webhook dispatcher started", "workers", d.cfg.WorkerCount)
}

// Emit enqueues event without blocking. If the queue is full the event
// is dropped and logged — ingestion must never stall on webhook
// slowness, per the source's QueueFull handling.
func (d *Dispatcher) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	select {
	case d.queue <- event:
		size := int64(len(d.queue))
		d.metrics.queueSize.Set(size)
		if size > d.metrics.queueMaxSeen.Value() {
			d.metrics.queueMaxSeen.Set(size)
		}
	default:
		d.log.Error("webhook queue full, dropping event", "type", event.Type)
	}
}

// Stop signals workers to drain the queue (bounded by DrainTimeout) and
// then cancels any remaining in-flight work.
func (d *Dispatcher) Stop() {
	if d.cancel == nil {
		return
	}
	deadline := time.Now().Add(d.cfg.DrainTimeout)
	for len(d.queue) > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if len(d.queue) > 0 {
		d.log.Warn("webhook queue not empty at shutdown, dropping remainder", "remaining", len(d.queue))
	}
	d.cancel()
	d.wg.Wait()
	d.log.Info("webhook dispatcher stopped")
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-d.queue:
			d.metrics.queueSize.Set(int64(len(d.queue)))
			d.dispatch(ctx, event)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, event Event) {
	d.mu.RLock()
	var targets []*target
	switch event.Type {
	case EventNodeAccess:
		targets = d.nodeAccessTargets
	case EventDataIngestion:
		targets = d.dataIngestTargets
	}
	handlers := append([]Handler(nil), d.handlers...)
	d.mu.RUnlock()

	var wg sync.WaitGroup
	for _, tgt := range targets {
		wg.Add(1)
		go func(tgt *target) {
			defer wg.Done()
			d.sendExternal(ctx, tgt, event)
		}(tgt)
	}
	for _, h := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			if err := h(ctx, event); err != nil {
				d.log.Error("internal webhook handler failed", "error", err)
			}
		}(h)
	}
	wg.Wait()
}

// permanentHTTPError marks a 4xx response as non-retriable, distinct
// from network errors and 5xx, which sendExternal retries.
type permanentHTTPError struct{ status int }

func (e *permanentHTTPError) Error() string { return fmt.Sprintf("webhook rejected with status %d", e.status) }

func (d *Dispatcher) sendExternal(ctx context.Context, tgt *target, event Event) {
	if !tgt.limiter.Allow() {
		d.log.Warn("webhook send skipped, target rate limited", "url", tgt.url)
		return
	}

	attempt := 0
	for {
		err := tgt.breaker.Call(ctx, func(ctx context.Context) error {
			return d.post(ctx, tgt.url, event)
		})
		if err == nil {
			d.metrics.dispatched.Inc()
			d.metrics.lastSuccess.Set(time.Now().Unix())
			return
		}
		if err == resilience.ErrCircuitOpen {
			d.log.Warn("webhook target circuit open, skipping", "url", tgt.url)
			return
		}
		permanent, isPermanent := asPermanentHTTPError(err)
		if isPermanent {
			d.log.Error("webhook rejected, not retrying", "url", tgt.url, "status", permanent.status)
			d.metrics.failed.Inc()
			d.metrics.lastError.Set(time.Now().Unix())
			return
		}
		if attempt >= d.cfg.MaxRetries {
			d.log.Error("webhook failed after max retries", "url", tgt.url, "error", err)
			d.metrics.failed.Inc()
			d.metrics.lastError.Set(time.Now().Unix())
			return
		}
		attempt++
		d.metrics.retried.Inc()
		backoff := time.Duration(1<<uint(attempt)) * time.Second
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func asPermanentHTTPError(err error) (*permanentHTTPError, bool) {
	p, ok := err.(*permanentHTTPError)
	return p, ok
}

func (d *Dispatcher) post(ctx context.Context, url string, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return &permanentHTTPError{status: 0}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 400 {
		return nil
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return &permanentHTTPError{status: resp.StatusCode}
}
