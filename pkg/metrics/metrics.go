// Package metrics wraps github.com/prometheus/client_golang behind the
// small Counter/Gauge/Histogram surface the ingest worker pool and webhook
// dispatcher share, so call sites never touch the prometheus API directly.
package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// DefaultBuckets are the default histogram buckets (in seconds).
var DefaultBuckets = prometheus.DefBuckets

// Counter is a monotonically increasing counter.
type Counter struct{ c prometheus.Counter }

func (c *Counter) Inc()        { c.c.Inc() }
func (c *Counter) Add(n int64) { c.c.Add(float64(n)) }

// Value reads back the current counter value. Intended for snapshots and
// tests; production code should scrape the Registry's Handler instead.
func (c *Counter) Value() int64 { return int64(testutil.ToFloat64(c.c)) }

// Gauge can go up and down.
type Gauge struct{ g prometheus.Gauge }

func (g *Gauge) Set(n int64) { g.g.Set(float64(n)) }
func (g *Gauge) Inc()        { g.g.Inc() }
func (g *Gauge) Dec()        { g.g.Dec() }
func (g *Gauge) Value() int64 { return int64(testutil.ToFloat64(g.g)) }

// SetFloat sets the gauge to an exact float64 value.
func (g *Gauge) SetFloat(f float64) { g.g.Set(f) }

// FloatValue reads the gauge back as float64.
func (g *Gauge) FloatValue() float64 { return testutil.ToFloat64(g.g) }

// Histogram tracks the distribution of observed values using fixed buckets.
type Histogram struct{ h prometheus.Histogram }

// Observe records a value.
func (h *Histogram) Observe(v float64) { h.h.Observe(v) }

// Since is a convenience to observe duration since t.
func (h *Histogram) Since(t time.Time) { h.h.Observe(time.Since(t).Seconds()) }

// Registry holds named metrics backed by a dedicated prometheus.Registry,
// one per process, matching the teacher's single-registry-per-service
// convention.
type Registry struct {
	reg *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

// New creates a new Registry.
func New() *Registry {
	return &Registry{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

// Counter returns (or creates) a counter registered under name.
func (r *Registry) Counter(name, help string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	pc := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	r.reg.MustRegister(pc)
	c := &Counter{c: pc}
	r.counters[name] = c
	return c
}

// Gauge returns (or creates) a gauge registered under name.
func (r *Registry) Gauge(name, help string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	pg := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	r.reg.MustRegister(pg)
	g := &Gauge{g: pg}
	r.gauges[name] = g
	return g
}

// Histogram returns (or creates) a histogram registered under name.
func (r *Registry) Histogram(name, help string, buckets []float64) *Histogram {
	if buckets == nil {
		buckets = DefaultBuckets
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[name]; ok {
		return h
	}
	ph := prometheus.NewHistogram(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets})
	r.reg.MustRegister(ph)
	h := &Histogram{h: ph}
	r.histograms[name] = h
	return h
}

// Handler returns an http.Handler that serves /metrics in the Prometheus
// text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server on the given port serving /metrics.
func (r *Registry) Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok\n"))
	})
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}

// ServeAsync starts the metrics server in a goroutine. Errors are logged.
func (r *Registry) ServeAsync(port int) {
	go func() {
		if err := r.Serve(port); err != nil {
			fmt.Printf("metrics server error on port %d: %v\n", port, err)
		}
	}()
}
