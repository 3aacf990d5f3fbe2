// Package ratelimit implements the sliding-window admission control used
// by the ingestion worker pool, grounded on the source's RateLimitWindow
// and RateLimiter classes and structured after pkg/resilience.Limiter's
// mutex-plus-injectable-clock idiom.
package ratelimit

import (
	"sync"
	"time"

	"github.com/kgraph/ingestor/engine/domain"
	"github.com/kgraph/ingestor/pkg/metrics"
)

// Opts configures the two admission windows.
type Opts struct {
	// GlobalRate is the max number of admits per GlobalWindow across all
	// tenants.
	GlobalRate   int
	GlobalWindow time.Duration
	// TenantRate is the max number of admits per TenantWindow for a single
	// tenant before it is suspended.
	TenantRate   int
	TenantWindow time.Duration
	// Suspension is how long a tenant that exhausts its window is denied
	// outright, independent of window occupancy.
	Suspension time.Duration
	// Registry, if set, exposes admitted/rejected counters and a gauge of
	// currently suspended tenants. Nil disables metrics entirely.
	Registry *metrics.Registry
}

// DefaultOpts matches the source worker's defaults: 10 req/s globally,
// 100 req/min per tenant, 60s suspension on violation.
var DefaultOpts = Opts{
	GlobalRate:   10,
	GlobalWindow: time.Second,
	TenantRate:   100,
	TenantWindow: time.Minute,
	Suspension:   60 * time.Second,
}

// Limiter is a non-blocking sliding-window admission controller with a
// global window and a per-tenant window plus suspension. Admit never
// blocks; it returns immediately with admit or a *domain.RateLimitedError.
type Limiter struct {
	mu   sync.Mutex
	opts Opts
	now  func() time.Time

	global      []time.Time
	tenant      map[string][]time.Time
	suspendedAt map[string]time.Time

	admitted  *metrics.Counter
	rejected  *metrics.Counter
	suspended *metrics.Gauge
}

// New creates a Limiter with the given options.
func New(opts Opts) *Limiter {
	if opts.GlobalRate <= 0 {
		opts.GlobalRate = DefaultOpts.GlobalRate
	}
	if opts.GlobalWindow <= 0 {
		opts.GlobalWindow = DefaultOpts.GlobalWindow
	}
	if opts.TenantRate <= 0 {
		opts.TenantRate = DefaultOpts.TenantRate
	}
	if opts.TenantWindow <= 0 {
		opts.TenantWindow = DefaultOpts.TenantWindow
	}
	if opts.Suspension <= 0 {
		opts.Suspension = DefaultOpts.Suspension
	}
	l := &Limiter{
		opts:        opts,
		now:         time.Now,
		tenant:      make(map[string][]time.Time),
		suspendedAt: make(map[string]time.Time),
	}
	if opts.Registry != nil {
		l.admitted = opts.Registry.Counter("ratelimit_admitted_total", "requests admitted by the sliding-window limiter")
		l.rejected = opts.Registry.Counter("ratelimit_rejected_total", "requests rejected by the sliding-window limiter")
		l.suspended = opts.Registry.Gauge("ratelimit_suspended_tenants", "tenants currently under suspension")
	}
	return l
}

// Admit checks and, if allowed, records a request for tenant. It never
// blocks: callers back off themselves using the returned RetryAfter.
func (l *Limiter) Admit(tenant string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.global = prune(l.global, now, l.opts.GlobalWindow)
	if len(l.global) >= l.opts.GlobalRate {
		l.reject()
		return &domain.RateLimitedError{Scope: "global", RetryAfter: l.opts.GlobalWindow}
	}

	if until, ok := l.suspendedAt[tenant]; ok {
		if remaining := until.Sub(now); remaining > 0 {
			l.reject()
			return &domain.RateLimitedError{Scope: tenant, RetryAfter: remaining}
		}
		delete(l.suspendedAt, tenant)
		if l.suspended != nil {
			l.suspended.Dec()
		}
	}

	window := prune(l.tenant[tenant], now, l.opts.TenantWindow)
	if len(window) >= l.opts.TenantRate {
		l.suspendedAt[tenant] = now.Add(l.opts.Suspension)
		l.tenant[tenant] = window
		if l.suspended != nil {
			l.suspended.Inc()
		}
		l.reject()
		return &domain.RateLimitedError{Scope: tenant, RetryAfter: l.opts.Suspension}
	}

	l.global = append(l.global, now)
	l.tenant[tenant] = append(window, now)
	if l.admitted != nil {
		l.admitted.Inc()
	}
	return nil
}

func (l *Limiter) reject() {
	if l.rejected != nil {
		l.rejected.Inc()
	}
}

// prune drops entries older than horizon relative to now. The slice is
// append-ordered (oldest first), so a single forward scan suffices.
func prune(times []time.Time, now time.Time, horizon time.Duration) []time.Time {
	cutoff := now.Add(-horizon)
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	out := make([]time.Time, len(times)-i)
	copy(out, times[i:])
	return out
}
