// Package ingest implements the ingestion worker and worker pool: the
// poll/rate-limit/dispatch/ack loop that drains the task queue, grounded
// on the source's worker.py (IngestionWorker, WorkerPool).
package ingest

import (
	"context"

	"github.com/kgraph/ingestor/engine/domain"
)

// EpisodeResult reports what adding an episode produced, enough for the
// worker to kick off an asynchronous centrality refresh.
type EpisodeResult struct {
	EntityIDs []string
}

// Core is the boundary between this worker and the LLM-extraction +
// dedup + merge + graph-persistence pipeline that actually ingests
// content. It is intentionally narrow: this package has no business
// knowing how episodes are parsed into entities, only that they are.
type Core interface {
	AddEpisode(ctx context.Context, tenant string, ep domain.Episode) (*EpisodeResult, error)
	SaveEntity(ctx context.Context, tenant string, e *domain.Entity) error
	AddTriplet(ctx context.Context, tenant string, source *domain.Entity, edge *domain.Edge, target *domain.Entity) error
}

// EntityLister fetches every entity in a tenant's graph, used by the
// deduplication task kind to feed the maintenance sweep.
type EntityLister interface {
	ListEntities(ctx context.Context, tenant string) ([]*domain.Entity, error)
}

// CentralitySignaler fires a best-effort, non-blocking request to
// recompute centrality for a set of nodes. Implementations must not
// block the caller; failures are logged, not returned.
type CentralitySignaler interface {
	Signal(ctx context.Context, tenant string, nodeIDs []string)
}

// noopSignaler discards signals; used when no signaler is configured.
type noopSignaler struct{}

func (noopSignaler) Signal(context.Context, string, []string) {}

func getString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func getFloat(m map[string]any, key string, def float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	default:
		return def
	}
}

func getSubMap(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

func getStringSlice(m map[string]any, key string) []string {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func getMapSlice(m map[string]any, key string) []map[string]any {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, v := range raw {
		if sub, ok := v.(map[string]any); ok {
			out = append(out, sub)
		}
	}
	return out
}
