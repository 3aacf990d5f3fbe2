// Package dedup resolves duplicate entities, both inline during episode
// ingestion and in an offline maintenance sweep over a tenant's graph,
// grounded on the source's node_operations.py and
// maintenance_dedupe_enhanced.py.
package dedup

import "github.com/kgraph/ingestor/engine/domain"

// SelectPrimary picks the canonical member of a duplicate group using the
// single score formula mandated for both the per-episode and maintenance
// use cases: has embedding (+1000), has summary (+100), minus the
// created_at unix timestamp — oldest non-empty record wins ties. Returns
// nil for an empty group.
func SelectPrimary(members []*domain.Entity) *domain.Entity {
	if len(members) == 0 {
		return nil
	}
	best := members[0]
	bestScore := primaryScore(best)
	for _, m := range members[1:] {
		if s := primaryScore(m); s > bestScore {
			best = m
			bestScore = s
		}
	}
	return best
}

func primaryScore(e *domain.Entity) float64 {
	score := -float64(e.CreatedAt.Unix())
	if len(e.NameEmbedding) > 0 {
		score += 1000
	}
	if e.Summary != "" {
		score += 100
	}
	return score
}
