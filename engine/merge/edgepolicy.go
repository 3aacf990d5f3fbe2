package merge

import (
	"time"

	"github.com/kgraph/ingestor/engine/domain"
)

// mergeEdgeProperties resolves a conflict between an existing edge and an
// incoming one that would otherwise duplicate it, grounded on the
// source's merge_edge_properties: episodes union, created_at/valid_at
// take the earlier timestamp, invalid_at takes the later one (nil means
// still valid and wins over any set value), fact and fact_embedding keep
// the existing value unless it is empty, attributes merge with the
// existing value winning on key conflicts, and the relation name keeps
// the existing value unless it is empty.
func mergeEdgeProperties(existing, incoming *domain.Edge) *domain.Edge {
	merged := *existing

	merged.Episodes = unionEpisodes(existing.Episodes, incoming.Episodes)
	merged.CreatedAt = earlier(existing.CreatedAt, incoming.CreatedAt)
	merged.ValidAt = earlier(existing.ValidAt, incoming.ValidAt)
	merged.InvalidAt = laterOrNil(existing.InvalidAt, incoming.InvalidAt)

	if merged.Fact == "" {
		merged.Fact = incoming.Fact
	}
	if len(merged.FactEmbedding) == 0 {
		merged.FactEmbedding = incoming.FactEmbedding
	}
	if merged.Name == "" {
		merged.Name = incoming.Name
	}

	merged.Attributes = mergeAttributes(existing.Attributes, incoming.Attributes)

	return &merged
}

func unionEpisodes(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, ep := range existing {
		if !seen[ep] {
			seen[ep] = true
			out = append(out, ep)
		}
	}
	for _, ep := range incoming {
		if !seen[ep] {
			seen[ep] = true
			out = append(out, ep)
		}
	}
	return out
}

func earlier(a, b time.Time) time.Time {
	if a.IsZero() {
		return b
	}
	if b.IsZero() {
		return a
	}
	if a.Before(b) {
		return a
	}
	return b
}

// laterOrNil implements "invalid_at: max" under the convention that a nil
// invalid_at means the edge has not been invalidated, i.e. +infinity, so
// either side being nil makes the merged edge still-valid.
func laterOrNil(a, b *time.Time) *time.Time {
	if a == nil || b == nil {
		return nil
	}
	if a.After(*b) {
		return a
	}
	return b
}

func mergeAttributes(existing, incoming map[string]any) map[string]any {
	if len(existing) == 0 && len(incoming) == 0 {
		return nil
	}
	merged := make(map[string]any, len(existing)+len(incoming))
	for k, v := range incoming {
		merged[k] = v
	}
	for k, v := range existing {
		merged[k] = v
	}
	return merged
}
