package semantic

import (
	"context"
	"sort"

	"github.com/kgraph/ingestor/engine/domain"
)

// GraphLookup is the narrow graph dependency HybridSearch needs: a
// lexical prefix index plus hydration of a bare id into a full entity.
// engine/graph.Store implements this.
type GraphLookup interface {
	SearchByNamePrefix(ctx context.Context, tenant, prefix string, limit int) ([]*domain.Entity, error)
	GetEntity(ctx context.Context, id string) (*domain.Entity, error)
}

// rrfK is the standard reciprocal-rank-fusion constant.
const rrfK = 60

// HybridSearch fuses a lexical prefix search against the graph store
// with a semantic k-NN search against the vector store into one
// reciprocal-rank-fused candidate list, grounded on
// resolve_extracted_nodes's step 4 (spec.md §4.5 step 4 / SPEC_FULL.md
// §4.5.1) and graphiti_core's NODE_HYBRID_SEARCH_RRF recipe.
type HybridSearch struct {
	graph    GraphLookup
	vectors  *VectorStore
	embedder Embedder

	// MaxCandidates caps the fused candidate list; defaults to 10.
	MaxCandidates int
}

// NewHybridSearch builds a HybridSearch. vectors and embedder may be nil
// to run lexical-only (e.g. in an environment with no vector store
// configured), degrading gracefully rather than failing resolution.
func NewHybridSearch(graph GraphLookup, vectors *VectorStore, embedder Embedder) *HybridSearch {
	return &HybridSearch{graph: graph, vectors: vectors, embedder: embedder, MaxCandidates: 10}
}

// Search implements engine/dedup.HybridSearch.
func (h *HybridSearch) Search(ctx context.Context, tenant string, node *domain.Entity) ([]*domain.Entity, error) {
	max := h.MaxCandidates
	if max <= 0 {
		max = 10
	}

	lexical, err := h.graph.SearchByNamePrefix(ctx, tenant, node.Name, max)
	if err != nil {
		return nil, err
	}

	var hits []SearchResult
	if h.vectors != nil && h.embedder != nil {
		embedding := node.NameEmbedding
		if len(embedding) == 0 {
			embedding, err = h.embedder.Embed(ctx, node.Name)
			if err != nil {
				return nil, err
			}
		}
		hits, err = h.vectors.Search(ctx, tenant, embedding, max)
		if err != nil {
			return nil, err
		}
	}

	scores := make(map[string]float64)
	var order []string
	add := func(id string, rank int) {
		if _, seen := scores[id]; !seen {
			order = append(order, id)
		}
		scores[id] += 1.0 / float64(rrfK+rank)
	}

	byID := make(map[string]*domain.Entity, len(lexical))
	for i, e := range lexical {
		if e.ID == node.ID {
			continue
		}
		byID[e.ID] = e
		add(e.ID, i+1)
	}
	for i, r := range hits {
		if r.EntityID == "" || r.EntityID == node.ID {
			continue
		}
		add(r.EntityID, i+1)
	}

	sort.SliceStable(order, func(i, j int) bool { return scores[order[i]] > scores[order[j]] })
	if len(order) > max {
		order = order[:max]
	}

	out := make([]*domain.Entity, 0, len(order))
	for _, id := range order {
		if e, ok := byID[id]; ok {
			out = append(out, e)
			continue
		}
		e, err := h.graph.GetEntity(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
