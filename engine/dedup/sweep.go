package dedup

import (
	"sort"
	"strings"

	"github.com/kgraph/ingestor/engine/domain"
	"github.com/kgraph/ingestor/engine/identity"
	"github.com/kgraph/ingestor/engine/validation"
	"github.com/kgraph/ingestor/pkg/fn"
)

// DefaultEmbeddingSimilarityThreshold is the cosine threshold phase 4
// clusters on when SweepConfig.EmbeddingThreshold is left at zero.
const DefaultEmbeddingSimilarityThreshold = 0.9

// SweepConfig tunes the maintenance sweep's normalization and clustering
// behavior.
type SweepConfig struct {
	EmbeddingThreshold float64
	IdentityConfig     identity.Config
}

// DefaultSweepConfig enables enhanced normalization for phase 3 and the
// default embedding-similarity threshold for phase 4.
var DefaultSweepConfig = SweepConfig{
	EmbeddingThreshold: DefaultEmbeddingSimilarityThreshold,
	IdentityConfig:     identity.Config{Enhanced: true},
}

// DuplicateGroup is one cluster of entities the sweep judged to be
// duplicates, with Primary selected via SelectPrimary.
type DuplicateGroup struct {
	Phase      string
	Members    []*domain.Entity
	Primary    *domain.Entity
	Duplicates []*domain.Entity
}

// MaintenanceSweep runs the four-phase offline duplicate sweep over
// entities (expected to already be scoped to one tenant by the caller),
// each phase operating on the remainder left by earlier phases, grounded
// on maintenance_dedupe_enhanced.py's phase1-4 functions.
func MaintenanceSweep(entities []*domain.Entity, cfg SweepConfig) []DuplicateGroup {
	if cfg.EmbeddingThreshold <= 0 {
		cfg.EmbeddingThreshold = DefaultEmbeddingSimilarityThreshold
	}

	remainder := append([]*domain.Entity(nil), entities...)
	var groups []DuplicateGroup

	groups, remainder = sweepPhase(remainder, groups, "exact", func(e *domain.Entity) string {
		return e.Name
	}, nil)

	groups, remainder = sweepPhase(remainder, groups, "case_insensitive", func(e *domain.Entity) string {
		return strings.ToLower(e.Name)
	}, nil)

	groups, remainder = sweepPhase(remainder, groups, "normalized", func(e *domain.Entity) string {
		return cfg.IdentityConfig.Normalize(e.Name)
	}, func(members []*domain.Entity) bool {
		return anyPairCompoundGuarded(members, cfg.IdentityConfig)
	})

	groups = append(groups, embeddingSimilarityPhase(remainder, cfg)...)

	return groups
}

// sweepPhase groups the remainder by keyFunc, turns every group of size >
// 1 into a DuplicateGroup unless skip(members) vetoes it, and returns the
// updated group list plus whatever was not grouped (and so flows into the
// next phase).
func sweepPhase(remainder []*domain.Entity, groups []DuplicateGroup, phase string, keyFunc func(*domain.Entity) string, skip func([]*domain.Entity) bool) ([]DuplicateGroup, []*domain.Entity) {
	buckets := fn.GroupBy(remainder, keyFunc)
	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		if k != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	grouped := make(map[string]bool)
	for _, key := range keys {
		members := buckets[key]
		if len(members) < 2 {
			continue
		}
		if skip != nil && skip(members) {
			continue
		}
		primary := SelectPrimary(members)
		groups = append(groups, DuplicateGroup{
			Phase:      phase,
			Members:    members,
			Primary:    primary,
			Duplicates: excluding(members, primary),
		})
		for _, m := range members {
			grouped[m.ID] = true
		}
	}

	next := fn.Filter(remainder, func(e *domain.Entity) bool { return !grouped[e.ID] })
	return groups, next
}

func embeddingSimilarityPhase(remainder []*domain.Entity, cfg SweepConfig) []DuplicateGroup {
	candidates := fn.Filter(remainder, func(e *domain.Entity) bool { return len(e.NameEmbedding) > 0 })
	if len(candidates) < 2 {
		return nil
	}

	parent := make([]int, len(candidates))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}

	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			if identity.IsCompoundGuarded(candidates[i].Name, candidates[j].Name, cfg.IdentityConfig) {
				continue
			}
			if validation.SemanticSimilarity(candidates[i].NameEmbedding, candidates[j].NameEmbedding) >= cfg.EmbeddingThreshold {
				union(i, j)
			}
		}
	}

	clusters := make(map[int][]*domain.Entity)
	for i, c := range candidates {
		root := find(i)
		clusters[root] = append(clusters[root], c)
	}

	var groups []DuplicateGroup
	for _, members := range clusters {
		if len(members) < 2 {
			continue
		}
		primary := SelectPrimary(members)
		groups = append(groups, DuplicateGroup{
			Phase:      "embedding_similarity",
			Members:    members,
			Primary:    primary,
			Duplicates: excluding(members, primary),
		})
	}
	return groups
}

func anyPairCompoundGuarded(members []*domain.Entity, cfg identity.Config) bool {
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			if identity.IsCompoundGuarded(members[i].Name, members[j].Name, cfg) {
				return true
			}
		}
	}
	return false
}

func excluding(members []*domain.Entity, primary *domain.Entity) []*domain.Entity {
	out := make([]*domain.Entity, 0, len(members)-1)
	for _, m := range members {
		if m != primary {
			out = append(out, m)
		}
	}
	return out
}
