package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kgraph/ingestor/engine/domain"
	"github.com/kgraph/ingestor/engine/identity"
)

// ResolutionStore is the narrow store dependency the per-episode resolver
// needs: an exact, case-sensitive name lookup scoped to a tenant.
type ResolutionStore interface {
	// FindExactByName returns the oldest stored entity named name in
	// tenant, or nil if none exists.
	FindExactByName(ctx context.Context, tenant, name string) (*domain.Entity, error)
}

// HybridSearch returns reciprocal-rank-fused lexical+embedding candidate
// neighbors for a node pending LLM-assisted resolution.
type HybridSearch interface {
	Search(ctx context.Context, tenant string, node *domain.Entity) ([]*domain.Entity, error)
}

// NodeResolution is one entry of the LLM's duplicate-judgment response,
// positionally aligned with the deferred node it was asked about.
// DuplicateIdx is an index into that node's candidate list, or -1 when the
// LLM judges the node to be new. Duplicates lists further candidate
// indices the LLM also considers duplicates of the same node.
type NodeResolution struct {
	ID           string
	DuplicateIdx int
	Duplicates   []int
}

// LLMJudge resolves a batch of deferred nodes against their respective
// hybrid-search candidate lists in a single call, returning one
// NodeResolution per node in the same order.
type LLMJudge interface {
	ResolveDuplicates(ctx context.Context, nodes []*domain.Entity, candidates [][]*domain.Entity) ([]NodeResolution, error)
}

// DuplicatePair records that an extracted node at ExtractedIndex resolved
// to ResolvedID via some resolution path.
type DuplicatePair struct {
	ExtractedIndex int
	ResolvedID     string
	Via            string
}

// EpisodeResolution is the outcome of resolving one episode's extracted
// nodes: the final identity to use for each input position, plus a record
// of which positions turned out to be duplicates and any non-fatal
// warnings (e.g. an out-of-range LLM index).
type EpisodeResolution struct {
	Resolved       []*domain.Entity
	DuplicatePairs []DuplicatePair
	Warnings       []string
}

// ResolverConfig tunes the per-episode resolver.
type ResolverConfig struct {
	// CrossTenant keys the in-episode cache and exact-match lookup by
	// name alone rather than (name, tenant).
	CrossTenant bool
}

// Resolver resolves a batch of newly extracted entity candidates from one
// episode against the store, an in-episode cache, and LLM-assisted
// fuzzy matching for the remainder, grounded on resolve_extracted_nodes.
type Resolver struct {
	cfg    ResolverConfig
	store  ResolutionStore
	hybrid HybridSearch
	llm    LLMJudge
	idCfg  identity.Config
}

// NewResolver builds a Resolver. idCfg is used to assign a deterministic
// or random id to genuinely new entities.
func NewResolver(cfg ResolverConfig, store ResolutionStore, hybrid HybridSearch, llm LLMJudge, idCfg identity.Config) *Resolver {
	return &Resolver{cfg: cfg, store: store, hybrid: hybrid, llm: llm, idCfg: idCfg}
}

func (r *Resolver) cacheKey(name, tenant string) string {
	if r.cfg.CrossTenant {
		return name
	}
	return tenant + "|" + name
}

type deferredNode struct {
	index     int
	node      *domain.Entity
	cacheKey  string
}

// ResolveEpisode runs the four-step per-episode resolution sequentially
// over extracted, strictly in order to avoid intra-episode races: the
// in-episode cache, an exact store match, and — for whatever remains — a
// single batched hybrid-search + LLM judgment call.
func (r *Resolver) ResolveEpisode(ctx context.Context, tenant string, extracted []*domain.Entity, now time.Time) (*EpisodeResolution, error) {
	res := &EpisodeResolution{Resolved: make([]*domain.Entity, len(extracted))}
	episodeMap := make(map[string]*domain.Entity, len(extracted))
	var deferred []deferredNode

	for i, node := range extracted {
		key := r.cacheKey(node.Name, tenant)
		if existing, ok := episodeMap[key]; ok {
			res.Resolved[i] = existing
			res.DuplicatePairs = append(res.DuplicatePairs, DuplicatePair{ExtractedIndex: i, ResolvedID: existing.ID, Via: "episode_cache"})
			continue
		}

		stored, err := r.store.FindExactByName(ctx, tenant, node.Name)
		if err != nil {
			return nil, fmt.Errorf("dedup: exact-name lookup for %q: %w", node.Name, err)
		}
		if stored != nil {
			episodeMap[key] = stored
			res.Resolved[i] = stored
			res.DuplicatePairs = append(res.DuplicatePairs, DuplicatePair{ExtractedIndex: i, ResolvedID: stored.ID, Via: "exact_match"})
			continue
		}

		episodeMap[key] = node
		res.Resolved[i] = node
		deferred = append(deferred, deferredNode{index: i, node: node, cacheKey: key})
	}

	if len(deferred) == 0 {
		return res, nil
	}

	nodes := make([]*domain.Entity, len(deferred))
	candidatesByNode := make([][]*domain.Entity, len(deferred))
	for i, d := range deferred {
		candidates, err := r.hybrid.Search(ctx, tenant, d.node)
		if err != nil {
			return nil, fmt.Errorf("dedup: hybrid search for %q: %w", d.node.Name, err)
		}
		nodes[i] = d.node
		candidatesByNode[i] = candidates
	}

	resolutions, err := r.llm.ResolveDuplicates(ctx, nodes, candidatesByNode)
	if err != nil {
		return nil, fmt.Errorf("dedup: LLM duplicate resolution: %w", err)
	}
	if len(resolutions) != len(deferred) {
		return nil, fmt.Errorf("dedup: LLM returned %d resolutions for %d deferred nodes", len(resolutions), len(deferred))
	}

	aliasOf := make(map[*domain.Entity]*domain.Entity, len(deferred))
	for i, d := range deferred {
		resolution := resolutions[i]
		candidates := candidatesByNode[i]

		dupIdx := resolution.DuplicateIdx
		if dupIdx >= 0 && dupIdx >= len(candidates) {
			msg := fmt.Sprintf("dedup: node %q: duplicate_idx %d out of range for %d candidates, treating as new", d.node.Name, dupIdx, len(candidates))
			slog.Warn(msg)
			res.Warnings = append(res.Warnings, msg)
			dupIdx = -1
		}

		if dupIdx >= 0 {
			dup := candidates[dupIdx]
			aliasOf[d.node] = dup
			res.DuplicatePairs = append(res.DuplicatePairs, DuplicatePair{ExtractedIndex: d.index, ResolvedID: dup.ID, Via: "llm_judged"})
		} else {
			if d.node.ID == "" {
				d.node.ID = r.idCfg.EntityID(d.node.Name, tenant)
			}
			d.node.Tenant = tenant
			if d.node.CreatedAt.IsZero() {
				d.node.CreatedAt = now
			}
		}

		for _, secondary := range resolution.Duplicates {
			if secondary < 0 || secondary >= len(candidates) || secondary == dupIdx {
				if secondary != dupIdx {
					msg := fmt.Sprintf("dedup: node %q: secondary duplicate index %d out of range for %d candidates, ignored", d.node.Name, secondary, len(candidates))
					slog.Warn(msg)
					res.Warnings = append(res.Warnings, msg)
				}
				continue
			}
			res.DuplicatePairs = append(res.DuplicatePairs, DuplicatePair{ExtractedIndex: d.index, ResolvedID: candidates[secondary].ID, Via: "llm_judged_secondary"})
		}
	}

	for i, e := range res.Resolved {
		if alias, ok := aliasOf[e]; ok {
			res.Resolved[i] = alias
		}
	}
	return res, nil
}
