// Package merge atomically folds a duplicate entity into its canonical
// counterpart: edge transfer with a conflict-resolution policy, an
// optional audit trail, tombstoning or deletion of the duplicate, and a
// best-effort centrality refresh, grounded on the source's
// merge_node_into / build_duplicate_of_edges / execute_merge_operations
// integration tests and merge_edge_properties.
package merge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kgraph/ingestor/engine/domain"
	"github.com/kgraph/ingestor/engine/identity"
)

// Store is the narrow graph dependency the merge engine needs, kept
// separate from the full engine/graph surface so this package has no
// hard dependency on a particular driver.
type Store interface {
	GetEntity(ctx context.Context, id string) (*domain.Entity, error)
	// IncomingEdges returns edges X-[r]->entityID.
	IncomingEdges(ctx context.Context, entityID string) ([]*domain.Edge, error)
	// OutgoingEdges returns edges entityID-[r]->Y.
	OutgoingEdges(ctx context.Context, entityID string) ([]*domain.Edge, error)
	// FindEdge returns the edge sourceID-[name]->targetID, or nil if none exists.
	FindEdge(ctx context.Context, sourceID, targetID, name string) (*domain.Edge, error)
	CreateEdge(ctx context.Context, e *domain.Edge) error
	UpdateEdge(ctx context.Context, e *domain.Edge) error
	DeleteEdge(ctx context.Context, id string) error
	// DeleteResidualEdges removes any edge still incident to entityID
	// (other than audit edges) once transfer is complete.
	DeleteResidualEdges(ctx context.Context, entityID string) error
	CreateAuditEdge(ctx context.Context, duplicateID, canonicalID string, mergedAt time.Time) error
	TombstoneEntity(ctx context.Context, id, mergedInto string, mergedAt time.Time) error
	DeleteEntity(ctx context.Context, id string) error
}

// CentralityResult is the refreshed set of centrality metrics for one
// node, either from the external service or the local fallback.
type CentralityResult struct {
	Degree, PageRank, Betweenness, Eigenvector, Importance float64
}

// CentralityService refreshes a single node's centrality metrics.
type CentralityService interface {
	RefreshNode(ctx context.Context, entityID string) (CentralityResult, error)
}

// Options tunes one merge call.
type Options struct {
	AllowCrossTenantMerge bool
	MaintainAuditTrail    bool
	// TombstoneInsteadOfDelete soft-deletes the duplicate (is_merged,
	// merged_into, merged_at) rather than physically removing it.
	TombstoneInsteadOfDelete bool
}

// Stats reports what one merge call actually did.
type Stats struct {
	EdgesTransferred      int
	ConflictsResolved     int
	NodesDeleted          bool
	CentralityRecalculated bool
	CentralityMethod      string
	DurationMs            int64
	Errors                []string
}

// Engine merges a duplicate entity into a canonical one.
type Engine struct {
	store      Store
	centrality CentralityService
	idCfg      identity.Config
	now        func() time.Time
}

// New builds a merge Engine. idCfg is used to derive ids for newly
// created transferred edges.
func New(store Store, centrality CentralityService, idCfg identity.Config) *Engine {
	return &Engine{store: store, centrality: centrality, idCfg: idCfg, now: time.Now}
}

// Merge folds duplicateID into canonicalID. It is idempotent: if
// duplicateID is already tombstoned as merged into canonicalID, this is
// a no-op that returns zeroed stats and a nil error.
func (e *Engine) Merge(ctx context.Context, canonicalID, duplicateID string, opts Options) (*Stats, error) {
	start := e.now()
	stats := &Stats{}

	if canonicalID == duplicateID {
		return nil, &domain.MergeError{Canonical: canonicalID, Duplicate: duplicateID, Reason: "cannot merge an entity into itself"}
	}

	canonical, err := e.store.GetEntity(ctx, canonicalID)
	if err != nil {
		return nil, fmt.Errorf("merge: load canonical %s: %w", canonicalID, err)
	}
	if canonical == nil {
		return nil, &domain.MergeError{Canonical: canonicalID, Duplicate: duplicateID, Reason: "canonical entity does not exist"}
	}
	duplicate, err := e.store.GetEntity(ctx, duplicateID)
	if err != nil {
		return nil, fmt.Errorf("merge: load duplicate %s: %w", duplicateID, err)
	}
	if duplicate == nil {
		return nil, &domain.MergeError{Canonical: canonicalID, Duplicate: duplicateID, Reason: "duplicate entity does not exist"}
	}

	if duplicate.IsMerged && duplicate.MergedInto == canonical.ID {
		stats.DurationMs = e.now().Sub(start).Milliseconds()
		return stats, nil
	}

	if canonical.Tenant != duplicate.Tenant {
		if !opts.AllowCrossTenantMerge {
			return nil, &domain.MergeError{Canonical: canonicalID, Duplicate: duplicateID, Reason: "cross-tenant merge requires AllowCrossTenantMerge"}
		}
		slog.Warn("cross-tenant merge", "canonical_tenant", canonical.Tenant, "duplicate_tenant", duplicate.Tenant, "canonical", canonical.ID, "duplicate", duplicate.ID)
	}

	incoming, err := e.store.IncomingEdges(ctx, duplicate.ID)
	if err != nil {
		return nil, fmt.Errorf("merge: load incoming edges for %s: %w", duplicate.ID, err)
	}
	for _, edge := range incoming {
		if edge.SourceID == canonical.ID {
			continue
		}
		if err := e.transferEdge(ctx, edge, edge.SourceID, canonical.ID, canonical.Tenant, stats); err != nil {
			stats.Errors = append(stats.Errors, err.Error())
		}
	}

	outgoing, err := e.store.OutgoingEdges(ctx, duplicate.ID)
	if err != nil {
		return nil, fmt.Errorf("merge: load outgoing edges for %s: %w", duplicate.ID, err)
	}
	for _, edge := range outgoing {
		if edge.TargetID == canonical.ID {
			if err := e.store.DeleteEdge(ctx, edge.ID); err != nil {
				stats.Errors = append(stats.Errors, fmt.Sprintf("delete self-referential edge %s: %v", edge.ID, err))
			}
			continue
		}
		if err := e.transferEdge(ctx, edge, canonical.ID, edge.TargetID, canonical.Tenant, stats); err != nil {
			stats.Errors = append(stats.Errors, err.Error())
		}
	}

	if err := e.store.DeleteResidualEdges(ctx, duplicate.ID); err != nil {
		stats.Errors = append(stats.Errors, fmt.Sprintf("cleanup residual edges: %v", err))
	}

	mergedAt := e.now()
	if opts.MaintainAuditTrail {
		if err := e.store.CreateAuditEdge(ctx, duplicate.ID, canonical.ID, mergedAt); err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("create audit edge: %v", err))
		}
	}

	if opts.TombstoneInsteadOfDelete {
		if err := e.store.TombstoneEntity(ctx, duplicate.ID, canonical.ID, mergedAt); err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("tombstone duplicate: %v", err))
		}
	} else {
		if err := e.store.DeleteEntity(ctx, duplicate.ID); err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("delete duplicate: %v", err))
		}
		stats.NodesDeleted = true
	}

	e.refreshCentrality(ctx, canonical, stats)

	stats.DurationMs = e.now().Sub(start).Milliseconds()
	return stats, nil
}

// transferEdge moves edge so it connects sourceID to targetID instead of
// whichever endpoint was duplicate.ID, creating a new edge if none of the
// same type already exists between the new endpoints, or merging
// properties into the existing one. The original edge is always deleted.
func (e *Engine) transferEdge(ctx context.Context, edge *domain.Edge, sourceID, targetID, tenant string, stats *Stats) error {
	existing, err := e.store.FindEdge(ctx, sourceID, targetID, edge.Name)
	if err != nil {
		return fmt.Errorf("find existing edge %s-[%s]->%s: %w", sourceID, edge.Name, targetID, err)
	}
	if existing == nil {
		transferred := &domain.Edge{
			ID:            e.idCfg.EdgeID(sourceID, targetID, edge.Name, tenant),
			SourceID:      sourceID,
			TargetID:      targetID,
			Tenant:        tenant,
			Name:          edge.Name,
			Fact:          edge.Fact,
			FactEmbedding: edge.FactEmbedding,
			Episodes:      edge.Episodes,
			Attributes:    edge.Attributes,
			CreatedAt:     edge.CreatedAt,
			ValidAt:       edge.ValidAt,
			InvalidAt:     edge.InvalidAt,
		}
		if err := e.store.CreateEdge(ctx, transferred); err != nil {
			return fmt.Errorf("create transferred edge: %w", err)
		}
		stats.EdgesTransferred++
	} else {
		merged := mergeEdgeProperties(existing, edge)
		if err := e.store.UpdateEdge(ctx, merged); err != nil {
			return fmt.Errorf("update merged edge %s: %w", existing.ID, err)
		}
		stats.ConflictsResolved++
	}
	if err := e.store.DeleteEdge(ctx, edge.ID); err != nil {
		return fmt.Errorf("delete original edge %s: %w", edge.ID, err)
	}
	return nil
}

func (e *Engine) refreshCentrality(ctx context.Context, canonical *domain.Entity, stats *Stats) {
	if e.centrality != nil {
		if result, err := e.centrality.RefreshNode(ctx, canonical.ID); err == nil {
			canonical.Degree = result.Degree
			canonical.PageRank = result.PageRank
			canonical.Betweenness = result.Betweenness
			canonical.Eigenvector = result.Eigenvector
			canonical.Importance = result.Importance
			stats.CentralityRecalculated = true
			stats.CentralityMethod = "external_service"
			return
		}
		slog.Warn("centrality service refresh failed, falling back to local approximation", "entity", canonical.ID)
	}

	canonical.ConnectionsLen += stats.EdgesTransferred
	result := ApproximateCentrality(canonical.ConnectionsLen)
	canonical.Degree = result.Degree
	canonical.PageRank = result.PageRank
	canonical.Betweenness = result.Betweenness
	stats.CentralityRecalculated = true
	stats.CentralityMethod = "local_approximation"
}
