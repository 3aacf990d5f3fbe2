package merge

import (
	"context"
	"testing"
	"time"

	"github.com/kgraph/ingestor/engine/domain"
	"github.com/kgraph/ingestor/engine/identity"
)

type fakeStore struct {
	entities map[string]*domain.Entity
	edges    map[string]*domain.Edge
	deleted  map[string]bool
	audits   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{entities: map[string]*domain.Entity{}, edges: map[string]*domain.Edge{}, deleted: map[string]bool{}}
}

func (s *fakeStore) GetEntity(_ context.Context, id string) (*domain.Entity, error) {
	return s.entities[id], nil
}

func (s *fakeStore) IncomingEdges(_ context.Context, entityID string) ([]*domain.Edge, error) {
	var out []*domain.Edge
	for _, e := range s.edges {
		if e.TargetID == entityID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeStore) OutgoingEdges(_ context.Context, entityID string) ([]*domain.Edge, error) {
	var out []*domain.Edge
	for _, e := range s.edges {
		if e.SourceID == entityID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeStore) FindEdge(_ context.Context, sourceID, targetID, name string) (*domain.Edge, error) {
	for _, e := range s.edges {
		if e.SourceID == sourceID && e.TargetID == targetID && e.Name == name {
			return e, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) CreateEdge(_ context.Context, e *domain.Edge) error {
	s.edges[e.ID] = e
	return nil
}

func (s *fakeStore) UpdateEdge(_ context.Context, e *domain.Edge) error {
	s.edges[e.ID] = e
	return nil
}

func (s *fakeStore) DeleteEdge(_ context.Context, id string) error {
	delete(s.edges, id)
	return nil
}

func (s *fakeStore) DeleteResidualEdges(_ context.Context, entityID string) error {
	for id, e := range s.edges {
		if e.SourceID == entityID || e.TargetID == entityID {
			delete(s.edges, id)
		}
	}
	return nil
}

func (s *fakeStore) CreateAuditEdge(_ context.Context, duplicateID, canonicalID string, mergedAt time.Time) error {
	s.audits++
	s.edges["audit-"+duplicateID] = &domain.Edge{ID: "audit-" + duplicateID, SourceID: duplicateID, TargetID: canonicalID, Name: "IS_DUPLICATE_OF", CreatedAt: mergedAt}
	return nil
}

func (s *fakeStore) TombstoneEntity(_ context.Context, id, mergedInto string, mergedAt time.Time) error {
	e := s.entities[id]
	e.IsMerged = true
	e.MergedInto = mergedInto
	t := mergedAt
	e.MergedAt = &t
	return nil
}

func (s *fakeStore) DeleteEntity(_ context.Context, id string) error {
	s.deleted[id] = true
	delete(s.entities, id)
	return nil
}

func idCfg() identity.Config { return identity.Config{Deterministic: true} }

func TestMergeTransfersIncomingAndOutgoingEdges(t *testing.T) {
	store := newFakeStore()
	canonical := &domain.Entity{ID: "canonical", Tenant: "t1"}
	duplicate := &domain.Entity{ID: "duplicate", Tenant: "t1"}
	store.entities[canonical.ID] = canonical
	store.entities[duplicate.ID] = duplicate
	store.edges["e1"] = &domain.Edge{ID: "e1", SourceID: "other", TargetID: "duplicate", Name: "KNOWS", Tenant: "t1"}
	store.edges["e2"] = &domain.Edge{ID: "e2", SourceID: "duplicate", TargetID: "other2", Name: "KNOWS", Tenant: "t1"}

	eng := New(store, nil, idCfg())
	stats, err := eng.Merge(context.Background(), "canonical", "duplicate", Options{MaintainAuditTrail: true, TombstoneInsteadOfDelete: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.EdgesTransferred != 2 {
		t.Fatalf("expected 2 edges transferred, got %d (%+v)", stats.EdgesTransferred, stats)
	}
	if _, ok := store.edges["e1"]; ok {
		t.Fatalf("expected original incoming edge to be deleted")
	}
	if _, ok := store.edges["e2"]; ok {
		t.Fatalf("expected original outgoing edge to be deleted")
	}
	foundIncoming, foundOutgoing := false, false
	for _, e := range store.edges {
		if e.SourceID == "other" && e.TargetID == "canonical" {
			foundIncoming = true
		}
		if e.SourceID == "canonical" && e.TargetID == "other2" {
			foundOutgoing = true
		}
	}
	if !foundIncoming || !foundOutgoing {
		t.Fatalf("expected transferred edges to point at canonical, got %+v", store.edges)
	}
	if !duplicate.IsMerged || duplicate.MergedInto != "canonical" {
		t.Fatalf("expected the duplicate to be tombstoned, got %+v", duplicate)
	}
	if store.audits != 1 {
		t.Fatalf("expected one audit edge to be created")
	}
}

func TestMergeSkipsSelfReferentialEdges(t *testing.T) {
	store := newFakeStore()
	canonical := &domain.Entity{ID: "canonical", Tenant: "t1"}
	duplicate := &domain.Entity{ID: "duplicate", Tenant: "t1"}
	store.entities[canonical.ID] = canonical
	store.entities[duplicate.ID] = duplicate
	store.edges["self"] = &domain.Edge{ID: "self", SourceID: "duplicate", TargetID: "canonical", Name: "KNOWS", Tenant: "t1"}
	store.edges["self2"] = &domain.Edge{ID: "self2", SourceID: "canonical", TargetID: "duplicate", Name: "KNOWS", Tenant: "t1"}

	eng := New(store, nil, idCfg())
	stats, err := eng.Merge(context.Background(), "canonical", "duplicate", Options{TombstoneInsteadOfDelete: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.EdgesTransferred != 0 {
		t.Fatalf("expected no edges transferred for a purely self-referential pair, got %d", stats.EdgesTransferred)
	}
	if len(store.edges) != 0 {
		t.Fatalf("expected self-referential edges to be dropped, got %+v", store.edges)
	}
}

func TestMergeResolvesConflictingEdgeByMergingProperties(t *testing.T) {
	store := newFakeStore()
	canonical := &domain.Entity{ID: "canonical", Tenant: "t1"}
	duplicate := &domain.Entity{ID: "duplicate", Tenant: "t1"}
	store.entities[canonical.ID] = canonical
	store.entities[duplicate.ID] = duplicate

	store.edges["existing"] = &domain.Edge{ID: "existing", SourceID: "other", TargetID: "canonical", Name: "KNOWS", Tenant: "t1", Episodes: []string{"ep1"}}
	store.edges["conflict"] = &domain.Edge{ID: "conflict", SourceID: "other", TargetID: "duplicate", Name: "KNOWS", Tenant: "t1", Episodes: []string{"ep2"}}

	eng := New(store, nil, idCfg())
	stats, err := eng.Merge(context.Background(), "canonical", "duplicate", Options{TombstoneInsteadOfDelete: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.ConflictsResolved != 1 {
		t.Fatalf("expected one conflict resolved, got %d", stats.ConflictsResolved)
	}
	merged := store.edges["existing"]
	if len(merged.Episodes) != 2 {
		t.Fatalf("expected episodes to be unioned, got %+v", merged.Episodes)
	}
	if _, ok := store.edges["conflict"]; ok {
		t.Fatalf("expected the conflicting original edge to be deleted")
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	store := newFakeStore()
	canonical := &domain.Entity{ID: "canonical", Tenant: "t1"}
	mergedAt := time.Now()
	duplicate := &domain.Entity{ID: "duplicate", Tenant: "t1", IsMerged: true, MergedInto: "canonical", MergedAt: &mergedAt}
	store.entities[canonical.ID] = canonical
	store.entities[duplicate.ID] = duplicate

	eng := New(store, nil, idCfg())
	stats, err := eng.Merge(context.Background(), "canonical", "duplicate", Options{TombstoneInsteadOfDelete: true})
	if err != nil {
		t.Fatalf("unexpected error on idempotent re-merge: %v", err)
	}
	if stats.EdgesTransferred != 0 || stats.CentralityRecalculated {
		t.Fatalf("expected a no-op for an already-merged duplicate, got %+v", stats)
	}
}

func TestMergeRejectsSelfMerge(t *testing.T) {
	store := newFakeStore()
	store.entities["a"] = &domain.Entity{ID: "a", Tenant: "t1"}
	eng := New(store, nil, idCfg())
	if _, err := eng.Merge(context.Background(), "a", "a", Options{}); err == nil {
		t.Fatalf("expected an error merging an entity into itself")
	}
}

func TestMergeRejectsCrossTenantWithoutOptIn(t *testing.T) {
	store := newFakeStore()
	store.entities["a"] = &domain.Entity{ID: "a", Tenant: "t1"}
	store.entities["b"] = &domain.Entity{ID: "b", Tenant: "t2"}
	eng := New(store, nil, idCfg())
	if _, err := eng.Merge(context.Background(), "a", "b", Options{}); err == nil {
		t.Fatalf("expected cross-tenant merge to be rejected without AllowCrossTenantMerge")
	}
}

func TestMergeDeletesDuplicateWhenNotTombstoning(t *testing.T) {
	store := newFakeStore()
	store.entities["a"] = &domain.Entity{ID: "a", Tenant: "t1"}
	store.entities["b"] = &domain.Entity{ID: "b", Tenant: "t1"}
	eng := New(store, nil, idCfg())
	stats, err := eng.Merge(context.Background(), "a", "b", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !stats.NodesDeleted {
		t.Fatalf("expected NodesDeleted to be set")
	}
	if !store.deleted["b"] {
		t.Fatalf("expected the duplicate to be physically deleted")
	}
}

type fakeCentrality struct {
	result CentralityResult
	err    error
}

func (c *fakeCentrality) RefreshNode(context.Context, string) (CentralityResult, error) {
	return c.result, c.err
}

func TestMergeUsesExternalCentralityServiceWhenAvailable(t *testing.T) {
	store := newFakeStore()
	store.entities["a"] = &domain.Entity{ID: "a", Tenant: "t1"}
	store.entities["b"] = &domain.Entity{ID: "b", Tenant: "t1"}
	svc := &fakeCentrality{result: CentralityResult{Degree: 0.5, PageRank: 0.4}}
	eng := New(store, svc, idCfg())
	stats, err := eng.Merge(context.Background(), "a", "b", Options{TombstoneInsteadOfDelete: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.CentralityMethod != "external_service" {
		t.Fatalf("expected the external service method to be recorded, got %q", stats.CentralityMethod)
	}
	if store.entities["a"].Degree != 0.5 {
		t.Fatalf("expected the canonical's degree to be updated from the service result")
	}
}

func TestMergeFallsBackToLocalApproximationOnCentralityFailure(t *testing.T) {
	store := newFakeStore()
	store.entities["a"] = &domain.Entity{ID: "a", Tenant: "t1", ConnectionsLen: 20}
	store.entities["b"] = &domain.Entity{ID: "b", Tenant: "t1"}
	svc := &fakeCentrality{err: context.DeadlineExceeded}
	eng := New(store, svc, idCfg())
	stats, err := eng.Merge(context.Background(), "a", "b", Options{TombstoneInsteadOfDelete: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.CentralityMethod != "local_approximation" {
		t.Fatalf("expected the local approximation method to be recorded, got %q", stats.CentralityMethod)
	}
	if store.entities["a"].Degree != 1 {
		t.Fatalf("expected degree to clamp to 1 for a highly connected node, got %v", store.entities["a"].Degree)
	}
}
