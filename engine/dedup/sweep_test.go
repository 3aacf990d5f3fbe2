package dedup

import (
	"testing"
	"time"

	"github.com/kgraph/ingestor/engine/domain"
	"github.com/kgraph/ingestor/engine/identity"
)

func TestMaintenanceSweepPhase1GroupsExactNames(t *testing.T) {
	now := time.Now()
	a := &domain.Entity{ID: "a", Name: "Acme", CreatedAt: now}
	b := &domain.Entity{ID: "b", Name: "Acme", CreatedAt: now.Add(time.Hour)}
	groups := MaintenanceSweep([]*domain.Entity{a, b}, DefaultSweepConfig)
	if len(groups) != 1 || groups[0].Phase != "exact" {
		t.Fatalf("expected one exact-phase group, got %+v", groups)
	}
	if groups[0].Primary.ID != "a" {
		t.Fatalf("expected the older entity to be primary, got %s", groups[0].Primary.ID)
	}
}

func TestMaintenanceSweepPhase2GroupsCaseInsensitive(t *testing.T) {
	now := time.Now()
	a := &domain.Entity{ID: "a", Name: "acme", CreatedAt: now}
	b := &domain.Entity{ID: "b", Name: "ACME", CreatedAt: now}
	groups := MaintenanceSweep([]*domain.Entity{a, b}, DefaultSweepConfig)
	if len(groups) != 1 || groups[0].Phase != "case_insensitive" {
		t.Fatalf("expected one case_insensitive-phase group, got %+v", groups)
	}
}

func TestAnyPairCompoundGuardedDetectsSubsetNames(t *testing.T) {
	cfg := identity.Config{Enhanced: true}
	bmo := &domain.Entity{Name: "BMO"}
	bmoTravel := &domain.Entity{Name: "BMO Corporate Travel"}
	if !anyPairCompoundGuarded([]*domain.Entity{bmo, bmoTravel}, cfg) {
		t.Fatalf("expected a compound-name pair to be detected")
	}
	acme := &domain.Entity{Name: "Acme"}
	acmeCorp := &domain.Entity{Name: "Acme, Inc."}
	if anyPairCompoundGuarded([]*domain.Entity{acme, acmeCorp}, cfg) {
		t.Fatalf("did not expect a same-normalized-name pair to trip the compound guard")
	}
}

func TestMaintenanceSweepPhase3GroupsNormalizedNames(t *testing.T) {
	now := time.Now()
	a := &domain.Entity{ID: "a", Name: "Acme, Inc.", CreatedAt: now}
	b := &domain.Entity{ID: "b", Name: "Acme Inc", CreatedAt: now}
	groups := MaintenanceSweep([]*domain.Entity{a, b}, DefaultSweepConfig)
	found := false
	for _, g := range groups {
		if g.Phase == "normalized" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a normalized-phase group, got %+v", groups)
	}
}

func TestMaintenanceSweepPhase4ClustersByEmbeddingSimilarity(t *testing.T) {
	now := time.Now()
	a := &domain.Entity{ID: "a", Name: "Acme Holdings", NameEmbedding: []float32{1, 0}, CreatedAt: now}
	b := &domain.Entity{ID: "b", Name: "Acme Group", NameEmbedding: []float32{0.99, 0.01}, CreatedAt: now}
	c := &domain.Entity{ID: "c", Name: "Globex", NameEmbedding: []float32{0, 1}, CreatedAt: now}
	groups := MaintenanceSweep([]*domain.Entity{a, b, c}, DefaultSweepConfig)
	if len(groups) != 1 || groups[0].Phase != "embedding_similarity" {
		t.Fatalf("expected one embedding_similarity-phase group, got %+v", groups)
	}
	if len(groups[0].Members) != 2 {
		t.Fatalf("expected the dissimilar entity to be excluded, got %+v", groups[0].Members)
	}
}

func TestMaintenanceSweepPhase4GuardsCompoundNames(t *testing.T) {
	now := time.Now()
	a := &domain.Entity{ID: "a", Name: "BMO", NameEmbedding: []float32{1, 0}, CreatedAt: now}
	b := &domain.Entity{ID: "b", Name: "BMO Corporate Travel", NameEmbedding: []float32{1, 0}, CreatedAt: now}
	groups := MaintenanceSweep([]*domain.Entity{a, b}, DefaultSweepConfig)
	if len(groups) != 0 {
		t.Fatalf("expected the compound-guarded pair not to cluster even with identical embeddings, got %+v", groups)
	}
}

func TestMaintenanceSweepOperatesOnShrinkingRemainder(t *testing.T) {
	now := time.Now()
	exact := []*domain.Entity{
		{ID: "a", Name: "Acme", CreatedAt: now},
		{ID: "b", Name: "Acme", CreatedAt: now.Add(time.Hour)},
	}
	caseInsensitive := []*domain.Entity{
		{ID: "c", Name: "globex", CreatedAt: now},
		{ID: "d", Name: "GLOBEX", CreatedAt: now},
	}
	all := append(append([]*domain.Entity{}, exact...), caseInsensitive...)
	groups := MaintenanceSweep(all, DefaultSweepConfig)
	if len(groups) != 2 {
		t.Fatalf("expected exactly two groups (one per phase), got %d: %+v", len(groups), groups)
	}
	phases := map[string]bool{}
	for _, g := range groups {
		phases[g.Phase] = true
	}
	if !phases["exact"] || !phases["case_insensitive"] {
		t.Fatalf("expected both an exact and a case_insensitive group, got %+v", phases)
	}
}

func TestIdentityNormalizeIsUsedForPhase3(t *testing.T) {
	cfg := DefaultSweepConfig
	if !cfg.IdentityConfig.Enhanced {
		t.Fatalf("expected the default sweep config to use enhanced normalization")
	}
	normalized := cfg.IdentityConfig.Normalize("Acme, Inc.")
	if normalized == "" {
		t.Fatalf("expected normalization to produce a non-empty key")
	}
	_ = identity.Config{}
}
