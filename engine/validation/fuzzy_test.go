package validation

import (
	"math"
	"testing"

	"github.com/kgraph/ingestor/engine/domain"
	"github.com/kgraph/ingestor/engine/identity"
)

func TestWordOverlapSimilarityExactMatch(t *testing.T) {
	m := NewFuzzyMatcher(DefaultFuzzyConfig, identity.Config{})
	if sim := m.WordOverlapSimilarity("Acme Corp", "Acme Corp"); sim != 1.0 {
		t.Fatalf("expected exact match to score 1.0, got %v", sim)
	}
}

func TestWordOverlapSimilarityPartialMatch(t *testing.T) {
	cfg := DefaultFuzzyConfig
	cfg.RequireMinimumWordOverlap = false
	m := NewFuzzyMatcher(cfg, identity.Config{})
	sim := m.WordOverlapSimilarity("Acme Corporation", "Acme Industries")
	if sim <= 0 || sim >= 1 {
		t.Fatalf("expected partial overlap strictly between 0 and 1, got %v", sim)
	}
}

func TestWordOverlapSimilarityGatesOnMinimumRatio(t *testing.T) {
	cfg := DefaultFuzzyConfig
	cfg.RequireMinimumWordOverlap = true
	cfg.MinimumOverlapRatio = 0.9
	m := NewFuzzyMatcher(cfg, identity.Config{})
	sim := m.WordOverlapSimilarity("Acme Corporation International Holdings", "Acme Unrelated")
	if sim != 0 {
		t.Fatalf("expected overlap below minimum ratio to score 0, got %v", sim)
	}
}

func TestSemanticSimilarityIdenticalVectorsScoreOne(t *testing.T) {
	v := []float32{1, 2, 3}
	sim := SemanticSimilarity(v, v)
	if math.Abs(sim-1.0) > 1e-6 {
		t.Fatalf("expected identical vectors to score ~1.0, got %v", sim)
	}
}

func TestSemanticSimilarityOrthogonalVectorsScoreZero(t *testing.T) {
	sim := SemanticSimilarity([]float32{1, 0}, []float32{0, 1})
	if sim != 0 {
		t.Fatalf("expected orthogonal vectors to score 0, got %v", sim)
	}
}

func TestCombinedSimilarityBoostsExactWordMatch(t *testing.T) {
	cfg := DefaultFuzzyConfig
	m := NewFuzzyMatcher(cfg, identity.Config{})
	sim := m.CombinedSimilarity("Acme", "Acme", []float32{1, 0}, []float32{0, 1})
	if sim != 1.0 {
		t.Fatalf("expected exact word match to boost combined score to 1.0, got %v", sim)
	}
}

func TestCombinedSimilarityWeightsWordAndSemantic(t *testing.T) {
	cfg := DefaultFuzzyConfig
	cfg.BoostExactMatches = false
	cfg.RequireMinimumWordOverlap = false
	m := NewFuzzyMatcher(cfg, identity.Config{})
	sim := m.CombinedSimilarity("Acme Corp", "Acme Industries", []float32{1, 0}, []float32{1, 0})
	expectedWord := m.WordOverlapSimilarity("Acme Corp", "Acme Industries")
	expected := 0.3*expectedWord + 0.7*1.0
	if math.Abs(sim-expected) > 1e-9 {
		t.Fatalf("expected combined score %v, got %v", expected, sim)
	}
}

func TestIsEntityMatchRequiresThreshold(t *testing.T) {
	cfg := DefaultFuzzyConfig
	m := NewFuzzyMatcher(cfg, identity.Config{})
	a := &domain.Entity{Name: "Acme", NameEmbedding: []float32{1, 0}}
	b := &domain.Entity{Name: "Acme", NameEmbedding: []float32{1, 0}}
	if !m.IsEntityMatch(a, b, ModeCombined) {
		t.Fatalf("expected identical entities to match")
	}
	c := &domain.Entity{Name: "Globex", NameEmbedding: []float32{0, 1}}
	if m.IsEntityMatch(a, c, ModeCombined) {
		t.Fatalf("expected dissimilar entities not to match")
	}
}

func TestIsEdgeMatchRequiresSameEndpoints(t *testing.T) {
	cfg := DefaultFuzzyConfig
	m := NewFuzzyMatcher(cfg, identity.Config{})
	a := &domain.Edge{SourceID: "s1", TargetID: "t1", Fact: "works at Acme", FactEmbedding: []float32{1, 0}}
	b := &domain.Edge{SourceID: "s1", TargetID: "t1", Fact: "works at Acme", FactEmbedding: []float32{1, 0}}
	if !m.IsEdgeMatch(a, b, ModeCombined) {
		t.Fatalf("expected identical edges with matching endpoints to match")
	}
	c := &domain.Edge{SourceID: "s2", TargetID: "t1", Fact: "works at Acme", FactEmbedding: []float32{1, 0}}
	if m.IsEdgeMatch(a, c, ModeCombined) {
		t.Fatalf("expected mismatched endpoints not to match regardless of fact similarity")
	}
}

func TestFindEntityCandidatesSortsDescendingAndCaps(t *testing.T) {
	cfg := DefaultFuzzyConfig
	cfg.CombinedThreshold = 0.5
	cfg.MaxCandidatesPerEntity = 1
	cfg.EnableEarlyStopping = false
	m := NewFuzzyMatcher(cfg, identity.Config{})
	target := &domain.Entity{Name: "Acme", NameEmbedding: []float32{1, 0}}
	candidates := []*domain.Entity{
		{ID: "weak", Name: "Acme Subsidiary", NameEmbedding: []float32{0.2, 0.9}},
		{ID: "strong", Name: "Acme", NameEmbedding: []float32{1, 0}},
	}
	matches := m.FindEntityCandidates(target, candidates)
	if len(matches) != 1 {
		t.Fatalf("expected cap of 1 match, got %d", len(matches))
	}
	if matches[0].Entity.ID != "strong" {
		t.Fatalf("expected strongest match to win, got %s", matches[0].Entity.ID)
	}
}

func TestFindEdgeCandidatesFiltersByEndpointPair(t *testing.T) {
	cfg := DefaultFuzzyConfig
	cfg.EdgeCombinedThreshold = 0.5
	m := NewFuzzyMatcher(cfg, identity.Config{})
	target := &domain.Edge{SourceID: "s1", TargetID: "t1", Fact: "works at Acme", FactEmbedding: []float32{1, 0}}
	candidates := []*domain.Edge{
		{SourceID: "s1", TargetID: "t1", Fact: "works at Acme", FactEmbedding: []float32{1, 0}},
		{SourceID: "s9", TargetID: "t9", Fact: "works at Acme", FactEmbedding: []float32{1, 0}},
	}
	matches := m.FindEdgeCandidates(target, candidates)
	if len(matches) != 1 {
		t.Fatalf("expected only the matching-endpoint edge to qualify, got %d", len(matches))
	}
}

func TestFuzzyConfigFromStrategyOrdersThresholds(t *testing.T) {
	strict := FuzzyConfigFromStrategy(StrategyStrict)
	permissive := FuzzyConfigFromStrategy(StrategyPermissive)
	if strict.CombinedThreshold <= permissive.CombinedThreshold {
		t.Fatalf("expected strict threshold to exceed permissive: strict=%v permissive=%v", strict.CombinedThreshold, permissive.CombinedThreshold)
	}
}

func TestFuzzyConfigFromEnvironmentAppliesOverride(t *testing.T) {
	t.Setenv("FUZZY_MATCHING_STRATEGY", "strict")
	t.Setenv("FUZZY_COMBINED_THRESHOLD", "0.95")
	cfg := FuzzyConfigFromEnvironment()
	if cfg.CombinedThreshold != 0.95 {
		t.Fatalf("expected explicit override to win, got %v", cfg.CombinedThreshold)
	}
	if cfg.WordOverlapThreshold != FuzzyConfigFromStrategy(StrategyStrict).WordOverlapThreshold {
		t.Fatalf("expected non-overridden fields to retain the strategy preset")
	}
}
