package merge

import (
	"testing"
	"time"

	"github.com/kgraph/ingestor/engine/domain"
)

func TestMergeEdgePropertiesUnionsEpisodesAndPrefersEarlierCreatedAt(t *testing.T) {
	now := time.Now()
	existing := &domain.Edge{Episodes: []string{"ep1"}, CreatedAt: now.Add(time.Hour), Fact: "existing fact"}
	incoming := &domain.Edge{Episodes: []string{"ep2"}, CreatedAt: now, Fact: "incoming fact"}

	merged := mergeEdgeProperties(existing, incoming)

	if len(merged.Episodes) != 2 {
		t.Fatalf("expected episodes to be unioned, got %+v", merged.Episodes)
	}
	if !merged.CreatedAt.Equal(now) {
		t.Fatalf("expected the earlier created_at to win, got %v", merged.CreatedAt)
	}
	if merged.Fact != "existing fact" {
		t.Fatalf("expected a non-empty existing fact to be kept, got %q", merged.Fact)
	}
}

func TestMergeEdgePropertiesFillsEmptyFactFromIncoming(t *testing.T) {
	existing := &domain.Edge{Fact: ""}
	incoming := &domain.Edge{Fact: "incoming fact"}
	merged := mergeEdgeProperties(existing, incoming)
	if merged.Fact != "incoming fact" {
		t.Fatalf("expected the incoming fact to fill an empty existing fact, got %q", merged.Fact)
	}
}

func TestMergeEdgePropertiesInvalidAtNilWinsOverSet(t *testing.T) {
	now := time.Now()
	existing := &domain.Edge{InvalidAt: nil}
	incoming := &domain.Edge{InvalidAt: &now}
	merged := mergeEdgeProperties(existing, incoming)
	if merged.InvalidAt != nil {
		t.Fatalf("expected a nil (still valid) invalid_at to win, got %v", merged.InvalidAt)
	}
}

func TestMergeEdgePropertiesInvalidAtTakesLaterWhenBothSet(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Hour)
	existing := &domain.Edge{InvalidAt: &now}
	incoming := &domain.Edge{InvalidAt: &later}
	merged := mergeEdgeProperties(existing, incoming)
	if merged.InvalidAt == nil || !merged.InvalidAt.Equal(later) {
		t.Fatalf("expected the later invalid_at to win, got %v", merged.InvalidAt)
	}
}

func TestMergeEdgePropertiesAttributesExistingWinsOnConflict(t *testing.T) {
	existing := &domain.Edge{Attributes: map[string]any{"role": "existing", "onlyExisting": "x"}}
	incoming := &domain.Edge{Attributes: map[string]any{"role": "incoming", "onlyIncoming": "y"}}
	merged := mergeEdgeProperties(existing, incoming)
	if merged.Attributes["role"] != "existing" {
		t.Fatalf("expected existing attribute to win on conflict, got %v", merged.Attributes["role"])
	}
	if merged.Attributes["onlyExisting"] != "x" || merged.Attributes["onlyIncoming"] != "y" {
		t.Fatalf("expected non-conflicting keys from both sides, got %+v", merged.Attributes)
	}
}
