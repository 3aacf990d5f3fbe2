package validation

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/kgraph/ingestor/engine/domain"
)

// MergeStrategy selects which duplicate entity supplies the fields the
// merge keeps by default.
type MergeStrategy string

const (
	StrategyPreserveOldest            MergeStrategy = "preserve_oldest"
	StrategyPreserveNewest            MergeStrategy = "preserve_newest"
	StrategyPreserveMostComplete      MergeStrategy = "preserve_most_complete"
	StrategyPreserveHighestCentrality MergeStrategy = "preserve_highest_centrality"
	StrategyAggregateAll              MergeStrategy = "aggregate_all"
)

// ConflictResolution picks among several candidate values for one field.
type ConflictResolution string

const (
	ResolutionFirstWins      ConflictResolution = "first_wins"
	ResolutionLastWins       ConflictResolution = "last_wins"
	ResolutionLongestWins    ConflictResolution = "longest_wins"
	ResolutionNumericMax     ConflictResolution = "numeric_max"
	ResolutionNumericMin     ConflictResolution = "numeric_min"
	ResolutionNumericAverage ConflictResolution = "numeric_average"
)

// MergePolicyConfig controls how EntityMerger combines duplicate entities.
type MergePolicyConfig struct {
	Strategy                   MergeStrategy
	DefaultConflictResolution  ConflictResolution
	PreserveEntityWithMostEdges bool
	CentralityWeights          map[string]float64
	MergeLabels                bool
	MergeAttributes            bool
	TrackMergeHistory          bool
	MaxHistoryEntries          int
	ValidateMergedEntity       bool
	RequireManualReview        bool
}

// DefaultMergePolicyConfig mirrors the source's dataclass defaults.
var DefaultMergePolicyConfig = MergePolicyConfig{
	Strategy:                    StrategyPreserveMostComplete,
	DefaultConflictResolution:   ResolutionFirstWins,
	PreserveEntityWithMostEdges: true,
	CentralityWeights: map[string]float64{
		"degree_centrality":      0.3,
		"pagerank_centrality":    0.3,
		"betweenness_centrality": 0.2,
		"eigenvector_centrality": 0.2,
	},
	MergeLabels:          true,
	MergeAttributes:      true,
	TrackMergeHistory:    true,
	MaxHistoryEntries:    10,
	ValidateMergedEntity: true,
}

// MergePolicyConfigFromEnvironment loads MERGE_* overrides on top of
// DefaultMergePolicyConfig. The four centrality weights are always taken
// from MERGE_CENTRALITY_WEIGHT_*, defaulting to 0.25 each when unset
// rather than to DefaultMergePolicyConfig's weights.
func MergePolicyConfigFromEnvironment() MergePolicyConfig {
	cfg := DefaultMergePolicyConfig
	cfg.CentralityWeights = map[string]float64{
		"degree_centrality":      envFloat("MERGE_CENTRALITY_WEIGHT_DEGREE", 0.25),
		"pagerank_centrality":    envFloat("MERGE_CENTRALITY_WEIGHT_PAGERANK", 0.25),
		"betweenness_centrality": envFloat("MERGE_CENTRALITY_WEIGHT_BETWEENNESS", 0.25),
		"eigenvector_centrality": envFloat("MERGE_CENTRALITY_WEIGHT_EIGENVECTOR", 0.25),
	}

	if raw, ok := os.LookupEnv("MERGE_STRATEGY"); ok {
		s := MergeStrategy(strings.ToLower(raw))
		if isKnownStrategy(s) {
			cfg.Strategy = s
		} else {
			slog.Warn("invalid merge strategy, using default", "value", raw)
		}
	}
	if raw, ok := os.LookupEnv("MERGE_DEFAULT_CONFLICT_RESOLUTION"); ok {
		r := ConflictResolution(strings.ToLower(raw))
		if isKnownResolution(r) {
			cfg.DefaultConflictResolution = r
		} else {
			slog.Warn("invalid conflict resolution, using default", "value", raw)
		}
	}
	cfg.PreserveEntityWithMostEdges = envBool("MERGE_PRESERVE_MOST_EDGES", cfg.PreserveEntityWithMostEdges)
	cfg.MergeLabels = envBool("MERGE_LABELS", cfg.MergeLabels)
	cfg.MergeAttributes = envBool("MERGE_ATTRIBUTES", cfg.MergeAttributes)
	cfg.TrackMergeHistory = envBool("MERGE_TRACK_HISTORY", cfg.TrackMergeHistory)
	cfg.MaxHistoryEntries = envInt("MERGE_MAX_HISTORY", cfg.MaxHistoryEntries)
	cfg.ValidateMergedEntity = envBool("MERGE_VALIDATE_RESULT", cfg.ValidateMergedEntity)
	cfg.RequireManualReview = envBool("MERGE_REQUIRE_MANUAL_REVIEW", cfg.RequireManualReview)
	return cfg
}

func isKnownStrategy(s MergeStrategy) bool {
	switch s {
	case StrategyPreserveOldest, StrategyPreserveNewest, StrategyPreserveMostComplete, StrategyPreserveHighestCentrality, StrategyAggregateAll:
		return true
	}
	return false
}

func isKnownResolution(r ConflictResolution) bool {
	switch r {
	case ResolutionFirstWins, ResolutionLastWins, ResolutionLongestWins, ResolutionNumericMax, ResolutionNumericMin, ResolutionNumericAverage:
		return true
	}
	return false
}

// mergeRecord is one entry of an entity's merge history, serialized into
// domain.Entity.Extra["merge_history"] since Extra only carries strings.
type mergeRecord struct {
	Timestamp          time.Time `json:"timestamp"`
	MergedEntityIDs    []string  `json:"merged_entity_ids"`
	MergeStrategy      string    `json:"merge_strategy"`
	EntityCount        int       `json:"entity_count"`
}

// EntityMerger combines duplicate entities into one primary entity
// according to a MergePolicyConfig.
type EntityMerger struct {
	cfg MergePolicyConfig
}

// NewEntityMerger builds a merger with cfg.
func NewEntityMerger(cfg MergePolicyConfig) *EntityMerger {
	return &EntityMerger{cfg: cfg}
}

// MergeEntities combines entities into a single result. It returns an
// error if entities is empty; for a single-element slice it returns a
// shallow copy of that entity (slices and maps are shared).
func (m *EntityMerger) MergeEntities(entities []*domain.Entity, now time.Time) (*domain.Entity, error) {
	if len(entities) == 0 {
		return nil, fmt.Errorf("merge policy: cannot merge empty entity list")
	}
	if len(entities) == 1 {
		clone := *entities[0]
		return &clone, nil
	}

	primary := m.selectPrimaryEntity(entities)
	merged := m.mergeEntityData(primary, entities, now)

	if m.cfg.TrackMergeHistory {
		m.addMergeHistory(merged, entities, now)
	}
	if m.cfg.ValidateMergedEntity {
		if err := validateMergedEntity(merged); err != nil {
			return nil, err
		}
	}
	return merged, nil
}

func (m *EntityMerger) selectPrimaryEntity(entities []*domain.Entity) *domain.Entity {
	switch m.cfg.Strategy {
	case StrategyPreserveOldest:
		best := entities[0]
		for _, e := range entities[1:] {
			if e.CreatedAt.Before(best.CreatedAt) {
				best = e
			}
		}
		return best
	case StrategyPreserveNewest:
		best := entities[0]
		for _, e := range entities[1:] {
			if e.CreatedAt.After(best.CreatedAt) {
				best = e
			}
		}
		return best
	case StrategyPreserveHighestCentrality:
		best := entities[0]
		bestScore := m.centralityScore(best)
		for _, e := range entities[1:] {
			if score := m.centralityScore(e); score > bestScore {
				best, bestScore = e, score
			}
		}
		return best
	case StrategyAggregateAll:
		return entities[0]
	default: // StrategyPreserveMostComplete and any unrecognized value
		best := entities[0]
		bestScore := completenessScore(best)
		for _, e := range entities[1:] {
			if score := completenessScore(e); score > bestScore {
				best, bestScore = e, score
			}
		}
		return best
	}
}

func completenessScore(e *domain.Entity) float64 {
	score := 0.0
	if e.Name != "" {
		score += 1.0
	}
	if e.Summary != "" {
		score += 2.0 * float64(len(e.Summary)) / 100
	}
	score += 0.5 * float64(len(e.Labels))
	if len(e.NameEmbedding) > 0 {
		score += 1.0
	}
	for _, v := range []float64{e.Degree, e.PageRank, e.Betweenness, e.Eigenvector} {
		if v > 0 {
			score += 0.5
		}
	}
	score += 0.1 * float64(len(e.Attributes))
	if e.ConnectionsLen > 0 {
		bonus := float64(e.ConnectionsLen) / 10.0
		if bonus > 2.0 {
			bonus = 2.0
		}
		score += bonus
	}
	return score
}

func (m *EntityMerger) centralityScore(e *domain.Entity) float64 {
	score := 0.0
	for field, weight := range m.cfg.CentralityWeights {
		var v float64
		switch field {
		case "degree_centrality":
			v = e.Degree
		case "pagerank_centrality":
			v = e.PageRank
		case "betweenness_centrality":
			v = e.Betweenness
		case "eigenvector_centrality":
			v = e.Eigenvector
		}
		if v > 0 {
			score += weight * v
		}
	}
	return score
}

func (m *EntityMerger) mergeEntityData(primary *domain.Entity, all []*domain.Entity, now time.Time) *domain.Entity {
	merged := *primary

	names := make([]string, 0, len(all))
	summaries := make([]string, 0, len(all))
	var degrees, pageranks, betweennesses, eigenvectors, importances []float64
	for _, e := range all {
		if e.Name != "" {
			names = append(names, e.Name)
		}
		if e.Summary != "" {
			summaries = append(summaries, e.Summary)
		}
		degrees = append(degrees, e.Degree)
		pageranks = append(pageranks, e.PageRank)
		betweennesses = append(betweennesses, e.Betweenness)
		eigenvectors = append(eigenvectors, e.Eigenvector)
		importances = append(importances, e.Importance)
	}

	merged.Name = resolveString(names, ResolutionLongestWins, merged.Name)
	merged.Summary = resolveString(summaries, ResolutionLongestWins, merged.Summary)
	merged.Degree = resolveNumericMax(degrees, merged.Degree)
	merged.PageRank = resolveNumericMax(pageranks, merged.PageRank)
	merged.Betweenness = resolveNumericMax(betweennesses, merged.Betweenness)
	merged.Eigenvector = resolveNumericMax(eigenvectors, merged.Eigenvector)
	merged.Importance = resolveNumericMax(importances, merged.Importance)

	if m.cfg.MergeAttributes {
		attrs := make(map[string]any)
		for _, e := range all {
			for k, v := range e.Attributes {
				attrs[k] = v
			}
		}
		if len(attrs) > 0 {
			merged.Attributes = attrs
		}
	}

	if m.cfg.MergeLabels {
		labelSet := make(map[string]struct{})
		for _, e := range all {
			for _, l := range e.Labels {
				labelSet[l] = struct{}{}
			}
		}
		if len(labelSet) > 0 {
			labels := make([]string, 0, len(labelSet))
			for l := range labelSet {
				labels = append(labels, l)
			}
			sort.Strings(labels)
			merged.Labels = labels
		}
	}

	merged.UpdatedAt = now
	return &merged
}

func resolveString(values []string, resolution ConflictResolution, fallback string) string {
	if len(values) == 0 {
		return fallback
	}
	switch resolution {
	case ResolutionFirstWins:
		return values[0]
	case ResolutionLastWins:
		return values[len(values)-1]
	default: // LongestWins
		best := values[0]
		for _, v := range values[1:] {
			if len(v) > len(best) {
				best = v
			}
		}
		return best
	}
}

func resolveNumericMax(values []float64, fallback float64) float64 {
	best := fallback
	found := false
	for _, v := range values {
		if !found || v > best {
			best = v
			found = true
		}
	}
	return best
}

func (m *EntityMerger) addMergeHistory(merged *domain.Entity, sources []*domain.Entity, now time.Time) {
	var history []mergeRecord
	if raw, ok := merged.Extra["merge_history"]; ok {
		_ = json.Unmarshal([]byte(raw), &history)
	}

	ids := make([]string, 0, len(sources))
	for _, e := range sources {
		if e.ID != "" {
			ids = append(ids, e.ID)
		}
	}
	history = append(history, mergeRecord{
		Timestamp:       now,
		MergedEntityIDs: ids,
		MergeStrategy:   string(m.cfg.Strategy),
		EntityCount:     len(sources),
	})
	if len(history) > m.cfg.MaxHistoryEntries {
		history = history[len(history)-m.cfg.MaxHistoryEntries:]
	}

	encoded, err := json.Marshal(history)
	if err != nil {
		return
	}
	if merged.Extra == nil {
		merged.Extra = make(map[string]string)
	}
	merged.Extra["merge_history"] = string(encoded)
}

func validateMergedEntity(merged *domain.Entity) error {
	if merged.ID == "" {
		return fmt.Errorf("merge policy: merged entity must have an id")
	}
	if merged.Name == "" {
		return fmt.Errorf("merge policy: merged entity must have a name")
	}
	centralityAttrs := map[CentralityType]float64{
		CentralityDegree:      merged.Degree,
		CentralityPageRank:    merged.PageRank,
		CentralityBetweenness: merged.Betweenness,
		CentralityEigenvector: merged.Eigenvector,
		CentralityImportance:  merged.Importance,
	}
	result := NewCentralityValidator().ValidateEntity(centralityAttrs, true)
	if !result.Valid {
		return nil
	}
	if v, ok := result.CorrectedValues[CentralityDegree]; ok {
		merged.Degree = v
	}
	if v, ok := result.CorrectedValues[CentralityPageRank]; ok {
		merged.PageRank = v
	}
	if v, ok := result.CorrectedValues[CentralityBetweenness]; ok {
		merged.Betweenness = v
	}
	if v, ok := result.CorrectedValues[CentralityEigenvector]; ok {
		merged.Eigenvector = v
	}
	if v, ok := result.CorrectedValues[CentralityImportance]; ok {
		merged.Importance = v
	}
	return nil
}

// CanAutoMerge reports whether entities are eligible for an automatic
// merge under cfg, without a manual review step.
func (m *EntityMerger) CanAutoMerge(entities []*domain.Entity) bool {
	if m.cfg.RequireManualReview {
		return false
	}
	if len(entities) > 5 {
		return false
	}
	names := uniqueNonEmpty(entities, func(e *domain.Entity) string { return e.Name })
	if len(names) > 2 {
		return false
	}
	tenants := uniqueNonEmpty(entities, func(e *domain.Entity) string { return e.Tenant })
	return len(tenants) <= 2
}

func uniqueNonEmpty(entities []*domain.Entity, get func(*domain.Entity) string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, e := range entities {
		if v := get(e); v != "" {
			out[v] = struct{}{}
		}
	}
	return out
}
