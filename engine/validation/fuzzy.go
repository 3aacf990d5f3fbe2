package validation

import (
	"log/slog"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/kgraph/ingestor/engine/domain"
	"github.com/kgraph/ingestor/engine/identity"
)

// MatchingStrategy selects a preset threshold configuration.
type MatchingStrategy string

const (
	StrategyStrict     MatchingStrategy = "strict"
	StrategyBalanced   MatchingStrategy = "balanced"
	StrategyPermissive MatchingStrategy = "permissive"
	StrategyCustom     MatchingStrategy = "custom"
)

// MatchingMode selects which similarity signal IsEntityMatch/IsEdgeMatch
// evaluates against its threshold.
type MatchingMode string

const (
	ModeWordOverlap MatchingMode = "word_overlap"
	ModeSemantic    MatchingMode = "semantic_similarity"
	ModeCombined    MatchingMode = "combined"
)

// FuzzyConfig holds every threshold and toggle the matcher consults.
type FuzzyConfig struct {
	SemanticThreshold    float64
	WordOverlapThreshold float64
	CombinedThreshold    float64

	EdgeSemanticThreshold    float64
	EdgeWordOverlapThreshold float64
	EdgeCombinedThreshold    float64

	NameSimilarityThreshold float64

	UseNameNormalization     bool
	RequireMinimumWordOverlap bool
	MinimumOverlapRatio      float64
	BoostExactMatches        bool

	MaxCandidatesPerEntity int
	EnableEarlyStopping    bool
}

// DefaultFuzzyConfig is the BALANCED strategy preset.
var DefaultFuzzyConfig = FuzzyConfig{
	SemanticThreshold:         0.8,
	WordOverlapThreshold:      0.6,
	CombinedThreshold:         0.75,
	EdgeSemanticThreshold:     0.6,
	EdgeWordOverlapThreshold:  0.4,
	EdgeCombinedThreshold:     0.55,
	NameSimilarityThreshold:   0.85,
	UseNameNormalization:      true,
	RequireMinimumWordOverlap: true,
	MinimumOverlapRatio:       0.3,
	BoostExactMatches:         true,
	MaxCandidatesPerEntity:    100,
	EnableEarlyStopping:       true,
}

// FuzzyConfigFromStrategy builds a FuzzyConfig from one of the named
// presets. CUSTOM and unrecognized strategies return DefaultFuzzyConfig.
func FuzzyConfigFromStrategy(strategy MatchingStrategy) FuzzyConfig {
	switch strategy {
	case StrategyStrict:
		cfg := DefaultFuzzyConfig
		cfg.SemanticThreshold = 0.9
		cfg.WordOverlapThreshold = 0.8
		cfg.CombinedThreshold = 0.85
		cfg.EdgeSemanticThreshold = 0.8
		cfg.EdgeWordOverlapThreshold = 0.6
		cfg.EdgeCombinedThreshold = 0.7
		cfg.NameSimilarityThreshold = 0.9
		cfg.MinimumOverlapRatio = 0.5
		return cfg
	case StrategyPermissive:
		cfg := DefaultFuzzyConfig
		cfg.SemanticThreshold = 0.6
		cfg.WordOverlapThreshold = 0.4
		cfg.CombinedThreshold = 0.5
		cfg.EdgeSemanticThreshold = 0.5
		cfg.EdgeWordOverlapThreshold = 0.3
		cfg.EdgeCombinedThreshold = 0.4
		cfg.NameSimilarityThreshold = 0.7
		cfg.MinimumOverlapRatio = 0.2
		return cfg
	default:
		return DefaultFuzzyConfig
	}
}

func envFloat(key string, fallback float64) float64 {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("invalid float env var, using default", "key", key, "value", raw, "default", fallback)
		return fallback
	}
	return v
}

func envBool(key string, fallback bool) bool {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(raw) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

func envInt(key string, fallback int) int {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid int env var, using default", "key", key, "value", raw, "default", fallback)
		return fallback
	}
	return v
}

// FuzzyConfigFromEnvironment loads FUZZY_MATCHING_STRATEGY to pick a
// preset, then lets individual FUZZY_* variables override any field.
func FuzzyConfigFromEnvironment() FuzzyConfig {
	strategy := MatchingStrategy(strings.ToLower(os.Getenv("FUZZY_MATCHING_STRATEGY")))
	if strategy == "" {
		strategy = StrategyBalanced
	}
	cfg := FuzzyConfigFromStrategy(strategy)

	cfg.SemanticThreshold = envFloat("FUZZY_SEMANTIC_THRESHOLD", cfg.SemanticThreshold)
	cfg.WordOverlapThreshold = envFloat("FUZZY_WORD_OVERLAP_THRESHOLD", cfg.WordOverlapThreshold)
	cfg.CombinedThreshold = envFloat("FUZZY_COMBINED_THRESHOLD", cfg.CombinedThreshold)
	cfg.EdgeSemanticThreshold = envFloat("FUZZY_EDGE_SEMANTIC_THRESHOLD", cfg.EdgeSemanticThreshold)
	cfg.EdgeWordOverlapThreshold = envFloat("FUZZY_EDGE_WORD_OVERLAP_THRESHOLD", cfg.EdgeWordOverlapThreshold)
	cfg.EdgeCombinedThreshold = envFloat("FUZZY_EDGE_COMBINED_THRESHOLD", cfg.EdgeCombinedThreshold)
	cfg.NameSimilarityThreshold = envFloat("FUZZY_NAME_SIMILARITY_THRESHOLD", cfg.NameSimilarityThreshold)
	cfg.UseNameNormalization = envBool("FUZZY_USE_NAME_NORMALIZATION", cfg.UseNameNormalization)
	cfg.RequireMinimumWordOverlap = envBool("FUZZY_REQUIRE_MIN_WORD_OVERLAP", cfg.RequireMinimumWordOverlap)
	cfg.MinimumOverlapRatio = envFloat("FUZZY_MIN_OVERLAP_RATIO", cfg.MinimumOverlapRatio)
	cfg.BoostExactMatches = envBool("FUZZY_BOOST_EXACT_MATCHES", cfg.BoostExactMatches)
	cfg.MaxCandidatesPerEntity = envInt("FUZZY_MAX_CANDIDATES", cfg.MaxCandidatesPerEntity)
	cfg.EnableEarlyStopping = envBool("FUZZY_EARLY_STOPPING", cfg.EnableEarlyStopping)
	return cfg
}

// FuzzyMatcher scores candidate duplicates using word-overlap and
// semantic (embedding cosine) similarity.
type FuzzyMatcher struct {
	cfg    FuzzyConfig
	idCfg  identity.Config
}

// NewFuzzyMatcher builds a matcher with the given config, normalizing
// names with idCfg when cfg.UseNameNormalization is set.
func NewFuzzyMatcher(cfg FuzzyConfig, idCfg identity.Config) *FuzzyMatcher {
	return &FuzzyMatcher{cfg: cfg, idCfg: idCfg}
}

// WordOverlapSimilarity is the Jaccard index over whitespace-split words,
// optionally normalized first, with a minimum-overlap-ratio gate.
func (m *FuzzyMatcher) WordOverlapSimilarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if m.cfg.UseNameNormalization {
		a = strings.ReplaceAll(m.idCfg.Normalize(a), "_", " ")
		b = strings.ReplaceAll(m.idCfg.Normalize(b), "_", " ")
	}
	wordsA := wordSet(strings.Fields(strings.ToLower(a)))
	wordsB := wordSet(strings.Fields(strings.ToLower(b)))
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0
	}

	overlap := 0
	for w := range wordsA {
		if _, ok := wordsB[w]; ok {
			overlap++
		}
	}
	union := len(wordsA) + len(wordsB) - overlap
	if union == 0 {
		return 0
	}
	similarity := float64(overlap) / float64(union)

	if m.cfg.RequireMinimumWordOverlap {
		smaller := len(wordsA)
		if len(wordsB) < smaller {
			smaller = len(wordsB)
		}
		if float64(overlap)/float64(smaller) < m.cfg.MinimumOverlapRatio {
			return 0
		}
	}
	return similarity
}

// SemanticSimilarity is the cosine similarity of two L2-normalized
// embeddings, floored at 0.
func SemanticSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	na := l2Normalize(a)
	nb := l2Normalize(b)
	n := len(na)
	if len(nb) < n {
		n = len(nb)
	}
	dot := 0.0
	for i := 0; i < n; i++ {
		dot += float64(na[i]) * float64(nb[i])
	}
	if dot < 0 {
		return 0
	}
	return dot
}

func wordSet(tokens []string) map[string]struct{} {
	out := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if t == "" {
			continue
		}
		out[t] = struct{}{}
	}
	return out
}

func l2Normalize(v []float32) []float32 {
	sumSquares := 0.0
	for _, x := range v {
		sumSquares += float64(x) * float64(x)
	}
	if sumSquares == 0 {
		return v
	}
	norm := math.Sqrt(sumSquares)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// CombinedSimilarity is 0.3*word + 0.7*semantic, boosted to 1.0 on an
// exact word-overlap match when BoostExactMatches is set.
func (m *FuzzyMatcher) CombinedSimilarity(textA, textB string, embA, embB []float32) float64 {
	wordSim := m.WordOverlapSimilarity(textA, textB)
	semanticSim := SemanticSimilarity(embA, embB)
	if m.cfg.BoostExactMatches && wordSim == 1.0 {
		return 1.0
	}
	return 0.3*wordSim + 0.7*semanticSim
}

// IsEntityMatch reports whether two entities are likely duplicates under
// mode's similarity signal and matching threshold.
func (m *FuzzyMatcher) IsEntityMatch(a, b *domain.Entity, mode MatchingMode) bool {
	if a.Name == "" || b.Name == "" {
		return false
	}
	switch mode {
	case ModeWordOverlap:
		return m.WordOverlapSimilarity(a.Name, b.Name) >= m.cfg.WordOverlapThreshold
	case ModeSemantic:
		return SemanticSimilarity(a.NameEmbedding, b.NameEmbedding) >= m.cfg.SemanticThreshold
	default:
		return m.CombinedSimilarity(a.Name, b.Name, a.NameEmbedding, b.NameEmbedding) >= m.cfg.CombinedThreshold
	}
}

// IsEdgeMatch reports whether two edges connecting the same endpoint
// pair are likely duplicates under mode's similarity signal.
func (m *FuzzyMatcher) IsEdgeMatch(a, b *domain.Edge, mode MatchingMode) bool {
	if a.SourceID != b.SourceID || a.TargetID != b.TargetID {
		return false
	}
	if a.Fact == "" || b.Fact == "" {
		return false
	}
	switch mode {
	case ModeWordOverlap:
		return m.WordOverlapSimilarity(a.Fact, b.Fact) >= m.cfg.EdgeWordOverlapThreshold
	case ModeSemantic:
		return SemanticSimilarity(a.FactEmbedding, b.FactEmbedding) >= m.cfg.EdgeSemanticThreshold
	default:
		return m.CombinedSimilarity(a.Fact, b.Fact, a.FactEmbedding, b.FactEmbedding) >= m.cfg.EdgeCombinedThreshold
	}
}

// ScoredEntity pairs a candidate entity with its combined similarity to
// a target.
type ScoredEntity struct {
	Entity     *domain.Entity
	Similarity float64
}

// FindEntityCandidates ranks candidates by combined similarity to
// target, keeping only those at or above the combined threshold, sorted
// descending, capped at MaxCandidatesPerEntity.
func (m *FuzzyMatcher) FindEntityCandidates(target *domain.Entity, candidates []*domain.Entity) []ScoredEntity {
	if target.Name == "" {
		return nil
	}
	var matches []ScoredEntity
	for _, c := range candidates {
		if c.Name == "" {
			continue
		}
		sim := m.CombinedSimilarity(target.Name, c.Name, target.NameEmbedding, c.NameEmbedding)
		if sim >= m.cfg.CombinedThreshold {
			matches = append(matches, ScoredEntity{Entity: c, Similarity: sim})
			if m.cfg.EnableEarlyStopping && len(matches) >= m.cfg.MaxCandidatesPerEntity {
				break
			}
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if len(matches) > m.cfg.MaxCandidatesPerEntity {
		matches = matches[:m.cfg.MaxCandidatesPerEntity]
	}
	return matches
}

// ScoredEdge pairs a candidate edge with its combined similarity to a
// target.
type ScoredEdge struct {
	Edge       *domain.Edge
	Similarity float64
}

// FindEdgeCandidates ranks edges sharing target's endpoint pair by
// combined fact similarity, same ordering/capping rules as
// FindEntityCandidates.
func (m *FuzzyMatcher) FindEdgeCandidates(target *domain.Edge, candidates []*domain.Edge) []ScoredEdge {
	if target.Fact == "" || target.SourceID == "" || target.TargetID == "" {
		return nil
	}
	var matches []ScoredEdge
	for _, c := range candidates {
		if c.SourceID != target.SourceID || c.TargetID != target.TargetID || c.Fact == "" {
			continue
		}
		sim := m.CombinedSimilarity(target.Fact, c.Fact, target.FactEmbedding, c.FactEmbedding)
		if sim >= m.cfg.EdgeCombinedThreshold {
			matches = append(matches, ScoredEdge{Edge: c, Similarity: sim})
			if m.cfg.EnableEarlyStopping && len(matches) >= m.cfg.MaxCandidatesPerEntity {
				break
			}
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if len(matches) > m.cfg.MaxCandidatesPerEntity {
		matches = matches[:m.cfg.MaxCandidatesPerEntity]
	}
	return matches
}
