package validation

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/kgraph/ingestor/engine/domain"
)

// Severity classifies an IntegrityResult.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// IntegrityResult is the outcome of a single post-save integrity check.
type IntegrityResult struct {
	Passed       bool
	CheckName    string
	Message      string
	EntityID     string
	Severity     Severity
	SuggestedFix string
}

func integrityOK(check, message, id string) IntegrityResult {
	return IntegrityResult{Passed: true, CheckName: check, Message: message, EntityID: id, Severity: SeverityInfo}
}

func integrityFail(check, message, id, fix string) IntegrityResult {
	return IntegrityResult{Passed: false, CheckName: check, Message: message, EntityID: id, Severity: SeverityError, SuggestedFix: fix}
}

func integrityWarn(check, message, id, fix string) IntegrityResult {
	return IntegrityResult{Passed: true, CheckName: check, Message: message, EntityID: id, Severity: SeverityWarning, SuggestedFix: fix}
}

// GraphLookup is the minimal read access PostSaveValidator needs against
// the persisted graph. engine/graph.Store implements this.
type GraphLookup interface {
	CountByID(ctx context.Context, id string) (int, error)
	NodeExists(ctx context.Context, id string) (bool, error)
}

// PostSaveValidator runs integrity checks against a freshly written
// entity, edge, or batch.
type PostSaveValidator struct {
	store GraphLookup
}

// NewPostSaveValidator builds a validator backed by store.
func NewPostSaveValidator(store GraphLookup) *PostSaveValidator {
	return &PostSaveValidator{store: store}
}

// ValidateEntity runs entity_exists, id_uniqueness, centrality_bounds,
// required_fields, embedding_consistency, and temporal_consistency.
func (v *PostSaveValidator) ValidateEntity(ctx context.Context, e *domain.Entity) []IntegrityResult {
	var out []IntegrityResult
	out = append(out, v.checkEntityExists(ctx, e.ID))
	out = append(out, v.checkIDUniqueness(ctx, e.ID))
	out = append(out, checkCentralityBounds(e))
	out = append(out, checkEntityRequiredFields(e))
	out = append(out, checkEntityEmbeddingConsistency(e))
	out = append(out, checkEntityTemporalConsistency(e))
	return out
}

// ValidateEdge runs edge_node_references, id_uniqueness, required_fields,
// embedding_consistency, and temporal_consistency.
func (v *PostSaveValidator) ValidateEdge(ctx context.Context, e *domain.Edge) []IntegrityResult {
	var out []IntegrityResult
	out = append(out, v.checkEdgeNodeReferences(ctx, e))
	out = append(out, v.checkIDUniqueness(ctx, e.ID))
	out = append(out, checkEdgeRequiredFields(e))
	out = append(out, checkEdgeEmbeddingConsistency(e))
	out = append(out, checkEdgeTemporalConsistency(e))
	return out
}

// ValidateBatch runs per-item checks plus batch_consistency (duplicate
// ids within the batch, and, when expectedTenant is non-empty, tenant
// membership).
func (v *PostSaveValidator) ValidateBatch(ctx context.Context, entities []*domain.Entity, expectedTenant string) []IntegrityResult {
	var out []IntegrityResult
	for _, e := range entities {
		out = append(out, v.ValidateEntity(ctx, e)...)
	}
	out = append(out, checkBatchConsistency(entities, expectedTenant))
	return out
}

func (v *PostSaveValidator) checkEntityExists(ctx context.Context, id string) IntegrityResult {
	if id == "" {
		return integrityFail("entity_exists", "entity id is missing", id, "regenerate id and re-save entity")
	}
	count, err := v.store.CountByID(ctx, id)
	if err != nil {
		return integrityFail("entity_exists", fmt.Sprintf("lookup failed: %v", err), id, "re-execute the save operation")
	}
	switch {
	case count == 0:
		return integrityFail("entity_exists", fmt.Sprintf("entity %s not found after save", id), id, "re-execute the save operation")
	case count > 1:
		return integrityWarn("entity_exists", fmt.Sprintf("multiple rows found with id %s", id), id, "check for duplicate ids and merge entities")
	default:
		return integrityOK("entity_exists", "entity found in database", id)
	}
}

func (v *PostSaveValidator) checkIDUniqueness(ctx context.Context, id string) IntegrityResult {
	if id == "" {
		return integrityOK("id_uniqueness", "no id to check", id)
	}
	count, err := v.store.CountByID(ctx, id)
	if err != nil {
		return integrityFail("id_uniqueness", fmt.Sprintf("lookup failed: %v", err), id, "")
	}
	if count > 1 {
		return integrityFail("id_uniqueness", fmt.Sprintf("id %s is not unique (found %d)", id, count), id, "merge duplicate entities or regenerate ids")
	}
	return integrityOK("id_uniqueness", "id is unique", id)
}

func (v *PostSaveValidator) checkEdgeNodeReferences(ctx context.Context, e *domain.Edge) IntegrityResult {
	if e.SourceID == "" || e.TargetID == "" {
		return integrityFail("edge_node_references", fmt.Sprintf("edge %s missing source or target id", e.ID), e.ID, "ensure edge has valid source_id and target_id")
	}
	srcOK, err := v.store.NodeExists(ctx, e.SourceID)
	if err != nil {
		return integrityFail("edge_node_references", fmt.Sprintf("lookup failed: %v", err), e.ID, "")
	}
	tgtOK, err := v.store.NodeExists(ctx, e.TargetID)
	if err != nil {
		return integrityFail("edge_node_references", fmt.Sprintf("lookup failed: %v", err), e.ID, "")
	}
	var missing []string
	if !srcOK {
		missing = append(missing, "source "+e.SourceID)
	}
	if !tgtOK {
		missing = append(missing, "target "+e.TargetID)
	}
	if len(missing) > 0 {
		return integrityFail("edge_node_references", fmt.Sprintf("edge %s references missing nodes: %v", e.ID, missing), e.ID, "create missing nodes or update edge references")
	}
	return integrityOK("edge_node_references", "edge references valid nodes", e.ID)
}

func checkCentralityBounds(e *domain.Entity) IntegrityResult {
	var issues []string
	check := func(name string, v float64) {
		if math.IsNaN(v) {
			issues = append(issues, name+"=NaN")
		} else if v < 0 || v > 1 {
			issues = append(issues, fmt.Sprintf("%s=%v (should be 0-1)", name, v))
		}
	}
	check("degree_centrality", e.Degree)
	check("pagerank_centrality", e.PageRank)
	check("betweenness_centrality", e.Betweenness)
	check("eigenvector_centrality", e.Eigenvector)
	if len(issues) > 0 {
		return integrityFail("centrality_bounds", fmt.Sprintf("invalid centrality values for entity %s: %v", e.ID, issues), e.ID, "recalculate centrality values or set to 0")
	}
	return integrityOK("centrality_bounds", "centrality values are valid", e.ID)
}

func checkEntityRequiredFields(e *domain.Entity) IntegrityResult {
	var missing []string
	if e.ID == "" {
		missing = append(missing, "id")
	}
	if e.Name == "" {
		missing = append(missing, "name")
	}
	if e.Tenant == "" {
		missing = append(missing, "tenant")
	}
	if len(missing) > 0 {
		return integrityFail("required_fields", fmt.Sprintf("entity %s missing required fields: %v", e.ID, missing), e.ID, "populate missing fields and re-save")
	}
	return integrityOK("required_fields", "all required fields present", e.ID)
}

func checkEdgeRequiredFields(e *domain.Edge) IntegrityResult {
	var missing []string
	if e.ID == "" {
		missing = append(missing, "id")
	}
	if e.SourceID == "" {
		missing = append(missing, "source_id")
	}
	if e.TargetID == "" {
		missing = append(missing, "target_id")
	}
	if e.Tenant == "" {
		missing = append(missing, "tenant")
	}
	if len(missing) > 0 {
		return integrityFail("required_fields", fmt.Sprintf("edge %s missing required fields: %v", e.ID, missing), e.ID, "populate missing fields and re-save")
	}
	return integrityOK("required_fields", "all required fields present", e.ID)
}

func checkEntityEmbeddingConsistency(e *domain.Entity) IntegrityResult {
	var issues []string
	switch {
	case e.Name != "" && len(e.NameEmbedding) == 0:
		issues = append(issues, "name present but name_embedding missing")
	case e.Name == "" && len(e.NameEmbedding) > 0:
		issues = append(issues, "name_embedding present but name missing")
	}
	if len(issues) > 0 {
		return integrityWarn("embedding_consistency", fmt.Sprintf("embedding issues for entity %s: %v", e.ID, issues), e.ID, "regenerate embeddings for the entity")
	}
	return integrityOK("embedding_consistency", "embeddings are consistent", e.ID)
}

func checkEdgeEmbeddingConsistency(e *domain.Edge) IntegrityResult {
	var issues []string
	switch {
	case e.Fact != "" && len(e.FactEmbedding) == 0:
		issues = append(issues, "fact present but fact_embedding missing")
	case e.Fact == "" && len(e.FactEmbedding) > 0:
		issues = append(issues, "fact_embedding present but fact missing")
	}
	if len(issues) > 0 {
		return integrityWarn("embedding_consistency", fmt.Sprintf("embedding issues for edge %s: %v", e.ID, issues), e.ID, "regenerate embeddings for the edge")
	}
	return integrityOK("embedding_consistency", "embeddings are consistent", e.ID)
}

func checkEntityTemporalConsistency(e *domain.Entity) IntegrityResult {
	var issues []string
	now := time.Now()
	if e.CreatedAt.After(now) {
		issues = append(issues, "created_at is in the future")
	}
	if e.UpdatedAt.After(now) {
		issues = append(issues, "updated_at is in the future")
	}
	if !e.CreatedAt.IsZero() && !e.UpdatedAt.IsZero() && e.CreatedAt.After(e.UpdatedAt) {
		issues = append(issues, "created_at is after updated_at")
	}
	if len(issues) > 0 {
		return integrityWarn("temporal_consistency", fmt.Sprintf("timestamp issues for entity %s: %v", e.ID, issues), e.ID, "review and correct timestamp values")
	}
	return integrityOK("temporal_consistency", "timestamps are consistent", e.ID)
}

func checkEdgeTemporalConsistency(e *domain.Edge) IntegrityResult {
	var issues []string
	now := time.Now()
	if e.CreatedAt.After(now) {
		issues = append(issues, "created_at is in the future")
	}
	if e.InvalidAt != nil && !e.ValidAt.Before(*e.InvalidAt) {
		issues = append(issues, "valid_at is not before invalid_at")
	}
	if len(issues) > 0 {
		return integrityWarn("temporal_consistency", fmt.Sprintf("timestamp issues for edge %s: %v", e.ID, issues), e.ID, "review and correct timestamp values")
	}
	return integrityOK("temporal_consistency", "timestamps are consistent", e.ID)
}

func checkBatchConsistency(entities []*domain.Entity, expectedTenant string) IntegrityResult {
	if len(entities) <= 1 {
		return integrityOK("batch_consistency", "batch too small to check", "")
	}

	seen := make(map[string]int, len(entities))
	for _, e := range entities {
		if e.ID != "" {
			seen[e.ID]++
		}
	}
	var duplicates []string
	for id, count := range seen {
		if count > 1 {
			duplicates = append(duplicates, id)
		}
	}
	if len(duplicates) > 0 {
		return integrityFail("batch_consistency", fmt.Sprintf("duplicate ids in batch: %v", duplicates), "", "remove duplicates or regenerate ids")
	}

	if expectedTenant != "" {
		var mismatched []string
		for _, e := range entities {
			if e.Tenant != expectedTenant {
				mismatched = append(mismatched, fmt.Sprintf("%s(%s)", e.ID, e.Tenant))
			}
		}
		if len(mismatched) > 0 {
			return integrityWarn("batch_consistency", fmt.Sprintf("tenant mismatch in batch: %v", mismatched), "", "verify batch was partitioned correctly")
		}
	}

	return integrityOK("batch_consistency", "batch is consistent", "")
}
