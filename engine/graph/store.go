package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/kgraph/ingestor/engine/domain"
)

// Store persists entities and edges for the temporal knowledge graph and
// answers the lookups engine/dedup, engine/merge, engine/validation, and
// engine/ingest need, grounded on engine/graph/graph.go's MERGE+SET node
// pattern and the relationship-type interpolation in SaveEdge.
type Store struct {
	opener SessionOpener
}

// New builds a Store over a live Neo4j driver.
func New(driver neo4j.DriverWithContext) *Store {
	return &Store{opener: &driverOpener{driver: driver}}
}

// SaveEntity creates or updates an entity node, keyed by id.
func (s *Store) SaveEntity(ctx context.Context, e *domain.Entity) error {
	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	cypher := `MERGE (n:Entity {id: $id}) SET n += $props, n:` + entityLabels(e)
	_, err := sess.Run(ctx, cypher, map[string]any{
		"id":    e.ID,
		"props": entityToProps(e),
	})
	return err
}

// GetEntity returns the entity by id, or an error if it does not exist.
func (s *Store) GetEntity(ctx context.Context, id string) (*domain.Entity, error) {
	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	result, err := sess.Run(ctx, `MATCH (n:Entity {id: $id}) RETURN n`, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if !result.Next(ctx) {
		return nil, fmt.Errorf("entity %s not found", id)
	}
	return entityFromRecord(result.Record())
}

// FindByExactName returns the oldest entity named name in tenant, or nil
// if none exists, matching engine/dedup.ResolutionStore's contract.
func (s *Store) FindByExactName(ctx context.Context, tenant, name string) (*domain.Entity, error) {
	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	cypher := `MATCH (n:Entity {tenant: $tenant, name: $name})
		WHERE n.is_merged IS NULL OR n.is_merged = false
		RETURN n ORDER BY n.created_at ASC LIMIT 1`
	result, err := sess.Run(ctx, cypher, map[string]any{"tenant": tenant, "name": name})
	if err != nil {
		return nil, err
	}
	if !result.Next(ctx) {
		return nil, nil
	}
	return entityFromRecord(result.Record())
}

// SearchByNamePrefix returns up to limit non-tombstoned entities in
// tenant whose name starts with prefix, the lexical half of
// engine/semantic's hybrid candidate search.
func (s *Store) SearchByNamePrefix(ctx context.Context, tenant, prefix string, limit int) ([]*domain.Entity, error) {
	if limit <= 0 {
		limit = 10
	}
	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	cypher := `MATCH (n:Entity {tenant: $tenant})
		WHERE (n.is_merged IS NULL OR n.is_merged = false) AND n.name STARTS WITH $prefix
		RETURN n LIMIT $limit`
	result, err := sess.Run(ctx, cypher, map[string]any{"tenant": tenant, "prefix": prefix, "limit": int64(limit)})
	if err != nil {
		return nil, err
	}
	var out []*domain.Entity
	for result.Next(ctx) {
		e, err := entityFromRecord(result.Record())
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ListEntities returns every non-tombstoned entity in tenant, used by
// engine/ingest's deduplication maintenance sweep.
func (s *Store) ListEntities(ctx context.Context, tenant string) ([]*domain.Entity, error) {
	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	cypher := `MATCH (n:Entity {tenant: $tenant})
		WHERE n.is_merged IS NULL OR n.is_merged = false
		RETURN n`
	result, err := sess.Run(ctx, cypher, map[string]any{"tenant": tenant})
	if err != nil {
		return nil, err
	}
	var out []*domain.Entity
	for result.Next(ctx) {
		e, err := entityFromRecord(result.Record())
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// CountByID returns how many Entity nodes exist with the given id,
// satisfying engine/validation.GraphLookup's id_uniqueness check.
func (s *Store) CountByID(ctx context.Context, id string) (int, error) {
	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	result, err := sess.Run(ctx, `MATCH (n:Entity {id: $id}) RETURN count(n) AS c`, map[string]any{"id": id})
	if err != nil {
		return 0, err
	}
	if !result.Next(ctx) {
		return 0, nil
	}
	c, _ := result.Record().Get("c")
	return int(asInt64(c)), nil
}

// NodeExists reports whether an Entity node with id exists.
func (s *Store) NodeExists(ctx context.Context, id string) (bool, error) {
	n, err := s.CountByID(ctx, id)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// TombstoneEntity soft-deletes an entity by marking is_merged/merged_into/merged_at.
func (s *Store) TombstoneEntity(ctx context.Context, id, mergedInto string, mergedAt time.Time) error {
	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	cypher := `MATCH (n:Entity {id: $id}) SET n.is_merged = true, n.merged_into = $into, n.merged_at = $at`
	_, err := sess.Run(ctx, cypher, map[string]any{"id": id, "into": mergedInto, "at": mergedAt.UTC()})
	return err
}

// DeleteEntity permanently removes an entity node and its relationships.
func (s *Store) DeleteEntity(ctx context.Context, id string) error {
	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	_, err := sess.Run(ctx, `MATCH (n:Entity {id: $id}) DETACH DELETE n`, map[string]any{"id": id})
	return err
}

// Neighbors returns entities within the given traversal depth of nodeID,
// grounded on graph.go's Neighbors variable-hop pattern.
func (s *Store) Neighbors(ctx context.Context, nodeID string, depth int) ([]*domain.Entity, error) {
	if depth <= 0 {
		depth = 1
	}
	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(
		`MATCH (start:Entity {id: $id})-[*1..%d]-(n:Entity)
		 WHERE n.id <> $id
		 RETURN DISTINCT n`, depth)
	result, err := sess.Run(ctx, cypher, map[string]any{"id": nodeID})
	if err != nil {
		return nil, err
	}
	var out []*domain.Entity
	for result.Next(ctx) {
		e, err := entityFromRecord(result.Record())
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// CreateEdge creates an edge typed domain.RelationName(e.Name) between two
// existing entities.
func (s *Store) CreateEdge(ctx context.Context, e *domain.Edge) error {
	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(
		`MATCH (a:Entity {id: $source}), (b:Entity {id: $target})
		 MERGE (a)-[r:%s {id: $id}]->(b)
		 SET r += $props`,
		domain.RelationName(e.Name),
	)
	_, err := sess.Run(ctx, cypher, map[string]any{
		"source": e.SourceID,
		"target": e.TargetID,
		"id":     e.ID,
		"props":  edgeToProps(e),
	})
	return err
}

// UpdateEdge overwrites an existing edge's mutable properties.
func (s *Store) UpdateEdge(ctx context.Context, e *domain.Edge) error {
	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	cypher := `MATCH ()-[r {id: $id}]-() SET r += $props`
	_, err := sess.Run(ctx, cypher, map[string]any{"id": e.ID, "props": edgeToProps(e)})
	return err
}

// DeleteEdge removes a single edge by id.
func (s *Store) DeleteEdge(ctx context.Context, id string) error {
	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	_, err := sess.Run(ctx, `MATCH ()-[r {id: $id}]-() DELETE r`, map[string]any{"id": id})
	return err
}

// FindEdge returns the edge sourceID-[name]->targetID, or nil if none exists.
func (s *Store) FindEdge(ctx context.Context, sourceID, targetID, name string) (*domain.Edge, error) {
	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(
		`MATCH (a:Entity {id: $source})-[r:%s]->(b:Entity {id: $target}) RETURN r, a.id AS source_id, b.id AS target_id`,
		domain.RelationName(name),
	)
	result, err := sess.Run(ctx, cypher, map[string]any{"source": sourceID, "target": targetID})
	if err != nil {
		return nil, err
	}
	if !result.Next(ctx) {
		return nil, nil
	}
	return edgeFromRecord(result.Record())
}

// IncomingEdges returns edges X-[r]->entityID.
func (s *Store) IncomingEdges(ctx context.Context, entityID string) ([]*domain.Edge, error) {
	return s.edgesWhere(ctx, `MATCH (a:Entity)-[r]->(b:Entity {id: $id}) RETURN r, a.id AS source_id, b.id AS target_id`, entityID)
}

// OutgoingEdges returns edges entityID-[r]->Y.
func (s *Store) OutgoingEdges(ctx context.Context, entityID string) ([]*domain.Edge, error) {
	return s.edgesWhere(ctx, `MATCH (a:Entity {id: $id})-[r]->(b:Entity) RETURN r, a.id AS source_id, b.id AS target_id`, entityID)
}

func (s *Store) edgesWhere(ctx context.Context, cypher, id string) ([]*domain.Edge, error) {
	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	result, err := sess.Run(ctx, cypher, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	var out []*domain.Edge
	for result.Next(ctx) {
		e, err := edgeFromRecord(result.Record())
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// DeleteResidualEdges removes every non-audit edge still incident to
// entityID once the merge engine has finished transferring what it needs.
func (s *Store) DeleteResidualEdges(ctx context.Context, entityID string) error {
	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	cypher := `MATCH (n:Entity {id: $id})-[r]-()
		WHERE type(r) <> 'IS_DUPLICATE_OF'
		DELETE r`
	_, err := sess.Run(ctx, cypher, map[string]any{"id": entityID})
	return err
}

// CreateAuditEdge records that duplicateID was merged into canonicalID
// at mergedAt, as an IS_DUPLICATE_OF edge. DeleteResidualEdges leaves
// this edge in place; DeleteEntity's DETACH DELETE removes it together
// with the duplicate node.
func (s *Store) CreateAuditEdge(ctx context.Context, duplicateID, canonicalID string, mergedAt time.Time) error {
	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	cypher := `MATCH (d:Entity {id: $dup}), (c:Entity {id: $canon})
		MERGE (d)-[r:IS_DUPLICATE_OF]->(c)
		SET r.merged_at = $at`
	_, err := sess.Run(ctx, cypher, map[string]any{"dup": duplicateID, "canon": canonicalID, "at": mergedAt.UTC()})
	return err
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

func entityLabels(e *domain.Entity) string {
	if len(e.Labels) == 0 {
		return "Entity"
	}
	labels := "Entity"
	for _, l := range e.Labels {
		if l == "" || l == "Entity" {
			continue
		}
		labels += ":" + l
	}
	return labels
}

func entityToProps(e *domain.Entity) map[string]any {
	props := map[string]any{
		"id":                    e.ID,
		"name":                  e.Name,
		"tenant":                e.Tenant,
		"summary":               e.Summary,
		"created_at":            e.CreatedAt.UTC(),
		"updated_at":            e.UpdatedAt.UTC(),
		"degree_centrality":     e.Degree,
		"pagerank_centrality":   e.PageRank,
		"betweenness_centrality": e.Betweenness,
		"eigenvector_centrality": e.Eigenvector,
		"importance_score":      e.Importance,
		"is_merged":             e.IsMerged,
	}
	if len(e.NameEmbedding) > 0 {
		props["name_embedding"] = e.NameEmbedding
	}
	if e.MergedInto != "" {
		props["merged_into"] = e.MergedInto
	}
	if e.MergedAt != nil {
		props["merged_at"] = e.MergedAt.UTC()
	}
	for k, v := range e.Attributes {
		props["attr_"+k] = v
	}
	return props
}

func entityFromRecord(rec *neo4j.Record) (*domain.Entity, error) {
	raw, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "n")
	if err != nil {
		return nil, err
	}
	return entityFromProps(raw.Props, nodeLabels(raw.Labels)), nil
}

func nodeLabels(labels []string) []string {
	var out []string
	for _, l := range labels {
		if l != "Entity" {
			out = append(out, l)
		}
	}
	return out
}

func entityFromProps(props map[string]any, labels []string) *domain.Entity {
	e := &domain.Entity{
		ID:          strProp(props, "id"),
		Name:        strProp(props, "name"),
		Tenant:      strProp(props, "tenant"),
		Summary:     strProp(props, "summary"),
		Labels:      labels,
		Degree:      floatProp(props, "degree_centrality"),
		PageRank:    floatProp(props, "pagerank_centrality"),
		Betweenness: floatProp(props, "betweenness_centrality"),
		Eigenvector: floatProp(props, "eigenvector_centrality"),
		Importance:  floatProp(props, "importance_score"),
		IsMerged:    boolProp(props, "is_merged"),
		MergedInto:  strProp(props, "merged_into"),
		CreatedAt:   timeProp(props, "created_at"),
		UpdatedAt:   timeProp(props, "updated_at"),
	}
	if t := timeProp(props, "merged_at"); !t.IsZero() {
		e.MergedAt = &t
	}
	attrs := make(map[string]any)
	for k, v := range props {
		if len(k) > 5 && k[:5] == "attr_" {
			attrs[k[5:]] = v
		}
	}
	if len(attrs) > 0 {
		e.Attributes = attrs
	}
	return e
}

func edgeToProps(e *domain.Edge) map[string]any {
	props := map[string]any{
		"source_id":  e.SourceID,
		"target_id":  e.TargetID,
		"tenant":     e.Tenant,
		"name":       e.Name,
		"fact":       e.Fact,
		"created_at": e.CreatedAt.UTC(),
		"valid_at":   e.ValidAt.UTC(),
	}
	if len(e.FactEmbedding) > 0 {
		props["fact_embedding"] = e.FactEmbedding
	}
	if len(e.Episodes) > 0 {
		props["episodes"] = e.Episodes
	}
	if e.InvalidAt != nil {
		props["invalid_at"] = e.InvalidAt.UTC()
	}
	return props
}

func edgeFromRecord(rec *neo4j.Record) (*domain.Edge, error) {
	raw, _, err := neo4j.GetRecordValue[dbtype.Relationship](rec, "r")
	if err != nil {
		return nil, err
	}
	sourceID, _ := rec.Get("source_id")
	targetID, _ := rec.Get("target_id")
	e := edgeFromProps(raw.Props)
	e.ID = strProp(raw.Props, "id")
	if e.ID == "" {
		e.ID = fmt.Sprintf("%d", raw.Id)
	}
	if s, ok := sourceID.(string); ok {
		e.SourceID = s
	}
	if t, ok := targetID.(string); ok {
		e.TargetID = t
	}
	if e.Name == "" {
		e.Name = raw.Type
	}
	return e, nil
}

func edgeFromProps(props map[string]any) *domain.Edge {
	e := &domain.Edge{
		Tenant:    strProp(props, "tenant"),
		Name:      strProp(props, "name"),
		Fact:      strProp(props, "fact"),
		CreatedAt: timeProp(props, "created_at"),
		ValidAt:   timeProp(props, "valid_at"),
	}
	if t := timeProp(props, "invalid_at"); !t.IsZero() {
		e.InvalidAt = &t
	}
	if eps, ok := props["episodes"].([]any); ok {
		for _, v := range eps {
			if s, ok := v.(string); ok {
				e.Episodes = append(e.Episodes, s)
			}
		}
	}
	return e
}

func strProp(props map[string]any, key string) string {
	if s, ok := props[key].(string); ok {
		return s
	}
	return ""
}

func boolProp(props map[string]any, key string) bool {
	b, _ := props[key].(bool)
	return b
}

func floatProp(props map[string]any, key string) float64 {
	switch v := props[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func timeProp(props map[string]any, key string) time.Time {
	switch v := props[key].(type) {
	case time.Time:
		return v
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err == nil {
			return t
		}
	}
	return time.Time{}
}
