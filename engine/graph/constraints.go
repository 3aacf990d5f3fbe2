package graph

import "context"

// constraintStatements are the Neo4j uniqueness and existence constraints
// the graph depends on, adapted from
// graphiti_core/utils/constraints.py's get_all_constraints (Neo4j branch)
// to this schema's id/tenant property names in place of uuid/group_id.
var constraintStatements = []string{
	// Uniqueness.
	"CREATE CONSTRAINT entity_id_unique IF NOT EXISTS FOR (n:Entity) REQUIRE n.id IS UNIQUE",
	"CREATE CONSTRAINT episodic_id_unique IF NOT EXISTS FOR (n:Episodic) REQUIRE n.id IS UNIQUE",
	"CREATE CONSTRAINT community_id_unique IF NOT EXISTS FOR (n:Community) REQUIRE n.id IS UNIQUE",
	"CREATE CONSTRAINT relates_to_id_unique IF NOT EXISTS FOR ()-[e:RELATES_TO]-() REQUIRE e.id IS UNIQUE",
	"CREATE CONSTRAINT has_member_id_unique IF NOT EXISTS FOR ()-[e:HAS_MEMBER]-() REQUIRE e.id IS UNIQUE",
	"CREATE CONSTRAINT entity_name_tenant_unique IF NOT EXISTS FOR (n:Entity) REQUIRE (n.name, n.tenant) IS UNIQUE",

	// Existence.
	"CREATE CONSTRAINT entity_id_exists IF NOT EXISTS FOR (n:Entity) REQUIRE n.id IS NOT NULL",
	"CREATE CONSTRAINT entity_name_exists IF NOT EXISTS FOR (n:Entity) REQUIRE n.name IS NOT NULL",
	"CREATE CONSTRAINT entity_tenant_exists IF NOT EXISTS FOR (n:Entity) REQUIRE n.tenant IS NOT NULL",
	"CREATE CONSTRAINT episodic_id_exists IF NOT EXISTS FOR (n:Episodic) REQUIRE n.id IS NOT NULL",
	"CREATE CONSTRAINT episodic_tenant_exists IF NOT EXISTS FOR (n:Episodic) REQUIRE n.tenant IS NOT NULL",
	"CREATE CONSTRAINT community_id_exists IF NOT EXISTS FOR (n:Community) REQUIRE n.id IS NOT NULL",
	"CREATE CONSTRAINT relates_to_id_exists IF NOT EXISTS FOR ()-[e:RELATES_TO]-() REQUIRE e.id IS NOT NULL",
	"CREATE CONSTRAINT relates_to_tenant_exists IF NOT EXISTS FOR ()-[e:RELATES_TO]-() REQUIRE e.tenant IS NOT NULL",
}

// indexStatements speed up the lookups Store performs most: exact-name
// dedup candidates and tenant-scoped sweeps.
var indexStatements = []string{
	"CREATE INDEX entity_tenant_idx IF NOT EXISTS FOR (n:Entity) ON (n.tenant)",
	"CREATE INDEX entity_name_idx IF NOT EXISTS FOR (n:Entity) ON (n.name)",
	"CREATE INDEX episodic_tenant_idx IF NOT EXISTS FOR (n:Episodic) ON (n.tenant)",
}

// EnsureConstraints applies every constraint and index statement,
// idempotent thanks to IF NOT EXISTS, meant to run once at process
// startup before the worker pool begins consuming tasks.
func (s *Store) EnsureConstraints(ctx context.Context) error {
	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	for _, stmt := range append(append([]string{}, constraintStatements...), indexStatements...) {
		if _, err := sess.Run(ctx, stmt, nil); err != nil {
			return err
		}
	}
	return nil
}
