package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kgraph/ingestor/engine/dedup"
	"github.com/kgraph/ingestor/engine/domain"
	"github.com/kgraph/ingestor/engine/graph"
	"github.com/kgraph/ingestor/engine/identity"
	"github.com/kgraph/ingestor/engine/ingest"
	"github.com/kgraph/ingestor/engine/merge"
	"github.com/kgraph/ingestor/engine/semantic"
	"github.com/kgraph/ingestor/engine/validation"
	"github.com/kgraph/ingestor/engine/webhook"
)

// localCentrality is the merge engine's CentralityService fallback: a
// degree count straight off the graph store fed through
// merge.ApproximateCentrality, used in place of an external centrality
// recompute service that this worker doesn't run.
type localCentrality struct {
	store *graph.Store
}

func (c *localCentrality) RefreshNode(ctx context.Context, entityID string) (merge.CentralityResult, error) {
	in, err := c.store.IncomingEdges(ctx, entityID)
	if err != nil {
		return merge.CentralityResult{}, err
	}
	out, err := c.store.OutgoingEdges(ctx, entityID)
	if err != nil {
		return merge.CentralityResult{}, err
	}
	return merge.ApproximateCentrality(len(in) + len(out)), nil
}

// acceptingJudge stands in for the real LLM-based duplicate judge this
// worker does not run: every deferred node is treated as new. Exact-name
// and in-episode matches, resolved earlier in dedup.Resolver, are
// unaffected; only the embedding-fuzzy tail goes unmerged until a real
// judge is wired in.
type acceptingJudge struct{}

func (acceptingJudge) ResolveDuplicates(_ context.Context, nodes []*domain.Entity, _ [][]*domain.Entity) ([]dedup.NodeResolution, error) {
	out := make([]dedup.NodeResolution, len(nodes))
	for i, n := range nodes {
		out[i] = dedup.NodeResolution{ID: n.ID, DuplicateIdx: -1}
	}
	return out, nil
}

// coreAdapter is the concrete engine/ingest.Core this worker runs.
// Turning unstructured episode content into a set of candidate entities
// and relationships is the LLM-extraction boundary engine/ingest.Core
// deliberately excludes (SPEC §1/§2); everything downstream of that
// boundary — identity assignment, dedup resolution, validation, and
// graph+vector persistence — is real and fully wired here. AddEpisode
// treats an episode as describing exactly one named entity until a real
// extraction pipeline is attached, so queued episode tasks still
// exercise the rest of the system end to end.
type coreAdapter struct {
	graph    *graph.Store
	vectors  *semantic.VectorStore
	embedder semantic.Embedder
	resolver *dedup.Resolver
	orch     *validation.Orchestrator
	idCfg    identity.Config
	webhooks *webhook.Dispatcher
}

// FindExactByName adapts graph.Store's naming to satisfy
// engine/dedup.ResolutionStore.
func (c *coreAdapter) FindExactByName(ctx context.Context, tenant, name string) (*domain.Entity, error) {
	return c.graph.FindByExactName(ctx, tenant, name)
}

func (c *coreAdapter) embedAndUpsert(ctx context.Context, e *domain.Entity) error {
	if c.vectors == nil || c.embedder == nil {
		return nil
	}
	if len(e.NameEmbedding) == 0 {
		emb, err := c.embedder.Embed(ctx, e.Name)
		if err != nil {
			return fmt.Errorf("embed entity %q: %w", e.Name, err)
		}
		e.NameEmbedding = emb
	}
	return c.vectors.Upsert(ctx, []semantic.VectorRecord{{
		ID:        e.ID,
		Embedding: e.NameEmbedding,
		Payload:   map[string]any{"entity_id": e.ID, "tenant": e.Tenant, "kind": "entity"},
	}})
}

// SaveEntity persists e through the full pre-save/centrality/post-save
// validation pipeline, grounded on validation.Orchestrator.ValidateEntityWrite.
func (c *coreAdapter) SaveEntity(ctx context.Context, tenant string, e *domain.Entity) error {
	e.Tenant = tenant
	if e.ID == "" {
		e.ID = c.idCfg.EntityID(e.Name, tenant)
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	persist := func(ctx context.Context, ent *domain.Entity) error {
		if err := c.embedAndUpsert(ctx, ent); err != nil {
			return err
		}
		return c.graph.SaveEntity(ctx, ent)
	}

	_, report := c.orch.ValidateEntityWrite(ctx, e.ID, e, nil, persist)
	if report.HasErrors() {
		return &domain.PermanentError{Op: "save_entity", Err: fmt.Errorf("%d validation error(s), first: %s", report.ErrorCount(), firstError(report))}
	}
	if c.webhooks != nil {
		c.webhooks.Emit(webhook.Event{Type: webhook.EventDataIngestion, Tenant: tenant, EntityID: e.ID, Timestamp: now, Payload: map[string]any{"name": e.Name}})
	}
	return nil
}

func firstError(report *validation.ValidationReport) string {
	for _, issue := range report.Issues {
		if issue.Severity == validation.SeverityError {
			return issue.Message
		}
	}
	return "unknown"
}

// AddTriplet persists both endpoints and the edge between them.
func (c *coreAdapter) AddTriplet(ctx context.Context, tenant string, source *domain.Entity, edge *domain.Edge, target *domain.Entity) error {
	if err := c.SaveEntity(ctx, tenant, source); err != nil {
		return err
	}
	if err := c.SaveEntity(ctx, tenant, target); err != nil {
		return err
	}

	edge.SourceID = source.ID
	edge.TargetID = target.ID
	edge.Tenant = tenant
	if edge.ID == "" {
		edge.ID = c.idCfg.EdgeID(source.ID, target.ID, string(edge.Name), tenant)
	}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = time.Now().UTC()
	}
	if edge.ValidAt.IsZero() {
		edge.ValidAt = edge.CreatedAt
	}

	if existing, err := c.graph.FindEdge(ctx, edge.SourceID, edge.TargetID, string(edge.Name)); err == nil && existing != nil {
		return nil
	}
	if err := c.graph.CreateEdge(ctx, edge); err != nil {
		return &domain.TransientError{Op: "create_edge", Err: err}
	}
	if c.webhooks != nil {
		c.webhooks.Emit(webhook.Event{Type: webhook.EventDataIngestion, Tenant: tenant, EntityID: edge.ID, Timestamp: edge.CreatedAt, Payload: map[string]any{"source": source.ID, "target": target.ID}})
	}
	return nil
}

// AddEpisode derives a single candidate entity from the episode's name
// and content, resolves it against existing entities via dedup.Resolver,
// and persists whatever it resolves to.
func (c *coreAdapter) AddEpisode(ctx context.Context, tenant string, ep domain.Episode) (*ingest.EpisodeResult, error) {
	if ep.Name == "" {
		return nil, &domain.PermanentError{Op: "add_episode", Err: fmt.Errorf("episode %s has no name to derive an entity from", ep.ID)}
	}

	candidate := &domain.Entity{
		Name:    ep.Name,
		Tenant:  tenant,
		Summary: truncate(ep.Content, 500),
	}
	if !ep.ValidAt.IsZero() {
		candidate.CreatedAt = ep.ValidAt
	}

	resolution, err := c.resolver.ResolveEpisode(ctx, tenant, []*domain.Entity{candidate}, time.Now().UTC())
	if err != nil {
		return nil, &domain.TransientError{Op: "resolve_episode", Err: err}
	}

	ids := make([]string, 0, len(resolution.Resolved))
	for _, e := range resolution.Resolved {
		if err := c.SaveEntity(ctx, tenant, e); err != nil {
			return nil, err
		}
		ids = append(ids, e.ID)
	}
	return &ingest.EpisodeResult{EntityIDs: ids}, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
