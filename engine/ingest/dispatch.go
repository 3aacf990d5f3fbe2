package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kgraph/ingestor/engine/dedup"
	"github.com/kgraph/ingestor/engine/domain"
	"github.com/kgraph/ingestor/engine/merge"
)

// dispatch routes task to its kind-specific handler, grounded on
// _process_task's routing and the per-kind _process_* methods.
func (w *Worker) dispatch(ctx context.Context, task *domain.IngestionTask) error {
	switch task.Kind {
	case domain.TaskKindEpisode:
		return w.dispatchEpisode(ctx, task)
	case domain.TaskKindEntity:
		return w.dispatchEntity(ctx, task)
	case domain.TaskKindRelationship:
		return w.dispatchRelationship(ctx, task)
	case domain.TaskKindDeduplication:
		return w.dispatchDeduplication(ctx, task)
	case domain.TaskKindBatch:
		return w.dispatchBatch(ctx, task)
	default:
		return &domain.PermanentError{Op: "dispatch", Err: fmt.Errorf("unknown task kind %q", task.Kind)}
	}
}

func (w *Worker) dispatchEpisode(ctx context.Context, task *domain.IngestionTask) error {
	payload := task.Payload
	ts := time.Time{}
	if raw := getString(payload, "timestamp"); raw != "" {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			ts = parsed
		}
	}
	ep := domain.Episode{
		ID:                getString(payload, "id"),
		Tenant:            task.Tenant,
		Name:              getString(payload, "name"),
		Content:           getString(payload, "content"),
		Source:            domain.EpisodeSourceMessage,
		SourceDescription: getString(payload, "source_description"),
		ValidAt:           ts,
	}

	result, err := w.core.AddEpisode(ctx, task.Tenant, ep)
	if err != nil {
		return classifyCoreError(task.Tenant, err)
	}
	if result != nil && len(result.EntityIDs) > 0 {
		w.signalCentrality(task.Tenant, result.EntityIDs)
	}
	return nil
}

func (w *Worker) dispatchEntity(ctx context.Context, task *domain.IngestionTask) error {
	payload := task.Payload
	e := &domain.Entity{
		ID:      getString(payload, "id"),
		Name:    getString(payload, "name"),
		Tenant:  task.Tenant,
		Summary: getString(payload, "summary"),
	}
	if err := w.core.SaveEntity(ctx, task.Tenant, e); err != nil {
		if isDuplicateError(err) {
			return nil
		}
		return classifyCoreError(task.Tenant, err)
	}
	if e.ID != "" {
		w.signalCentrality(task.Tenant, []string{e.ID})
	}
	return nil
}

func (w *Worker) dispatchRelationship(ctx context.Context, task *domain.IngestionTask) error {
	payload := task.Payload
	sourceData := getSubMap(payload, "source_node")
	edgeData := getSubMap(payload, "edge")
	targetData := getSubMap(payload, "target_node")
	if sourceData == nil || edgeData == nil || targetData == nil {
		return &domain.PermanentError{Op: "dispatch_relationship", Err: fmt.Errorf("missing source_node, edge, or target_node")}
	}

	source := &domain.Entity{ID: getString(sourceData, "id"), Name: getString(sourceData, "name"), Tenant: task.Tenant, Summary: getString(sourceData, "summary")}
	target := &domain.Entity{ID: getString(targetData, "id"), Name: getString(targetData, "name"), Tenant: task.Tenant, Summary: getString(targetData, "summary")}
	edge := &domain.Edge{
		ID:       getString(edgeData, "id"),
		SourceID: source.ID,
		TargetID: target.ID,
		Tenant:   task.Tenant,
		Name:     domain.RelationName(getString(edgeData, "name")),
		Fact:     getString(edgeData, "fact"),
	}

	if err := w.core.AddTriplet(ctx, task.Tenant, source, edge, target); err != nil {
		if isDuplicateError(err) {
			return nil
		}
		return classifyCoreError(task.Tenant, err)
	}
	w.signalCentrality(task.Tenant, []string{source.ID, target.ID})
	return nil
}

func (w *Worker) dispatchBatch(ctx context.Context, task *domain.IngestionTask) error {
	operations := getMapSlice(task.Payload, "operations")
	var succeeded, failed int
	for i, op := range operations {
		subTask := &domain.IngestionTask{
			ID:         fmt.Sprintf("%s_%d", task.ID, i),
			Kind:       domain.TaskKind(getString(op, "type")),
			Payload:    getSubMap(op, "payload"),
			Tenant:     task.Tenant,
			Priority:   task.Priority,
			MaxRetries: task.MaxRetries,
		}
		if err := w.process(ctx, subTask); err != nil {
			failed++
			w.logger().Error("batch operation failed", "task", task.ID, "operation", subTask.ID, "error", err)
			continue
		}
		succeeded++
	}
	w.logger().Info("batch completed", "task", task.ID, "succeeded", succeeded, "failed", failed)
	if failed > 0 && failed == len(operations) {
		return &domain.TransientError{Op: "dispatch_batch", Err: fmt.Errorf("all %d batch operations failed", failed)}
	}
	return nil
}

func (w *Worker) dispatchDeduplication(ctx context.Context, task *domain.IngestionTask) error {
	payload := task.Payload
	kind := getString(payload, "type")
	if kind == "" {
		kind = "nodes"
	}
	tenants := getStringSlice(payload, "tenants")
	if len(tenants) == 0 && task.Tenant != "" {
		tenants = []string{task.Tenant}
	}
	if len(tenants) == 0 {
		return &domain.PermanentError{Op: "dispatch_deduplication", Err: fmt.Errorf("no tenants specified for deduplication")}
	}
	threshold := getFloat(payload, "similarity_threshold", 0)

	if kind == "edges" || kind == "both" {
		w.logger().Info("edge deduplication requested but not implemented, skipping", "task", task.ID)
	}
	if kind != "nodes" && kind != "both" {
		return nil
	}

	merged := 0
	for _, tenant := range tenants {
		entities, err := w.lister.ListEntities(ctx, tenant)
		if err != nil {
			return classifyCoreError(tenant, err)
		}
		if len(entities) == 0 {
			continue
		}
		cfg := dedup.DefaultSweepConfig
		if threshold > 0 {
			cfg.EmbeddingThreshold = threshold
		}
		groups := dedup.MaintenanceSweep(entities, cfg)
		for _, group := range groups {
			for _, dup := range group.Duplicates {
				if _, err := w.merger.Merge(ctx, group.Primary.ID, dup.ID, merge.Options{
					MaintainAuditTrail:       true,
					TombstoneInsteadOfDelete: true,
				}); err != nil {
					w.logger().Error("maintenance merge failed", "task", task.ID, "canonical", group.Primary.ID, "duplicate", dup.ID, "error", err)
					continue
				}
				merged++
			}
		}
	}
	w.logger().Info("deduplication completed", "task", task.ID, "merged", merged)
	return nil
}

// classifyCoreError applies the heuristics grounded in the source's
// _process_episode exception handling: messages mentioning rate limiting
// or connectivity/timeouts are turned into typed errors the worker loop
// classifies cheaply, without requiring Core to import engine/domain's
// error taxonomy itself.
func classifyCoreError(tenant string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"):
		return &domain.RateLimitedError{Scope: tenant, RetryAfter: 60 * time.Second}
	case strings.Contains(msg, "connection"), strings.Contains(msg, "timeout"):
		return &domain.TransientError{Op: "core", Err: err}
	default:
		return err
	}
}

func isDuplicateError(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "duplicate")
}
