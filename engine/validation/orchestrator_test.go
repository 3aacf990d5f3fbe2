package validation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kgraph/ingestor/engine/domain"
)

func newOrchestrator(cfg OrchestratorConfig, store GraphLookup) *Orchestrator {
	return NewOrchestrator(cfg, NewHookRegistry(), NewCentralityValidator(), NewPostSaveValidator(store))
}

func TestOrchestratorFailsPreSaveOnMissingFields(t *testing.T) {
	o := newOrchestrator(DefaultOrchestratorConfig, &fakeGraphLookup{})
	e := &domain.Entity{Name: "Acme"}
	persisted := false
	result, report := o.ValidateEntityWrite(context.Background(), "op1", e, nil, func(context.Context, *domain.Entity) error {
		persisted = true
		return nil
	})
	if result != nil {
		t.Fatalf("expected nil result on pre-save failure")
	}
	if persisted {
		t.Fatalf("expected persist not to be called when pre-save fails")
	}
	if !report.HasErrors() {
		t.Fatalf("expected report to carry an error issue")
	}
}

func TestOrchestratorRunsPostSaveAfterPersist(t *testing.T) {
	store := &fakeGraphLookup{counts: map[string]int{"e1": 1}}
	o := newOrchestrator(DefaultOrchestratorConfig, store)
	now := time.Now()
	e := &domain.Entity{ID: "e1", Name: "Acme", Tenant: "acme", CreatedAt: now, UpdatedAt: now}
	persisted := false
	result, report := o.ValidateEntityWrite(context.Background(), "op2", e, nil, func(_ context.Context, persisting *domain.Entity) error {
		persisted = true
		return nil
	})
	if !persisted {
		t.Fatalf("expected persist to be called")
	}
	if result == nil {
		t.Fatalf("expected a non-nil result entity")
	}
	if report.HasErrors() {
		t.Fatalf("expected a clean report, got issues: %+v", report.Issues)
	}
	if _, ok := report.PerformanceMetrics[PhasePostSave]; !ok {
		t.Fatalf("expected post_save phase timing to be recorded")
	}
}

func TestOrchestratorStopsOnPersistError(t *testing.T) {
	store := &fakeGraphLookup{counts: map[string]int{"e1": 1}}
	o := newOrchestrator(DefaultOrchestratorConfig, store)
	now := time.Now()
	e := &domain.Entity{ID: "e1", Name: "Acme", Tenant: "acme", CreatedAt: now, UpdatedAt: now}
	result, report := o.ValidateEntityWrite(context.Background(), "op3", e, nil, func(context.Context, *domain.Entity) error {
		return errors.New("write failed")
	})
	if result != nil {
		t.Fatalf("expected nil result when persist fails")
	}
	if !report.HasErrors() {
		t.Fatalf("expected report to carry a persist-failure error")
	}
}

func TestOrchestratorFailOnCentralityErrorsStopsBeforePersist(t *testing.T) {
	cfg := OrchestratorConfig{FailOnCentralityErrors: true}
	store := &fakeGraphLookup{}
	o := newOrchestrator(cfg, store)
	now := time.Now()
	e := &domain.Entity{ID: "e1", Name: "Acme", Tenant: "acme", Degree: 5.0, CreatedAt: now, UpdatedAt: now}
	persisted := false
	_, report := o.ValidateEntityWrite(context.Background(), "op4", e, nil, func(context.Context, *domain.Entity) error {
		persisted = true
		return nil
	})
	if persisted {
		t.Fatalf("expected persist not to be reached when a centrality error is fatal")
	}
	if !report.HasErrors() {
		t.Fatalf("expected centrality out-of-bounds to be reported as an error")
	}
}

func TestOrchestratorRunsDeduplicationAnalysisPhase(t *testing.T) {
	store := &fakeGraphLookup{counts: map[string]int{"e1": 1}}
	o := newOrchestrator(DefaultOrchestratorConfig, store)
	now := time.Now()
	e := &domain.Entity{ID: "e1", Name: "Acme", Tenant: "acme", CreatedAt: now, UpdatedAt: now}
	called := false
	_, report := o.ValidateEntityWrite(context.Background(), "op5", e, func(context.Context, *domain.Entity) ([]ScoredEntity, error) {
		called = true
		return []ScoredEntity{{Entity: &domain.Entity{ID: "dup"}, Similarity: 0.9}}, nil
	}, func(context.Context, *domain.Entity) error { return nil })
	if !called {
		t.Fatalf("expected the duplicate-finder callback to run")
	}
	if _, ok := report.PerformanceMetrics[PhaseDedupAnalysis]; !ok {
		t.Fatalf("expected deduplication_analysis phase timing to be recorded")
	}
}

func TestValidationReportIsValidRequiresNoErrorsAndNoDeadlineOverrun(t *testing.T) {
	report := &ValidationReport{Issues: []ValidationIssue{{Severity: SeverityWarning}}}
	if !report.IsValid() {
		t.Fatalf("expected warnings alone not to invalidate the report")
	}
	report.Issues = append(report.Issues, ValidationIssue{Severity: SeverityError})
	if report.IsValid() {
		t.Fatalf("expected an error issue to invalidate the report")
	}
}
