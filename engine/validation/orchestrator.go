package validation

import (
	"context"
	"time"

	"github.com/kgraph/ingestor/engine/domain"
)

// Phase identifies one stage of the orchestrated validation pipeline.
type Phase string

const (
	PhasePreSave      Phase = "pre_save"
	PhaseCentrality   Phase = "centrality"
	PhaseDedupAnalysis Phase = "deduplication_analysis"
	PhasePostSave     Phase = "post_save"
)

// ValidationIssue is one finding raised during orchestrated validation.
type ValidationIssue struct {
	Phase        Phase
	Severity     Severity
	Message      string
	EntityID     string
	Field        string
	SuggestedFix string
}

// ValidationReport summarizes everything the orchestrator found while
// processing one operation.
type ValidationReport struct {
	OperationID        string
	Issues             []ValidationIssue
	PerformanceMetrics map[Phase]time.Duration
	ExceededDeadline   bool
}

// ErrorCount returns the number of error-severity issues.
func (r *ValidationReport) ErrorCount() int { return r.countSeverity(SeverityError) }

// WarningCount returns the number of warning-severity issues.
func (r *ValidationReport) WarningCount() int { return r.countSeverity(SeverityWarning) }

func (r *ValidationReport) countSeverity(s Severity) int {
	n := 0
	for _, issue := range r.Issues {
		if issue.Severity == s {
			n++
		}
	}
	return n
}

// HasErrors reports whether any error-severity issue was recorded.
func (r *ValidationReport) HasErrors() bool { return r.ErrorCount() > 0 }

// IsValid reports whether the report carries no errors and the deadline
// was not exceeded.
func (r *ValidationReport) IsValid() bool { return !r.HasErrors() && !r.ExceededDeadline }

// OrchestratorConfig tunes the orchestrator's failure and timing policy.
type OrchestratorConfig struct {
	FailOnWarnings        bool
	FailOnCentralityErrors bool
	MaxWallClock          time.Duration
}

// DefaultOrchestratorConfig disables strict failure modes and imposes no
// wall-clock limit.
var DefaultOrchestratorConfig = OrchestratorConfig{}

// Orchestrator runs the pre_save, centrality, deduplication-analysis, and
// post_save phases for one entity write, producing a ValidationReport.
// Persistence itself happens between the centrality/dedup-analysis phases
// and post_save, driven by the caller.
type Orchestrator struct {
	cfg         OrchestratorConfig
	hooks       *HookRegistry
	centrality  *CentralityValidator
	postSave    *PostSaveValidator
	now         func() time.Time
}

// NewOrchestrator builds an orchestrator wiring the hook registry,
// centrality validator, and post-save validator together.
func NewOrchestrator(cfg OrchestratorConfig, hooks *HookRegistry, centrality *CentralityValidator, postSave *PostSaveValidator) *Orchestrator {
	return &Orchestrator{cfg: cfg, hooks: hooks, centrality: centrality, postSave: postSave, now: time.Now}
}

// ValidateEntityWrite runs pre_save and centrality phases against e,
// calls persist (the caller's actual write), then runs post_save checks
// against the persisted entity. findDuplicates, if non-nil, supplies the
// deduplication-analysis phase's candidate scan.
func (o *Orchestrator) ValidateEntityWrite(
	ctx context.Context,
	operationID string,
	e *domain.Entity,
	findDuplicates func(context.Context, *domain.Entity) ([]ScoredEntity, error),
	persist func(context.Context, *domain.Entity) error,
) (*domain.Entity, *ValidationReport) {
	report := &ValidationReport{OperationID: operationID, PerformanceMetrics: make(map[Phase]time.Duration)}
	start := o.now()
	deadline := func() bool {
		if o.cfg.MaxWallClock <= 0 {
			return false
		}
		if o.now().Sub(start) > o.cfg.MaxWallClock {
			report.ExceededDeadline = true
			report.Issues = append(report.Issues, ValidationIssue{
				Phase:    PhasePostSave,
				Severity: SeverityError,
				Message:  "validation exceeded maximum wall-clock time",
				EntityID: e.ID,
			})
			return true
		}
		return false
	}

	phaseStart := o.now()
	result := o.hooks.Execute(HookPreEntity, e, nil)
	report.PerformanceMetrics[PhasePreSave] = o.now().Sub(phaseStart)
	switch result.Outcome {
	case OutcomeFail:
		report.Issues = append(report.Issues, ValidationIssue{Phase: PhasePreSave, Severity: SeverityError, Message: result.Message, EntityID: e.ID})
		return nil, report
	case OutcomeSkip:
		report.Issues = append(report.Issues, ValidationIssue{Phase: PhasePreSave, Severity: SeverityInfo, Message: result.Message, EntityID: e.ID})
		return nil, report
	}
	if transformed, ok := result.Data.(*domain.Entity); ok {
		e = transformed
	}
	if deadline() {
		return nil, report
	}

	phaseStart = o.now()
	centralityAttrs := map[CentralityType]float64{
		CentralityDegree:      e.Degree,
		CentralityPageRank:    e.PageRank,
		CentralityBetweenness: e.Betweenness,
		CentralityEigenvector: e.Eigenvector,
		CentralityImportance:  e.Importance,
	}
	// Validate first without auto-correction so out-of-range metrics
	// surface as errors, then re-run with auto-correction to compute the
	// fixed values to apply.
	checked := o.centrality.ValidateEntity(centralityAttrs, false)
	corrected := o.centrality.ValidateEntity(centralityAttrs, true)
	report.PerformanceMetrics[PhaseCentrality] = o.now().Sub(phaseStart)
	for _, errMsg := range checked.Errors {
		sev := SeverityWarning
		if o.cfg.FailOnCentralityErrors {
			sev = SeverityError
		}
		report.Issues = append(report.Issues, ValidationIssue{Phase: PhaseCentrality, Severity: sev, Message: errMsg, EntityID: e.ID})
	}
	for _, warnMsg := range corrected.Warnings {
		report.Issues = append(report.Issues, ValidationIssue{Phase: PhaseCentrality, Severity: SeverityWarning, Message: warnMsg, EntityID: e.ID})
	}
	applyCentralityCorrections(e, corrected.CorrectedValues)
	if o.cfg.FailOnCentralityErrors && len(checked.Errors) > 0 {
		return nil, report
	}
	if deadline() {
		return nil, report
	}

	if findDuplicates != nil {
		phaseStart = o.now()
		candidates, err := findDuplicates(ctx, e)
		report.PerformanceMetrics[PhaseDedupAnalysis] = o.now().Sub(phaseStart)
		if err != nil {
			report.Issues = append(report.Issues, ValidationIssue{Phase: PhaseDedupAnalysis, Severity: SeverityWarning, Message: "duplicate scan failed: " + err.Error(), EntityID: e.ID})
		} else if len(candidates) > 0 {
			report.Issues = append(report.Issues, ValidationIssue{
				Phase:    PhaseDedupAnalysis,
				Severity: SeverityInfo,
				Message:  "found potential duplicate candidates during pre-persist scan",
				EntityID: e.ID,
			})
		}
		if deadline() {
			return nil, report
		}
	}

	if err := persist(ctx, e); err != nil {
		report.Issues = append(report.Issues, ValidationIssue{Phase: PhasePostSave, Severity: SeverityError, Message: "persist failed: " + err.Error(), EntityID: e.ID})
		return nil, report
	}

	phaseStart = o.now()
	if o.postSave != nil {
		for _, integrity := range o.postSave.ValidateEntity(ctx, e) {
			if integrity.Passed && integrity.Severity == SeverityInfo {
				continue
			}
			report.Issues = append(report.Issues, ValidationIssue{
				Phase:        PhasePostSave,
				Severity:     integrity.Severity,
				Message:      integrity.Message,
				EntityID:     integrity.EntityID,
				SuggestedFix: integrity.SuggestedFix,
			})
		}
	}
	report.PerformanceMetrics[PhasePostSave] = o.now().Sub(phaseStart)
	deadline()

	if o.cfg.FailOnWarnings && report.WarningCount() > 0 {
		report.Issues = append(report.Issues, ValidationIssue{
			Phase:    PhasePostSave,
			Severity: SeverityError,
			Message:  "validation produced warnings and FailOnWarnings is set",
			EntityID: e.ID,
		})
		return nil, report
	}
	return e, report
}

func applyCentralityCorrections(e *domain.Entity, corrected map[CentralityType]float64) {
	if v, ok := corrected[CentralityDegree]; ok {
		e.Degree = v
	}
	if v, ok := corrected[CentralityPageRank]; ok {
		e.PageRank = v
	}
	if v, ok := corrected[CentralityBetweenness]; ok {
		e.Betweenness = v
	}
	if v, ok := corrected[CentralityEigenvector]; ok {
		e.Eigenvector = v
	}
	if v, ok := corrected[CentralityImportance]; ok {
		e.Importance = v
	}
}
