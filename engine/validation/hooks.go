// Package validation implements the pre-save hook registry, post-save
// integrity checks, centrality bounds validation, fuzzy matching, merge
// policy, and orchestrator that together form the validation suite,
// grounded on the source's validation_hooks.py, post_save_validation.py,
// centrality_validation.py, fuzzy_matching.py, and merge_policies.py.
package validation

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kgraph/ingestor/engine/domain"
)

// HookKind is the stage at which a hook runs.
type HookKind string

const (
	HookPreEntity      HookKind = "pre_entity"
	HookPreEdge        HookKind = "pre_edge"
	HookPreEpisode     HookKind = "pre_episode"
	HookPreBatch       HookKind = "pre_batch"
	HookPostValidation HookKind = "post_validation"
)

// Outcome is the three-way result of running a hook.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeSkip
	OutcomeFail
)

// HookResult is what a hook function returns: ok (optionally with
// transformed data), skip (short-circuit success, omit persistence), or
// fail (short-circuit failure).
type HookResult struct {
	Outcome Outcome
	Message string
	Data    any
}

// OK returns a successful result, optionally carrying transformed data.
func OK(data any) HookResult { return HookResult{Outcome: OutcomeOK, Data: data} }

// OKWithMessage returns a successful result with an informational message.
func OKWithMessage(data any, message string) HookResult {
	return HookResult{Outcome: OutcomeOK, Data: data, Message: message}
}

// SkipResult short-circuits with success but omits persistence.
func SkipResult(reason string) HookResult { return HookResult{Outcome: OutcomeSkip, Message: reason} }

// FailResult short-circuits with failure.
func FailResult(reason string) HookResult { return HookResult{Outcome: OutcomeFail, Message: reason} }

// HookFunc validates or transforms data for a given hook kind. ctx carries
// ambient information such as the batch being validated and the index of
// the item currently under inspection.
type HookFunc func(data any, ctx map[string]any) HookResult

type hookRegistration struct {
	name     string
	priority int
	fn       HookFunc
	enabled  bool
}

// HookRegistry holds hooks grouped by kind, executed in ascending
// priority order.
type HookRegistry struct {
	mu    sync.Mutex
	hooks map[HookKind][]hookRegistration
}

// NewHookRegistry builds a registry with the built-in hooks already
// registered: required-field presence, name normalization, and
// intra-batch duplicate detection for entities; required-field presence
// for edges.
func NewHookRegistry() *HookRegistry {
	r := &HookRegistry{hooks: make(map[HookKind][]hookRegistration)}
	r.Register(HookPreEntity, "entity_required_fields", 10, entityRequiredFields)
	r.Register(HookPreEntity, "entity_name_normalization", 20, normalizeEntityName)
	r.Register(HookPreEntity, "entity_duplicate_detection", 30, detectEntityDuplicates)
	r.Register(HookPreEdge, "edge_required_fields", 10, edgeRequiredFields)
	return r
}

// Register adds or replaces (by name) a hook for kind, re-sorting by
// ascending priority.
func (r *HookRegistry) Register(kind HookKind, name string, priority int, fn HookFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.hooks[kind]
	out := existing[:0:0]
	for _, h := range existing {
		if h.name != name {
			out = append(out, h)
		}
	}
	out = append(out, hookRegistration{name: name, priority: priority, fn: fn, enabled: true})
	sort.SliceStable(out, func(i, j int) bool { return out[i].priority < out[j].priority })
	r.hooks[kind] = out
}

// Unregister removes a named hook. Reports whether it was present.
func (r *HookRegistry) Unregister(kind HookKind, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.hooks[kind]
	out := existing[:0:0]
	removed := false
	for _, h := range existing {
		if h.name == name {
			removed = true
			continue
		}
		out = append(out, h)
	}
	r.hooks[kind] = out
	return removed
}

// Execute runs every enabled hook of kind in priority order against data,
// threading transformed data forward and short-circuiting on skip/fail.
func (r *HookRegistry) Execute(kind HookKind, data any, ctx map[string]any) HookResult {
	r.mu.Lock()
	hooks := make([]hookRegistration, 0, len(r.hooks[kind]))
	for _, h := range r.hooks[kind] {
		if h.enabled {
			hooks = append(hooks, h)
		}
	}
	r.mu.Unlock()

	if ctx == nil {
		ctx = make(map[string]any)
	}
	if len(hooks) == 0 {
		return OK(data)
	}

	current := data
	var messages []string
	for _, h := range hooks {
		result := h.fn(current, ctx)
		switch result.Outcome {
		case OutcomeFail:
			return FailResult(fmt.Sprintf("validation failed at hook %q: %s", h.name, result.Message))
		case OutcomeSkip:
			return SkipResult(result.Message)
		}
		if result.Data != nil {
			current = result.Data
		}
		if result.Message != "" {
			messages = append(messages, h.name+": "+result.Message)
		}
	}
	return OKWithMessage(current, strings.Join(messages, "; "))
}

func entityRequiredFields(data any, _ map[string]any) HookResult {
	e, ok := data.(*domain.Entity)
	if !ok {
		return OK(data)
	}
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
		return FailResult(fmt.Sprintf("entity missing required fields: %s", strings.Join(missing, ", ")))
	}
	return OK(data)
}

func normalizeEntityName(data any, _ map[string]any) HookResult {
	e, ok := data.(*domain.Entity)
	if !ok {
		return OK(data)
	}
	trimmed := strings.TrimSpace(e.Name)
	if trimmed == e.Name || trimmed == "" {
		return OK(data)
	}
	clone := *e
	clone.Name = trimmed
	return OKWithMessage(&clone, fmt.Sprintf("normalized name from %q to %q", e.Name, trimmed))
}

func detectEntityDuplicates(data any, ctx map[string]any) HookResult {
	e, ok := data.(*domain.Entity)
	if !ok {
		return OK(data)
	}
	batch, _ := ctx["batch_entities"].([]*domain.Entity)
	if batch == nil {
		return OK(data)
	}
	currentIndex, _ := ctx["current_entity_index"].(int)

	for i, other := range batch {
		if i == currentIndex {
			continue
		}
		if e.ID != "" && e.ID == other.ID {
			return FailResult(fmt.Sprintf("duplicate id detected in batch: %s", e.ID))
		}
		if e.Name != "" && e.Tenant != "" && e.Name == other.Name && e.Tenant == other.Tenant {
			return SkipResult(fmt.Sprintf("duplicate entity detected (name=%q, tenant=%q), skipping", e.Name, e.Tenant))
		}
	}
	return OK(data)
}

func edgeRequiredFields(data any, _ map[string]any) HookResult {
	e, ok := data.(*domain.Edge)
	if !ok {
		return OK(data)
	}
	var missing []string
	if e.ID == "" {
		missing = append(missing, "id")
	}
	if e.SourceID == "" {
		missing = append(missing, "source")
	}
	if e.TargetID == "" {
		missing = append(missing, "target")
	}
	if e.Tenant == "" {
		missing = append(missing, "tenant")
	}
	if len(missing) > 0 {
		return FailResult(fmt.Sprintf("edge missing required fields: %s", strings.Join(missing, ", ")))
	}
	return OK(data)
}
