// Package validation hosts the Validation Engine: a registry of pluggable
// rules executed against a candidate system state, classified by severity.
//
// The package is deliberately decoupled from domain/model — rules operate
// against the Context interface below rather than concrete model types, so
// model can depend on validation (to run the registry pre-commit) without
// creating an import cycle.
package validation

import "sync"

// Severity classifies a Finding. Only Error blocks a pre-commit mutation;
// Warning and Info pass through and are surfaced in reports.
type Severity string

const (
	SeverityError   Severity = "Error"
	SeverityWarning Severity = "Warning"
	SeverityInfo    Severity = "Info"
)

// Finding is one rule's verdict against a Context.
type Finding struct {
	RuleID   string                 `json:"rule_id"`
	Severity Severity               `json:"severity"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// ComponentView is the minimal read-only view of a Component a Rule needs.
type ComponentView interface {
	ID() string
	Kind() string
	Properties() map[string]interface{}
}

// RelationshipView is the minimal read-only view of a Relationship a Rule needs.
type RelationshipView interface {
	ID() string
	SourceID() string
	TargetID() string
	Kind() string
	Weight() float64
	Properties() map[string]interface{}
}

// Context is the candidate state a Rule evaluates: a System (or a System
// plus a pending change, for pre-commit checks).
type Context interface {
	Components() map[string]ComponentView
	Relationships() map[string]RelationshipView
}

// Rule is a pluggable, deterministic, side-effect-free predicate over a Context.
type Rule interface {
	ID() string
	Description() string
	Severity() Severity
	Check(ctx Context) []Finding
}

// Report is the structured result of running a Registry against a Context.
type Report struct {
	Findings []Finding `json:"findings"`
}

// HasErrors reports whether the report contains any Error-severity finding.
func (r Report) HasErrors() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Registry holds rules in registration order and evaluates all of them
// unconditionally, so a caller always receives a complete report.
type Registry struct {
	mu    sync.Mutex
	rules []Rule
}

// NewRegistry returns an empty rule registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a rule. Rules run in registration order.
func (r *Registry) Register(rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
}

// Run evaluates every registered rule against ctx, in registration order,
// and returns the combined report. All rules run even if an earlier one
// reports an Error — callers need a complete picture, not a first failure.
func (r *Registry) Run(ctx Context) Report {
	r.mu.Lock()
	rules := make([]Rule, len(r.rules))
	copy(rules, r.rules)
	r.mu.Unlock()

	var report Report
	for _, rule := range rules {
		report.Findings = append(report.Findings, rule.Check(ctx)...)
	}
	return report
}

// RunErrorsOnly evaluates every registered rule but returns only the
// Error-severity findings — used as the pre-commit gate in the mutation
// protocol, where Warning/Info findings must not block a commit.
func (r *Registry) RunErrorsOnly(ctx Context) []Finding {
	report := r.Run(ctx)
	errs := make([]Finding, 0, len(report.Findings))
	for _, f := range report.Findings {
		if f.Severity == SeverityError {
			errs = append(errs, f)
		}
	}
	return errs
}
