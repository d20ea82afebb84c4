package domain

import (
	"context"
	"time"
)

// Severity expresses how a rule violation affects a mutation.
type Severity string

// Severity levels.
const (
	SeverityBlock Severity = "block"
	SeverityWarn  Severity = "warn"
	SeverityLog   Severity = "log"
)

// Action indicates the kind of mutation captured in a Change.
type Action string

// Mutation kinds. Records are never updated or deleted.
const (
	ActionRegister Action = "register"
	ActionAppend   Action = "append"
)

// Change describes one pending mutation of a batch record.
type Change struct {
	BatchID  BatchID
	Category Category
	Action   Action
	Event    any
	At       time.Time
}

// EventTimestamp returns the domain timestamp of the changed event.
func (c Change) EventTimestamp() (time.Time, bool) {
	switch ev := c.Event.(type) {
	case HarvestEvent:
		return ev.Timestamp, true
	case LabTestEvent:
		return ev.Timestamp, true
	case ProcessingStepEvent:
		return ev.Timestamp, true
	case TransportEvent:
		return ev.Timestamp, true
	default:
		return time.Time{}, false
	}
}

// Violation describes a rule failure.
type Violation struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Category Category `json:"category,omitempty"`
	BatchID  BatchID  `json:"batch_id,omitempty"`
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation `json:"violations,omitempty"`
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			return "mutation blocked by rule " + v.Rule + ": " + v.Message
		}
	}
	return "mutation blocked by rules"
}

// RuleView provides read-only access to the batch targeted by a mutation, as
// it was before the mutation.
type RuleView interface {
	Batch() (BatchRecord, bool)
}

// Rule defines an evaluation executed before a mutation is committed.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, view RuleView, changes []Change) (Result, error)
}

// RulesEngine orchestrates rule evaluation.
type RulesEngine struct {
	rules []Rule
}

// NewRulesEngine constructs an engine instance.
func NewRulesEngine() *RulesEngine {
	return &RulesEngine{}
}

// Register appends a rule to the engine.
func (e *RulesEngine) Register(rule Rule) {
	e.rules = append(e.rules, rule)
}

// Rules returns the registered rule names in evaluation order.
func (e *RulesEngine) Rules() []string {
	names := make([]string, 0, len(e.rules))
	for _, rule := range e.rules {
		names = append(names, rule.Name())
	}
	return names
}

// Evaluate executes all registered rules and aggregates their results.
func (e *RulesEngine) Evaluate(ctx context.Context, view RuleView, changes []Change) (Result, error) {
	var combined Result
	for _, rule := range e.rules {
		res, err := rule.Evaluate(ctx, view, changes)
		if err != nil {
			return Result{}, err
		}
		combined.Merge(res)
	}
	return combined, nil
}

// BatchView is a RuleView over a single, possibly absent, record.
type BatchView struct {
	Record BatchRecord
	Exists bool
}

// Batch implements RuleView.
func (v BatchView) Batch() (BatchRecord, bool) {
	if !v.Exists {
		return BatchRecord{}, false
	}
	return v.Record.Clone(), true
}
