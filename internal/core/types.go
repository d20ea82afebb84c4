package core

import "herbtrace/pkg/domain"

type (
	BatchID             = domain.BatchID
	BatchRecord         = domain.BatchRecord
	HarvestEvent        = domain.HarvestEvent
	LabTestEvent        = domain.LabTestEvent
	ProcessingStepEvent = domain.ProcessingStepEvent
	TransportEvent      = domain.TransportEvent
	TimelineEntry       = domain.TimelineEntry
	Category            = domain.Category
	Severity            = domain.Severity
	Change              = domain.Change
	Action              = domain.Action
	Violation           = domain.Violation
	Result              = domain.Result
	Rule                = domain.Rule
	RuleView            = domain.RuleView
	RulesEngine         = domain.RulesEngine
	RuleViolationError  = domain.RuleViolationError
	PersistentStore     = domain.PersistentStore
)

const (
	SeverityBlock = domain.SeverityBlock
	SeverityWarn  = domain.SeverityWarn
	SeverityLog   = domain.SeverityLog
)

const (
	ActionRegister = domain.ActionRegister
	ActionAppend   = domain.ActionAppend
)

// NewRulesEngine constructs an empty engine.
func NewRulesEngine() *RulesEngine { return domain.NewRulesEngine() }
