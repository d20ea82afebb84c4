package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"herbtrace/pkg/domain"
)

// DefaultFutureTolerance is how far ahead of the server clock an event
// timestamp may be before it is rejected.
const DefaultFutureTolerance = 5 * time.Minute

// NewDefaultRulesEngine builds a rules engine with the built-in provenance policies.
func NewDefaultRulesEngine() *RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(NewEventChronologyRule())
	engine.Register(NewTransportContinuityRule())
	engine.Register(NewFutureTimestampRule(DefaultFutureTolerance))
	return engine
}

type eventChronologyRule struct{}

// NewEventChronologyRule warns when an appended event predates the harvest.
func NewEventChronologyRule() Rule { return eventChronologyRule{} }

func (eventChronologyRule) Name() string { return "event_chronology" }

func (r eventChronologyRule) Evaluate(_ context.Context, view RuleView, changes []Change) (Result, error) {
	var res Result
	rec, ok := view.Batch()
	if !ok {
		return res, nil
	}
	for _, change := range changes {
		if change.Action != ActionAppend {
			continue
		}
		ts, ok := change.EventTimestamp()
		if !ok || !ts.Before(rec.Harvest.Timestamp) {
			continue
		}
		res.Violations = append(res.Violations, Violation{
			Rule:     r.Name(),
			Severity: SeverityWarn,
			Message:  fmt.Sprintf("%s event at %s precedes harvest at %s", change.Category, ts.Format(time.RFC3339), rec.Harvest.Timestamp.Format(time.RFC3339)),
			Category: change.Category,
			BatchID:  change.BatchID,
		})
	}
	return res, nil
}

type transportContinuityRule struct{}

// NewTransportContinuityRule warns when a transport leg does not start where
// the previous one ended.
func NewTransportContinuityRule() Rule { return transportContinuityRule{} }

func (transportContinuityRule) Name() string { return "transport_continuity" }

func (r transportContinuityRule) Evaluate(_ context.Context, view RuleView, changes []Change) (Result, error) {
	var res Result
	rec, ok := view.Batch()
	if !ok {
		return res, nil
	}
	last, ok := rec.LastTransport()
	if !ok {
		return res, nil
	}
	for _, change := range changes {
		move, isTransport := change.Event.(TransportEvent)
		if !isTransport {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(move.FromLocation), strings.TrimSpace(last.ToLocation)) {
			last = move
			continue
		}
		res.Violations = append(res.Violations, Violation{
			Rule:     r.Name(),
			Severity: SeverityWarn,
			Message:  fmt.Sprintf("transport departs %q but previous leg arrived at %q", move.FromLocation, last.ToLocation),
			Category: change.Category,
			BatchID:  change.BatchID,
		})
		last = move
	}
	return res, nil
}

type futureTimestampRule struct {
	tolerance time.Duration
}

// NewFutureTimestampRule blocks events stamped further in the future than tolerance.
func NewFutureTimestampRule(tolerance time.Duration) Rule {
	return futureTimestampRule{tolerance: tolerance}
}

func (futureTimestampRule) Name() string { return "future_timestamp" }

func (r futureTimestampRule) Evaluate(_ context.Context, _ RuleView, changes []Change) (Result, error) {
	var res Result
	for _, change := range changes {
		ts, ok := change.EventTimestamp()
		if !ok || change.At.IsZero() {
			continue
		}
		if ts.After(change.At.Add(r.tolerance)) {
			res.Violations = append(res.Violations, Violation{
				Rule:     r.Name(),
				Severity: SeverityBlock,
				Message:  fmt.Sprintf("%s event timestamp %s is in the future", change.Category, ts.Format(time.RFC3339)),
				Category: change.Category,
				BatchID:  change.BatchID,
			})
		}
	}
	return res, nil
}
