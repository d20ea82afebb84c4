// Package domain defines the provenance events, batch records, timeline
// projection and rule evaluation primitives used by herbtrace.
package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// BatchID identifies one physical batch. It is opaque, case-sensitive and
// immutable once a record exists under it.
type BatchID string

// String returns the raw identifier.
func (id BatchID) String() string { return string(id) }

// IsBlank reports whether the identifier is empty after trimming whitespace.
func (id BatchID) IsBlank() bool { return strings.TrimSpace(string(id)) == "" }

// Category identifies the kind of provenance event.
type Category string

// Event categories in timeline precedence order.
const (
	CategoryHarvest    Category = "harvest"
	CategoryLabTest    Category = "lab_test"
	CategoryProcessing Category = "processing"
	CategoryTransport  Category = "transport"
)

// Rank returns the tie-break precedence of the category; lower sorts first.
func (c Category) Rank() int {
	switch c {
	case CategoryHarvest:
		return 0
	case CategoryLabTest:
		return 1
	case CategoryProcessing:
		return 2
	case CategoryTransport:
		return 3
	default:
		return 4
	}
}

// EventMeta carries server-assigned bookkeeping shared by every stored event.
type EventMeta struct {
	ID         string    `json:"id,omitempty"`
	RecordedBy string    `json:"recorded_by,omitempty"`
	RecordedAt time.Time `json:"recorded_at,omitempty"`
}

// HarvestEvent registers a batch. Exactly one exists per batch.
type HarvestEvent struct {
	EventMeta
	Farmer     string    `json:"farmer"`
	PlantType  string    `json:"plant_type"`
	QuantityKg float64   `json:"quantity_kg"`
	Location   string    `json:"location"`
	Timestamp  time.Time `json:"timestamp"`
}

// Validate checks required fields.
func (e HarvestEvent) Validate() error {
	if err := requireFields("harvest", map[string]string{
		"farmer":     e.Farmer,
		"plant_type": e.PlantType,
		"location":   e.Location,
	}); err != nil {
		return err
	}
	if e.QuantityKg <= 0 {
		return fmt.Errorf("%w: harvest quantity must be positive, got %v", ErrInvalidEvent, e.QuantityKg)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: harvest timestamp required", ErrInvalidEvent)
	}
	return nil
}

// LabTestEvent records a laboratory test result.
type LabTestEvent struct {
	EventMeta
	TestType  string    `json:"test_type"`
	Result    string    `json:"result"`
	LabID     string    `json:"lab_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks required fields.
func (e LabTestEvent) Validate() error {
	if err := requireFields("lab test", map[string]string{
		"test_type": e.TestType,
		"result":    e.Result,
		"lab_id":    e.LabID,
	}); err != nil {
		return err
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: lab test timestamp required", ErrInvalidEvent)
	}
	return nil
}

// ProcessingStepEvent records a processing step. Temperature is in degrees
// Celsius.
type ProcessingStepEvent struct {
	EventMeta
	StepType    string         `json:"step_type"`
	Processor   string         `json:"processor"`
	Description string         `json:"description"`
	Timestamp   time.Time      `json:"timestamp"`
	Temperature *float64       `json:"temperature,omitempty"`
	Duration    *time.Duration `json:"duration,omitempty"`
}

// Validate checks required fields.
func (e ProcessingStepEvent) Validate() error {
	if err := requireFields("processing step", map[string]string{
		"step_type":   e.StepType,
		"processor":   e.Processor,
		"description": e.Description,
	}); err != nil {
		return err
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: processing step timestamp required", ErrInvalidEvent)
	}
	if e.Duration != nil && *e.Duration < 0 {
		return fmt.Errorf("%w: processing duration cannot be negative", ErrInvalidEvent)
	}
	return nil
}

// TransportEvent records custody movement between two locations.
type TransportEvent struct {
	EventMeta
	FromLocation  string    `json:"from_location"`
	ToLocation    string    `json:"to_location"`
	TransporterID string    `json:"transporter_id"`
	VehicleID     *string   `json:"vehicle_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Validate checks required fields.
func (e TransportEvent) Validate() error {
	if err := requireFields("transport", map[string]string{
		"from_location":  e.FromLocation,
		"to_location":    e.ToLocation,
		"transporter_id": e.TransporterID,
	}); err != nil {
		return err
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: transport timestamp required", ErrInvalidEvent)
	}
	return nil
}

func requireFields(kind string, fields map[string]string) error {
	var missing []string
	for name, value := range fields {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("%w: %s missing %s", ErrInvalidEvent, kind, strings.Join(missing, ", "))
}

// BatchRecord owns the harvest event and the three append-only event
// sequences of a batch.
type BatchRecord struct {
	ID              BatchID               `json:"id"`
	Harvest         HarvestEvent          `json:"harvest"`
	LabTests        []LabTestEvent        `json:"lab_tests"`
	ProcessingSteps []ProcessingStepEvent `json:"processing_steps"`
	TransportEvents []TransportEvent      `json:"transport_events"`
}

// NewBatchRecord creates a record with empty event sequences.
func NewBatchRecord(id BatchID, harvest HarvestEvent) BatchRecord {
	return BatchRecord{
		ID:              id,
		Harvest:         harvest,
		LabTests:        []LabTestEvent{},
		ProcessingSteps: []ProcessingStepEvent{},
		TransportEvents: []TransportEvent{},
	}
}

// EventCount returns the number of events held, harvest included.
func (r BatchRecord) EventCount() int {
	return 1 + len(r.LabTests) + len(r.ProcessingSteps) + len(r.TransportEvents)
}

// Clone returns a deep copy so callers cannot mutate store-owned slices.
func (r BatchRecord) Clone() BatchRecord {
	cp := r
	cp.LabTests = append(make([]LabTestEvent, 0, len(r.LabTests)), r.LabTests...)
	cp.ProcessingSteps = make([]ProcessingStepEvent, len(r.ProcessingSteps))
	for i, step := range r.ProcessingSteps {
		cp.ProcessingSteps[i] = cloneProcessingStep(step)
	}
	cp.TransportEvents = make([]TransportEvent, len(r.TransportEvents))
	for i, ev := range r.TransportEvents {
		cp.TransportEvents[i] = cloneTransport(ev)
	}
	return cp
}

func cloneProcessingStep(step ProcessingStepEvent) ProcessingStepEvent {
	cp := step
	if step.Temperature != nil {
		v := *step.Temperature
		cp.Temperature = &v
	}
	if step.Duration != nil {
		v := *step.Duration
		cp.Duration = &v
	}
	return cp
}

func cloneTransport(ev TransportEvent) TransportEvent {
	cp := ev
	if ev.VehicleID != nil {
		v := *ev.VehicleID
		cp.VehicleID = &v
	}
	return cp
}

// LastTransport returns the most recently appended transport event.
func (r BatchRecord) LastTransport() (TransportEvent, bool) {
	if len(r.TransportEvents) == 0 {
		return TransportEvent{}, false
	}
	return r.TransportEvents[len(r.TransportEvents)-1], true
}
