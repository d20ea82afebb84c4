package domain

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"time"
)

// TimelineEntry is a display-ready projection of a single event. It is
// recomputed on every aggregation and never stored.
type TimelineEntry struct {
	Category    Category  `json:"category"`
	Timestamp   time.Time `json:"timestamp"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Location    string    `json:"location,omitempty"`
}

// Aggregate merges the four event streams of a record into one timeline sorted
// by timestamp. Equal timestamps order by category precedence (harvest, lab
// test, processing, transport) and then by append order. The record is not
// modified.
func Aggregate(record BatchRecord) []TimelineEntry {
	entries := make([]TimelineEntry, 0, record.EventCount())
	entries = append(entries, harvestEntry(record.Harvest))
	for _, test := range record.LabTests {
		entries = append(entries, labTestEntry(test))
	}
	for _, step := range record.ProcessingSteps {
		entries = append(entries, processingEntry(step))
	}
	for _, ev := range record.TransportEvents {
		entries = append(entries, transportEntry(ev))
	}
	slices.SortStableFunc(entries, compareEntries)
	return entries
}

func compareEntries(a, b TimelineEntry) int {
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c
	}
	return cmp.Compare(a.Category.Rank(), b.Category.Rank())
}

func harvestEntry(h HarvestEvent) TimelineEntry {
	return TimelineEntry{
		Category:    CategoryHarvest,
		Timestamp:   h.Timestamp,
		Title:       "Harvested",
		Description: fmt.Sprintf("%skg of %s harvested by %s", formatQuantity(h.QuantityKg), h.PlantType, h.Farmer),
		Location:    h.Location,
	}
}

func labTestEntry(t LabTestEvent) TimelineEntry {
	return TimelineEntry{
		Category:    CategoryLabTest,
		Timestamp:   t.Timestamp,
		Title:       t.TestType,
		Description: fmt.Sprintf("Result: %s (%s)", t.Result, t.LabID),
	}
}

func processingEntry(p ProcessingStepEvent) TimelineEntry {
	desc := fmt.Sprintf("%s by %s", p.Description, p.Processor)
	if p.Temperature != nil {
		desc += fmt.Sprintf(" at %s°C", formatQuantity(*p.Temperature))
	}
	if p.Duration != nil {
		desc += fmt.Sprintf(" for %s", p.Duration.String())
	}
	return TimelineEntry{
		Category:    CategoryProcessing,
		Timestamp:   p.Timestamp,
		Title:       p.StepType,
		Description: desc,
	}
}

func transportEntry(t TransportEvent) TimelineEntry {
	desc := fmt.Sprintf("From %s to %s by %s", t.FromLocation, t.ToLocation, t.TransporterID)
	if t.VehicleID != nil && *t.VehicleID != "" {
		desc += fmt.Sprintf(" (vehicle %s)", *t.VehicleID)
	}
	return TimelineEntry{
		Category:    CategoryTransport,
		Timestamp:   t.Timestamp,
		Title:       "Transported",
		Description: desc,
	}
}

func formatQuantity(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
