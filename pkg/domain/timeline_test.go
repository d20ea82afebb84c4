package domain

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

var base = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func day(n int) time.Time { return base.Add(time.Duration(n) * 24 * time.Hour) }

func sampleRecord() BatchRecord {
	rec := NewBatchRecord("BATCH_001", HarvestEvent{
		Farmer:     "Green Valley Farms",
		PlantType:  "Echinacea Purpurea",
		QuantityKg: 500,
		Location:   "Oregon, USA",
		Timestamp:  day(0),
	})
	rec.LabTests = append(rec.LabTests,
		LabTestEvent{TestType: "Heavy Metals", Result: "Below Detection Limits", LabID: "SafeTest Labs", Timestamp: day(7)},
		LabTestEvent{TestType: "Purity Analysis", Result: "99.2% Pure", LabID: "BioLab Sciences", Timestamp: day(5)},
	)
	rec.ProcessingSteps = append(rec.ProcessingSteps,
		ProcessingStepEvent{StepType: "Extraction", Processor: "HerbTech Processing", Description: "CO2 supercritical extraction", Timestamp: day(10)},
	)
	rec.TransportEvents = append(rec.TransportEvents,
		TransportEvent{FromLocation: "Green Valley Farms", ToLocation: "HerbTech Processing", TransporterID: "NaturalTrans Inc.", Timestamp: day(8)},
	)
	return rec
}

func TestAggregateLengthAndOrder(t *testing.T) {
	rec := sampleRecord()
	entries := Aggregate(rec)
	if len(entries) != 1+len(rec.LabTests)+len(rec.ProcessingSteps)+len(rec.TransportEvents) {
		t.Fatalf("unexpected entry count %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Timestamp.Before(entries[i-1].Timestamp) {
			t.Fatalf("entries not sorted at %d: %v before %v", i, entries[i].Timestamp, entries[i-1].Timestamp)
		}
	}
	wantTitles := []string{"Harvested", "Purity Analysis", "Heavy Metals", "Transported", "Extraction"}
	for i, want := range wantTitles {
		if entries[i].Title != want {
			t.Fatalf("entry %d: want %q got %q", i, want, entries[i].Title)
		}
	}
}

func TestAggregateIdempotent(t *testing.T) {
	rec := sampleRecord()
	first := Aggregate(rec)
	second := Aggregate(rec)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("aggregate not idempotent:\n%v\n%v", first, second)
	}
	if rec.LabTests[0].TestType != "Heavy Metals" {
		t.Fatalf("aggregate reordered the record's own slices")
	}
}

func TestAggregateTieBreakByCategory(t *testing.T) {
	rec := NewBatchRecord("B", HarvestEvent{Farmer: "f", PlantType: "p", QuantityKg: 1, Location: "l", Timestamp: base})
	rec.TransportEvents = append(rec.TransportEvents, TransportEvent{FromLocation: "a", ToLocation: "b", TransporterID: "t", Timestamp: base})
	rec.ProcessingSteps = append(rec.ProcessingSteps, ProcessingStepEvent{StepType: "dry", Processor: "p", Description: "d", Timestamp: base})
	rec.LabTests = append(rec.LabTests, LabTestEvent{TestType: "lab", Result: "ok", LabID: "l", Timestamp: base})

	entries := Aggregate(rec)
	want := []Category{CategoryHarvest, CategoryLabTest, CategoryProcessing, CategoryTransport}
	for i, cat := range want {
		if entries[i].Category != cat {
			t.Fatalf("position %d: want %s got %s", i, cat, entries[i].Category)
		}
	}
}

func TestAggregateTieBreakKeepsAppendOrderWithinCategory(t *testing.T) {
	rec := NewBatchRecord("B", HarvestEvent{Timestamp: base})
	for _, name := range []string{"first", "second", "third"} {
		rec.LabTests = append(rec.LabTests, LabTestEvent{TestType: name, Timestamp: day(1)})
	}
	entries := Aggregate(rec)
	for i, want := range []string{"first", "second", "third"} {
		if entries[i+1].Title != want {
			t.Fatalf("position %d: want %q got %q", i+1, want, entries[i+1].Title)
		}
	}
}

func TestAggregateHarvestPrecedesEarlierAppendedLabTest(t *testing.T) {
	rec := NewBatchRecord("B", HarvestEvent{Timestamp: day(2)})
	rec.LabTests = append(rec.LabTests, LabTestEvent{TestType: "same instant", Timestamp: day(2)})
	entries := Aggregate(rec)
	if entries[0].Category != CategoryHarvest || entries[1].Category != CategoryLabTest {
		t.Fatalf("harvest must precede lab test on equal timestamps, got %v", entries)
	}
}

func TestAggregateDescriptions(t *testing.T) {
	temp := 31.5
	dur := 90 * time.Minute
	vehicle := "TRK-9"
	rec := NewBatchRecord("B", HarvestEvent{Farmer: "Farm", PlantType: "Mint", QuantityKg: 12.5, Location: "Field 4", Timestamp: base})
	rec.LabTests = append(rec.LabTests, LabTestEvent{TestType: "Purity", Result: "99%", LabID: "Lab A", Timestamp: day(1)})
	rec.ProcessingSteps = append(rec.ProcessingSteps, ProcessingStepEvent{StepType: "Drying", Processor: "Mill", Description: "Air dried", Timestamp: day(2), Temperature: &temp, Duration: &dur})
	rec.TransportEvents = append(rec.TransportEvents, TransportEvent{FromLocation: "Farm", ToLocation: "Mill", TransporterID: "Carrier", VehicleID: &vehicle, Timestamp: day(3)})

	entries := Aggregate(rec)
	cases := []struct {
		idx  int
		want string
	}{
		{0, "12.5kg of Mint harvested by Farm"},
		{1, "Result: 99% (Lab A)"},
		{2, "Air dried by Mill at 31.5°C for 1h30m0s"},
		{3, "From Farm to Mill by Carrier (vehicle TRK-9)"},
	}
	for _, tc := range cases {
		if entries[tc.idx].Description != tc.want {
			t.Fatalf("entry %d: want %q got %q", tc.idx, tc.want, entries[tc.idx].Description)
		}
	}
	if entries[0].Location != "Field 4" {
		t.Fatalf("harvest entry should carry location")
	}
	if entries[3].Location != "" {
		t.Fatalf("transport entry should not carry location")
	}
}

func TestEventValidation(t *testing.T) {
	valid := sampleRecord()
	if err := valid.Harvest.Validate(); err != nil {
		t.Fatalf("valid harvest rejected: %v", err)
	}
	bad := valid.Harvest
	bad.QuantityKg = 0
	if err := bad.Validate(); err == nil || !strings.Contains(err.Error(), "positive") {
		t.Fatalf("expected quantity error, got %v", err)
	}
	if err := (LabTestEvent{Timestamp: base}).Validate(); err == nil || !strings.Contains(err.Error(), "lab_id, result, test_type") {
		t.Fatalf("expected sorted missing fields, got %v", err)
	}
	if err := (TransportEvent{FromLocation: "a", ToLocation: "b", TransporterID: "c"}).Validate(); err == nil {
		t.Fatalf("expected missing timestamp error")
	}
	neg := -time.Second
	step := ProcessingStepEvent{StepType: "s", Processor: "p", Description: "d", Timestamp: base, Duration: &neg}
	if err := step.Validate(); err == nil {
		t.Fatalf("expected negative duration error")
	}
}

func TestBatchRecordCloneIsDeep(t *testing.T) {
	temp := 20.0
	vehicle := "V1"
	rec := sampleRecord()
	rec.ProcessingSteps[0].Temperature = &temp
	rec.TransportEvents[0].VehicleID = &vehicle

	cp := rec.Clone()
	cp.LabTests[0].Result = "changed"
	*cp.ProcessingSteps[0].Temperature = 99
	*cp.TransportEvents[0].VehicleID = "V2"
	if rec.LabTests[0].Result == "changed" || *rec.ProcessingSteps[0].Temperature != 20 || *rec.TransportEvents[0].VehicleID != "V1" {
		t.Fatalf("clone shares state with original")
	}
	if rec.EventCount() != 5 {
		t.Fatalf("unexpected event count %d", rec.EventCount())
	}
	last, ok := rec.LastTransport()
	if !ok || last.ToLocation != "HerbTech Processing" {
		t.Fatalf("unexpected last transport %+v", last)
	}
}
