package core

import (
	"context"
	"fmt"
	"time"
)

// DemoBatchID identifies the sample batch registered by SeedDemo.
const DemoBatchID BatchID = "BATCH_001"

// SeedDemo registers the sample Echinacea batch with its lab tests,
// processing steps and transport legs, dated relative to the service clock.
func SeedDemo(ctx context.Context, svc *Service) error {
	now := svc.clock.Now().UTC()
	daysAgo := func(n int) time.Time { return now.AddDate(0, 0, -n) }

	if _, _, err := svc.RegisterBatch(ctx, DemoBatchID, HarvestEvent{
		Farmer:     "Green Valley Farms",
		PlantType:  "Echinacea Purpurea",
		QuantityKg: 500,
		Location:   "Oregon, USA (45.5152°N, 122.6784°W)",
		Timestamp:  daysAgo(30),
	}); err != nil {
		return fmt.Errorf("seed harvest: %w", err)
	}
	for _, lab := range []LabTestEvent{
		{TestType: "Purity Analysis", Result: "99.2% Pure", LabID: "BioLab Sciences", Timestamp: daysAgo(25)},
		{TestType: "Heavy Metals", Result: "Below Detection Limits", LabID: "SafeTest Labs", Timestamp: daysAgo(23)},
	} {
		if _, _, err := svc.AppendLabTest(ctx, DemoBatchID, lab); err != nil {
			return fmt.Errorf("seed lab test: %w", err)
		}
	}
	for _, step := range []ProcessingStepEvent{
		{StepType: "Extraction", Processor: "HerbTech Processing", Description: "CO2 supercritical extraction at 31°C", Timestamp: daysAgo(20)},
		{StepType: "Standardization", Processor: "Quality Herb Co.", Description: "Standardized to 4% Echinacoside content", Timestamp: daysAgo(18)},
	} {
		if _, _, err := svc.AppendProcessingStep(ctx, DemoBatchID, step); err != nil {
			return fmt.Errorf("seed processing step: %w", err)
		}
	}
	for _, move := range []TransportEvent{
		{FromLocation: "Green Valley Farms", ToLocation: "HerbTech Processing", TransporterID: "NaturalTrans Inc.", Timestamp: daysAgo(22)},
		{FromLocation: "HerbTech Processing", ToLocation: "Distribution Center", TransporterID: "EcoLogistics", Timestamp: daysAgo(15)},
	} {
		if _, _, err := svc.AppendTransportEvent(ctx, DemoBatchID, move); err != nil {
			return fmt.Errorf("seed transport: %w", err)
		}
	}
	return nil
}
