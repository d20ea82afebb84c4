package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"herbtrace/internal/core"
	"herbtrace/pkg/domain"
)

func newSeedCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Register the sample batch " + string(core.DemoBatchID),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStack(cmd.Context(), func(svc *core.Service) error {
				if err := seedDemo(cmd.Context(), svc); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "seeded %s\n", core.DemoBatchID)
				return nil
			})
		},
	}
}

// seedDemo registers the sample batch unless it already exists.
func seedDemo(ctx context.Context, svc *core.Service) error {
	err := core.SeedDemo(ctx, svc)
	if errors.Is(err, domain.ErrDuplicateBatch) {
		return nil
	}
	return err
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered batch identifiers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStack(cmd.Context(), func(svc *core.Service) error {
				ids, err := svc.ListBatches(cmd.Context())
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			})
		},
	}
}

// eventFlags holds flags shared by every event-producing command.
type eventFlags struct {
	at    string
	actor string
}

func (f *eventFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.at, "at", "", "event time (RFC 3339); defaults to now")
	cmd.Flags().StringVar(&f.actor, "actor", "", "identity recorded on the event")
}

func (f *eventFlags) timestamp(svc *core.Service) (time.Time, error) {
	if f.at == "" {
		return svc.Now(), nil
	}
	ts, err := time.Parse(time.RFC3339, f.at)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: --at: %v", domain.ErrInvalidEvent, err)
	}
	return ts.UTC(), nil
}

func (f *eventFlags) context(ctx context.Context) context.Context {
	if f.actor == "" {
		return ctx
	}
	return core.WithActor(ctx, f.actor)
}

func newRegisterCmd(a *app) *cobra.Command {
	var (
		ev      eventFlags
		harvest domain.HarvestEvent
	)
	cmd := &cobra.Command{
		Use:   "register <batch-id>",
		Short: "Register a batch with its harvest event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := domain.BatchID(args[0])
			return a.withStack(cmd.Context(), func(svc *core.Service) error {
				ts, err := ev.timestamp(svc)
				if err != nil {
					return noticeError{core.NoticeFor(id, err)}
				}
				harvest.Timestamp = ts
				stored, res, err := svc.RegisterBatch(ev.context(cmd.Context()), id, harvest)
				if err != nil {
					return mutationError(id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "registered %s (event %s)\n", id, stored.ID)
				printWarnings(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
	ev.register(cmd)
	cmd.Flags().StringVar(&harvest.Farmer, "farmer", "", "farmer or cooperative name")
	cmd.Flags().StringVar(&harvest.PlantType, "plant", "", "plant species")
	cmd.Flags().Float64Var(&harvest.QuantityKg, "quantity", 0, "harvested quantity in kg")
	cmd.Flags().StringVar(&harvest.Location, "location", "", "harvest location")
	return cmd
}

func newAppendCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "append",
		Short: "Append a provenance event to a registered batch",
	}
	cmd.AddCommand(newAppendLabTestCmd(a), newAppendProcessingCmd(a), newAppendTransportCmd(a))
	return cmd
}

func newAppendLabTestCmd(a *app) *cobra.Command {
	var (
		ev   eventFlags
		test domain.LabTestEvent
	)
	cmd := &cobra.Command{
		Use:   "lab-test <batch-id>",
		Short: "Record a laboratory test result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := domain.BatchID(args[0])
			return a.withStack(cmd.Context(), func(svc *core.Service) error {
				ts, err := ev.timestamp(svc)
				if err != nil {
					return noticeError{core.NoticeFor(id, err)}
				}
				test.Timestamp = ts
				stored, res, err := svc.AppendLabTest(ev.context(cmd.Context()), id, test)
				if err != nil {
					return mutationError(id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "recorded lab test %s on %s\n", stored.ID, id)
				printWarnings(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
	ev.register(cmd)
	cmd.Flags().StringVar(&test.TestType, "type", "", "test type, e.g. Purity Analysis")
	cmd.Flags().StringVar(&test.Result, "result", "", "test result")
	cmd.Flags().StringVar(&test.LabID, "lab", "", "laboratory identifier")
	return cmd
}

func newAppendProcessingCmd(a *app) *cobra.Command {
	var (
		ev          eventFlags
		step        domain.ProcessingStepEvent
		temperature float64
		duration    time.Duration
	)
	cmd := &cobra.Command{
		Use:     "processing <batch-id>",
		Aliases: []string{"processing-step"},
		Short:   "Record a processing step",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := domain.BatchID(args[0])
			return a.withStack(cmd.Context(), func(svc *core.Service) error {
				ts, err := ev.timestamp(svc)
				if err != nil {
					return noticeError{core.NoticeFor(id, err)}
				}
				step.Timestamp = ts
				if cmd.Flags().Changed("temperature") {
					step.Temperature = &temperature
				}
				if cmd.Flags().Changed("duration") {
					step.Duration = &duration
				}
				stored, res, err := svc.AppendProcessingStep(ev.context(cmd.Context()), id, step)
				if err != nil {
					return mutationError(id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "recorded processing step %s on %s\n", stored.ID, id)
				printWarnings(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
	ev.register(cmd)
	cmd.Flags().StringVar(&step.StepType, "type", "", "step type, e.g. Extraction")
	cmd.Flags().StringVar(&step.Processor, "processor", "", "processing facility")
	cmd.Flags().StringVar(&step.Description, "description", "", "what was done")
	cmd.Flags().Float64Var(&temperature, "temperature", 0, "process temperature in °C")
	cmd.Flags().DurationVar(&duration, "duration", 0, "process duration, e.g. 4h")
	return cmd
}

func newAppendTransportCmd(a *app) *cobra.Command {
	var (
		ev      eventFlags
		move    domain.TransportEvent
		vehicle string
	)
	cmd := &cobra.Command{
		Use:     "transport <batch-id>",
		Aliases: []string{"transport-event"},
		Short:   "Record a custody transfer",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := domain.BatchID(args[0])
			return a.withStack(cmd.Context(), func(svc *core.Service) error {
				ts, err := ev.timestamp(svc)
				if err != nil {
					return noticeError{core.NoticeFor(id, err)}
				}
				move.Timestamp = ts
				if vehicle != "" {
					move.VehicleID = &vehicle
				}
				stored, res, err := svc.AppendTransportEvent(ev.context(cmd.Context()), id, move)
				if err != nil {
					return mutationError(id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "recorded transport %s on %s\n", stored.ID, id)
				printWarnings(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
	ev.register(cmd)
	cmd.Flags().StringVar(&move.FromLocation, "from", "", "origin location")
	cmd.Flags().StringVar(&move.ToLocation, "to", "", "destination location")
	cmd.Flags().StringVar(&move.TransporterID, "transporter", "", "transporter identifier")
	cmd.Flags().StringVar(&vehicle, "vehicle", "", "vehicle identifier")
	return cmd
}

// mutationError turns taxonomy errors into user notices and passes faults
// through unchanged.
func mutationError(id domain.BatchID, err error) error {
	if domain.IsExpected(err) {
		return noticeError{core.NoticeFor(id, err)}
	}
	return err
}

func printWarnings(w io.Writer, res domain.Result) {
	for _, v := range res.Violations {
		fmt.Fprintln(w, warnStyle.Render(fmt.Sprintf("warning [%s]: %s", v.Rule, v.Message)))
	}
}
