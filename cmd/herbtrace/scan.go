package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"herbtrace/internal/core"
	"herbtrace/internal/scan"
	"herbtrace/pkg/domain"
)

func newScanCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "scan <frames-dir>",
		Short: "Scan a batch QR code from captured frames and show its timeline",
		Long: `Replays the PNG/JPEG frames in a directory, in file name order, as a camera
feed until one of them holds a HerbTrace QR code, then looks the batch up.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			spinner := progressbar.NewOptions(-1,
				progressbar.OptionSetWriter(cmd.ErrOrStderr()),
				progressbar.OptionSpinnerType(14),
				progressbar.OptionSetDescription("scanning"),
				progressbar.OptionClearOnFinish(),
			)
			id, err := scan.Scan(ctx, scan.DirectoryDevice{Dir: args[0]}, scan.NewQRDecoder(),
				scan.WithAccessTimeout(a.cfg.Scan.AccessTimeout),
				scan.WithDecodeTimeout(a.cfg.Scan.DecodeTimeout),
				scan.WithFrameInterval(a.cfg.Scan.FrameInterval),
				scan.WithLogger(a.logger),
				scan.WithObserver(func(t scan.Transition) {
					spinner.Describe(string(t.To))
					_ = spinner.Add(1)
				}),
			)
			_ = spinner.Finish()
			if err != nil {
				return scanError(err)
			}
			fmt.Fprintln(cmd.ErrOrStderr(), mutedStyle.Render("scanned "+string(id)))

			return a.withStack(cmd.Context(), func(svc *core.Service) error {
				ctrl := core.NewLookupController(svc, core.WithLookupLogger(a.logger))
				snap, err := ctrl.Search(cmd.Context(), string(id))
				if err != nil {
					return err
				}
				return writeSnapshot(cmd.OutOrStdout(), snap, output)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text or json")
	return cmd
}

func scanError(err error) error {
	switch {
	case errors.Is(err, domain.ErrCameraAccessDenied), errors.Is(err, domain.ErrInvalidPayloadFormat):
		return noticeError{core.NoticeFor("", err)}
	case errors.Is(err, scan.ErrStreamEnded):
		return noticeError{core.Notice{Title: "No QR Code Found", Description: "None of the frames held a readable QR code."}}
	default:
		return fmt.Errorf("scan: %w", err)
	}
}
