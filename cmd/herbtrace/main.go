// Command herbtrace registers herb batches, records their provenance events
// and looks them up by identifier or QR code.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"herbtrace/internal/config"
)

var (
	version = "0.1.0"
	commit  = "dev"

	exitFunc = os.Exit
)

func main() {
	exitFunc(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		var notice noticeError
		if errors.As(err, &notice) {
			fmt.Fprintln(stderr, renderNotice(notice.Notice))
			return 2
		}
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}

// app carries state shared by every subcommand. It is populated by the root
// command's PersistentPreRunE.
type app struct {
	configPath string
	cfg        config.Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "herbtrace",
		Short: "HerbTrace - herb batch provenance",
		Long: `HerbTrace records the harvest, lab test, processing and transport history of
herb batches and presents it as a single chronological timeline.

Configuration is read from an optional YAML file (--config) and HERBTRACE_*
environment variables.`,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = cfg.Log.NewLogger(cmd.ErrOrStderr())
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "path to a YAML configuration file")

	root.AddCommand(
		newServeCmd(a),
		newSeedCmd(a),
		newListCmd(a),
		newRegisterCmd(a),
		newAppendCmd(a),
		newLookupCmd(a),
		newQRCmd(a),
		newScanCmd(a),
	)
	return root
}
