package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/punchamoorthee/shardledger/internal/service"
	"github.com/spf13/cobra"
)

type recoverResult struct {
	Transfers service.RecoveryReport `json:"transfers"`
	Reversals int                    `json:"reversals_finished"`
}

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "recover",
		Short:         "Run one recovery sweep over stale transfers and reversals",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			var res recoverResult
			report, recErr := a.Coordinator.Recover(cmd.Context())
			res.Transfers = report
			finished, resumeErr := a.Engine().Resume(cmd.Context())
			res.Reversals = finished

			if err := output(cmd, rootOpts, res, func(w io.Writer) {
				fmt.Fprintf(w, "transfers scanned %d, completed %d, failed %d, skipped %d\n",
					report.Scanned, report.Completed, report.Failed, report.Skipped)
				fmt.Fprintf(w, "reversals finished %d\n", finished)
			}); err != nil {
				return err
			}
			return errors.Join(recErr, resumeErr)
		},
	}
}
