package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// ErrUnbalanced is returned when reconciliation finds a violation.
var ErrUnbalanced = errors.New("ledger is not balanced")

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Check that every terminal transfer nets to zero",
		Long: `Sum the ledger entries of every transfer across all shards and report
terminal transfers whose legs do not net to zero, and negative balances.
Exits non-zero when anything is found.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.Coordinator.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			err = output(cmd, rootOpts, report, func(w io.Writer) {
				fmt.Fprintf(w, "transfers: %d (pending %d)\n", report.Transfers, report.Pending)
				for _, im := range report.Imbalances {
					fmt.Fprintf(w, "IMBALANCE %s %s sum=%d\n", im.TransferID, im.Status, im.Sum)
				}
				for _, acc := range report.NegativeBalances {
					fmt.Fprintf(w, "NEGATIVE %s balance=%d\n", acc.OwnerID, acc.Balance)
				}
				if report.OK() {
					fmt.Fprintln(w, "OK")
				}
			})
			if err != nil {
				return err
			}
			if !report.OK() {
				return ErrUnbalanced
			}
			return nil
		},
	}
}
