package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/punchamoorthee/shardledger/internal/domain"
	"github.com/spf13/cobra"
)

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "stats",
		Short:         "Print balances, transfer counts and backlogs",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return output(cmd, rootOpts, st, func(w io.Writer) {
				fmt.Fprintf(w, "accounts:       %d\n", st.Accounts)
				fmt.Fprintf(w, "total balance:  %d\n", st.TotalBalance)
				fmt.Fprintf(w, "outbox backlog: %d\n", st.OutboxBacklog)
				for _, s := range st.Shards {
					fmt.Fprintf(w, "shard %d: %d accounts, balance %d, backlog %d\n", s.Shard, s.Accounts, s.TotalBalance, s.OutboxBacklog)
				}
				statuses := make([]string, 0, len(st.Transfers))
				for s := range st.Transfers {
					statuses = append(statuses, string(s))
				}
				sort.Strings(statuses)
				for _, s := range statuses {
					fmt.Fprintf(w, "transfers %-10s %d\n", s, st.Transfers[domain.TransferStatus(s)])
				}
				if f := st.Fraud; f != nil {
					fmt.Fprintf(w, "pending reviews: %d\n", f.PendingReviews)
					fmt.Fprintf(w, "frozen accounts: %d\n", f.FrozenAccounts)
					fmt.Fprintf(w, "unacked critical alerts: %d\n", f.UnackedAlerts[domain.SeverityCritical])
				}
			})
		},
	}
}
