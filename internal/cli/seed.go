package cli

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/punchamoorthee/shardledger/internal/domain"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// SeedOptions configures the seed command.
type SeedOptions struct {
	Accounts int
	Balance  int64
	Currency string
	Prefix   string
	Workers  int
}

type seedResult struct {
	Created  int64 `json:"created"`
	Existing int64 `json:"existing"`
	PerShard []int `json:"per_shard"`
}

// OwnerID returns the i-th seeded owner id.
func (o SeedOptions) OwnerID(i int) string {
	return fmt.Sprintf("%s%04d", o.Prefix, i)
}

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	opts := SeedOptions{}

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create benchmark accounts on their owning shards",
		Long: `Create --accounts owners named <prefix>0000, <prefix>0001, ... each with
--balance minor units. Owners that already exist are left untouched, so the
command can be re-run safely.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Accounts <= 0 || opts.Balance < 0 || opts.Workers <= 0 {
				return fmt.Errorf("accounts and workers must be positive, balance non-negative")
			}
			a, err := openApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			var created, existing atomic.Int64
			owners := make([]string, opts.Accounts)
			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(opts.Workers)
			for i := range owners {
				owners[i] = opts.OwnerID(i)
				g.Go(func() error {
					s := a.Shards[a.Router.ShardOf(owners[i])]
					_, err := s.CreateAccount(ctx, owners[i], opts.Balance, opts.Currency)
					switch {
					case errors.Is(err, domain.ErrAccountExists):
						existing.Add(1)
					case err != nil:
						return fmt.Errorf("seed %s: %w", owners[i], err)
					default:
						created.Add(1)
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			res := seedResult{Created: created.Load(), Existing: existing.Load(), PerShard: a.Router.Distribution(owners)}
			return output(cmd, rootOpts, res, func(w io.Writer) {
				fmt.Fprintf(w, "created %d accounts, %d already existed\n", res.Created, res.Existing)
				for i, n := range res.PerShard {
					fmt.Fprintf(w, "shard %d: %d\n", i, n)
				}
			})
		},
	}

	cmd.Flags().IntVar(&opts.Accounts, "accounts", 1000, "number of accounts")
	cmd.Flags().Int64Var(&opts.Balance, "balance", 10000, "initial balance in minor units")
	cmd.Flags().StringVar(&opts.Currency, "currency", "USD", "account currency")
	cmd.Flags().StringVar(&opts.Prefix, "prefix", "user_", "owner id prefix")
	cmd.Flags().IntVar(&opts.Workers, "workers", 8, "concurrent inserts")
	return cmd
}
