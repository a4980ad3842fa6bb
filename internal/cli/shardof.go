package cli

import (
	"fmt"
	"io"

	"github.com/punchamoorthee/shardledger/internal/shard"
	"github.com/spf13/cobra"
)

type placement struct {
	OwnerID string `json:"owner_id"`
	Shard   int    `json:"shard"`
}

type shardOfResult struct {
	ShardCount   int         `json:"shard_count"`
	Owners       []placement `json:"owners"`
	Distribution []int       `json:"distribution"`
}

// NewShardOfCommand creates the shard-of command.
func NewShardOfCommand(rootOpts *RootOptions) *cobra.Command {
	var shards int

	cmd := &cobra.Command{
		Use:           "shard-of <owner-id>...",
		Short:         "Print the shard each owner routes to",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if shards <= 0 {
				cfg, err := loadConfig(rootOpts)
				if err != nil {
					return fmt.Errorf("pass --shards or configure SHARD_DSNS: %w", err)
				}
				shards = cfg.ShardCount()
			}
			router, err := shard.NewRouter(shards)
			if err != nil {
				return err
			}

			res := shardOfResult{ShardCount: shards, Distribution: router.Distribution(args)}
			for _, id := range args {
				res.Owners = append(res.Owners, placement{OwnerID: id, Shard: router.ShardOf(id)})
			}
			return output(cmd, rootOpts, res, func(w io.Writer) {
				for _, p := range res.Owners {
					fmt.Fprintf(w, "%s\t%d\n", p.OwnerID, p.Shard)
				}
			})
		},
	}

	cmd.Flags().IntVarP(&shards, "shards", "n", 0, "shard count (defaults to the configured SHARD_DSNS)")
	return cmd
}
