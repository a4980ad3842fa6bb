package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/punchamoorthee/shardledger/internal/api"
	"github.com/spf13/cobra"
)

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:           "token <actor>",
		Short:         "Issue an admin bearer token for actor",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			token, err := api.NewAuthenticator(cfg.AuthJWTSecret, cfg.AuthIssuer, cfg.AuthAudience).Issue(args[0], ttl)
			if err != nil {
				return err
			}
			return output(cmd, rootOpts, map[string]string{"token": token}, func(w io.Writer) {
				fmt.Fprintln(w, token)
			})
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
