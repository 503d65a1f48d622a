package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/reeffs/reef/internal/admin"
	"github.com/reeffs/reef/pkg/config"
)

var tokenTTL time.Duration

var tokenCmd = &cobra.Command{
	Use:   "token [subject]",
	Short: "Issue an admin API bearer token",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if cfg.Admin.JWTSecret == "" {
			return fmt.Errorf("admin.jwt_secret is not configured")
		}

		subject := "operator"
		if len(args) == 1 {
			subject = args[0]
		}
		token, err := admin.IssueToken(cfg.Admin.JWTSecret, subject, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}
