// Package commands implements the reefd command tree.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Build metadata, set by main.
var (
	Version = "dev"
	Commit  = "none"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "reefd",
	Short: "reefd - user-space NFS server",
	Long: `reefd serves a POSIX directory tree over NFSv2/v3/v4, with the
MOUNT, NLM, and portmapper companion programs, over TCP and UDP.

Use "reefd [command] --help" for details on a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command; called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: $XDG_CONFIG_HOME/reef/config.yaml)")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "reefd %s (%s)\n", Version, Commit)
	},
}
