package commands

import (
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/reeffs/reef/pkg/config"
)

var exportsCmd = &cobra.Command{
	Use:   "exports",
	Short: "List the configured exports",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		table := tablewriter.NewWriter(cmd.OutOrStdout())
		table.SetHeader([]string{"NAME", "PATH", "READ-ONLY", "CLIENTS"})
		table.SetBorder(false)
		table.SetHeaderLine(false)
		table.SetColumnSeparator("")
		table.SetAutoWrapText(false)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)

		for _, e := range cfg.Exports {
			clients := e.ClientPattern
			if clients == "" {
				clients = "*"
			}
			table.Append([]string{e.Name, e.Path, strconv.FormatBool(e.ReadOnly), clients})
		}
		table.Render()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportsCmd)
}
