package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"
	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/reeffs/reef/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and scaffold configuration",
}

var schemaOut string

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Emit the JSON schema of the configuration file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reflector := jsonschema.Reflector{DoNotReference: true}
		schema := reflector.Reflect(&config.Config{})
		schema.Title = "reefd configuration"

		data, err := json.MarshalIndent(schema, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal schema: %w", err)
		}
		if schemaOut != "" {
			return os.WriteFile(schemaOut, data, 0o644)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path := cfgFile
		if path == "" {
			path = config.DefaultConfigPath()
		}

		if _, err := os.Stat(path); err == nil && !initForce {
			prompt := promptui.Prompt{
				Label:     fmt.Sprintf("%s exists, overwrite", path),
				IsConfirm: true,
			}
			if _, err := prompt.Run(); err != nil {
				if errors.Is(err, promptui.ErrAbort) || errors.Is(err, promptui.ErrInterrupt) {
					fmt.Fprintln(cmd.OutOrStdout(), "aborted")
					return nil
				}
				return err
			}
		}

		if err := config.Save(config.Default(), path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "config written to %s\n", path)
		return nil
	},
}

func init() {
	schemaCmd.Flags().StringVarP(&schemaOut, "output", "o", "", "write schema to file instead of stdout")
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing file without asking")
	configCmd.AddCommand(schemaCmd)
	configCmd.AddCommand(initCmd)
	rootCmd.AddCommand(configCmd)
}
