// Package cmd builds the collab command tree.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/opticut/collab/cmd/serve"
	"github.com/opticut/collab/internal/conf"
)

// RootCommand creates and returns the root command.
func RootCommand(settings *conf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "collab",
		Short: "Collaboration service for document locking and presence",
	}

	if err := setupFlags(rootCmd, settings); err != nil {
		cobra.CheckErr(err)
	}

	rootCmd.AddCommand(serve.Command(settings))

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// Flags take precedence over the config file, sync them back into
		// the settings struct before any subcommand runs.
		if err := viper.Unmarshal(settings); err != nil {
			return fmt.Errorf("syncing flags into settings: %w", err)
		}
		return conf.Validate(settings)
	}

	return rootCmd
}

func setupFlags(cmd *cobra.Command, settings *conf.Settings) error {
	cmd.PersistentFlags().BoolVarP(&settings.Debug, "debug", "d", viper.GetBool("debug"), "Enable debug output")
	cmd.PersistentFlags().StringVar(&settings.Main.Name, "name", viper.GetString("main.name"), "Name of this node, used in logs and as MQTT client id")

	if err := viper.BindPFlags(cmd.PersistentFlags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}
