package config

import (
	"github.com/spf13/cobra"

	"github.com/tphakala/audiokernel/internal/conf"
)

// Command prints the effective configuration
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  "Prints defaults merged with the configuration file and environment overrides as YAML.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := settings.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
