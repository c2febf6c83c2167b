package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/audiokernel/cmd/config"
	"github.com/tphakala/audiokernel/cmd/run"
	"github.com/tphakala/audiokernel/internal/conf"
	"github.com/tphakala/audiokernel/internal/logger"
)

// RootCommand creates and returns the root command. settings is replaced
// with the loaded configuration before any subcommand runs.
func RootCommand(settings *conf.Settings) *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "audiokernel",
		Short:         "Reliability kernel for a dual-channel audio pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	if err := setupFlags(rootCmd, settings, &configPath); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(
		run.Command(settings),
		config.Command(settings),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return initialize(cmd, settings, configPath)
	}

	return rootCmd
}

// initialize loads configuration and sets up the global logger
func initialize(cmd *cobra.Command, settings *conf.Settings, configPath string) error {
	debug := settings.Debug
	loaded, err := conf.Load(configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("debug") {
		loaded.Debug = debug
	}
	*settings = *loaded

	if settings.Debug {
		settings.Logging.DefaultLevel = string(logger.LogLevelDebug)
		if settings.Logging.Console != nil {
			settings.Logging.Console.Level = string(logger.LogLevelDebug)
		}
	}

	l, err := logger.NewCentralLogger(&settings.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetGlobal(l)
	return nil
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, settings *conf.Settings, configPath *string) error {
	rootCmd.PersistentFlags().StringVarP(configPath, "config", "c", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&settings.Debug, "debug", "d", viper.GetBool("debug"), "Enable debug output")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}
