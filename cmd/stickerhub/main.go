// Command stickerhub runs the cross-platform sticker relay: the binding and
// relay HTTP API, the batch engine and the housekeeping loops.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/stickerhub/internal/config"
	"github.com/tbourn/stickerhub/internal/sysutil"
)

const programName = "stickerhub"

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

var globalFlags = struct {
	envFiles []string
	debug    bool
}{}

// loadConfig reads dotenv files, then the environment, and configures the
// global logger from the result.
func loadConfig() (config.Config, error) {
	if err := config.LoadDotEnv(globalFlags.envFiles...); err != nil {
		return config.Config{}, fmt.Errorf("load env files: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if globalFlags.debug {
		cfg.LogLevel = "debug"
	}
	sysutil.ConfigureLogger(cfg.LogLevel, cfg.LogPretty, os.Stdout)
	log.Info().Str("component", programName).Str("version", version).Msg("starting")
	return cfg, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:           programName,
		Short:         "Relay stickers from chat platforms to a paired target account",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serveRun,
	}
	rootCmd.PersistentFlags().StringSliceVar(&globalFlags.envFiles, "env-file", nil, "dotenv files to load before reading the environment (default .env)")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")

	rootCmd.AddCommand(
		serveCommand(),
		migrateCommand(),
		versionCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("exiting")
		os.Exit(1)
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), programName, version)
		},
	}
}
