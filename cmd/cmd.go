package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"duo-sync-backend/internal/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "config.yaml"

var configPath string

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "duo-sync",
		Short:         "Pairing, shared gallery and chat backend for two-person pairs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config.yaml")

	cmd.AddCommand(serveCmd())
	cmd.AddCommand(migrateCmd())
	cmd.AddCommand(syncCmd())
	return cmd
}

// Run executes the command line
func Run() {
	if err := rootCmd().Execute(); err != nil {
		log.Fatal().Err(err).Msg("Command failed")
	}
}

// loadConfig reads the configuration and configures the global logger
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == defaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	setupLogger(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

// setupLogger configures zerolog logger
func setupLogger(level, format string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
