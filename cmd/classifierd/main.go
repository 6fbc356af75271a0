package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-care-classifier/internal/config"
)

const defaultConfigPath = "config/classifier.yaml"

var version = "dev"

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:           "classifierd",
	Short:         "Plant image classifier backed by supervised inference workers",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogger(debug)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "Path to configuration file (empty: environment only)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd, predictCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("classifierd failed", "error", err)
		os.Exit(1)
	}
}

func setupLogger(debug bool) {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == defaultConfigPath {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			slog.Debug("default config file not found, using environment only", "config", path)
			path = ""
		}
	}
	return config.Load(path)
}
