// Package cli wires the command surface: run launches the ingestion
// pipeline, stats reports over persisted ticks, migrate prepares the
// schema.
package cli

import (
	"github.com/spf13/cobra"

	"tickstream/internal/config"
	"tickstream/internal/logger"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tickstream",
	Short: "Market-data ingestion pipeline",
	Long: `tickstream subscribes to live exchange websocket feeds, decodes
ticker and trade messages, and persists them in PostgreSQL in ordered,
idempotent batches. Analysis commands compute spread and slippage over
the stored ticks.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the root command. A non-nil error means a fatal exit.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./tickstream.toml)")
}

// loadConfig reads and validates configuration, then initializes logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.LogLevel)
	return cfg, nil
}
