package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tickstream/internal/logger"
	"tickstream/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the tick store schema",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	store, err := storage.Open(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return err
	}

	log := logger.WithComponent("migrate")
	log.Info().Msg("schema up to date")
	return nil
}
