package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ent0n29/companion/internal/logging"
	"github.com/ent0n29/companion/internal/memory"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the storage schema for the configured store driver",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cfg, flushLog, err := loadConfig(cmd.Context())
		defer flushLog()
		if err != nil {
			return err
		}
		if cfg.StoreDriver == "memory" {
			return fmt.Errorf("STORE_DRIVER=memory has no schema to migrate")
		}

		// Opening a persistent store applies its schema.
		store, err := memory.NewStore(ctx, memory.Options{
			Driver:      cfg.StoreDriver,
			DatabaseURL: cfg.DatabaseURL,
			SQLitePath:  cfg.SQLitePath,
		})
		if err != nil {
			return fmt.Errorf("migrate %s: %w", cfg.StoreDriver, err)
		}
		if err := store.Close(); err != nil {
			return err
		}
		logging.FromCtx(ctx).Info().Str("driver", cfg.StoreDriver).Msg("schema is up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
