package cmd

import (
	"fmt"
	"time"

	"github.com/illmade-knight/teststation/pkg/resultstore"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the test_results table and its indexes if they do not exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := withTimeout(time.Minute)
		defer cancel()

		db, err := resultstore.Open(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to open result store: %w", err)
		}
		defer db.Close()

		store, err := resultstore.NewMySQLStore(db, log.Logger)
		if err != nil {
			return err
		}
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		log.Info().Msg("Result store schema is up to date.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
