package cmd

import (
	"fmt"
	"time"

	"github.com/illmade-knight/teststation/pkg/resultstore"
	"github.com/illmade-knight/teststation/services/processing"
	"github.com/illmade-knight/teststation/services/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Classify raw measurements, record them and publish processed events",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := withTimeout(30 * time.Second)
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

		m, prom := newMetrics()
		client, err := newBrokerClient(m)
		if err != nil {
			return err
		}

		processor, err := processing.NewProcessor(processing.Config{
			PassThreshold:  cfg.Processing.PassThreshold,
			ProcessedRoute: cfg.Broker.ProcessedRoute,
		}, store, client, m, log.Logger)
		if err != nil {
			return fmt.Errorf("failed to create processor: %w", err)
		}
		service, err := processing.NewService(processing.ServiceConfig{
			NumWorkers:     cfg.Processing.NumWorkers,
			HandlerTimeout: cfg.Processing.HandlerTimeout,
		}, client.NewConsumer(cfg.Broker.RawQueue, cfg.Broker.Prefetch), processor, m, log.Logger)
		if err != nil {
			return err
		}

		log.Info().Float64("pass_threshold", cfg.Processing.PassThreshold).Str("queue", cfg.Broker.RawQueue).Msg("Processor configured.")
		srv := server.New(cfg.Processing.HTTPAddr, opsRouter(client, prom), client, []server.Service{service}, log.Logger)
		return run(srv)
	},
}

func init() {
	processCmd.Flags().Float64("pass-threshold", 80.0, "Measured value at or above which a test step passes")
	processCmd.Flags().Int("workers", 5, "Number of concurrent handlers")
	rootCmd.AddCommand(processCmd)
}
