package cmd

import (
	"fmt"
	"time"

	"github.com/illmade-knight/teststation/pkg/resultstore"
	"github.com/illmade-knight/teststation/services/api"
	"github.com/illmade-knight/teststation/services/broadcast"
	"github.com/illmade-knight/teststation/services/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the query API and the live websocket feed",
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

		registry := broadcast.NewRegistry(m)
		defer registry.CloseAll()
		broadcaster, err := broadcast.NewBroadcaster(registry, cfg.Broadcast.SendTimeout, m, log.Logger)
		if err != nil {
			return err
		}
		service, err := broadcast.NewService(cfg.Broadcast.NumWorkers,
			client.NewConsumer(cfg.Broker.ProcessedQueue, cfg.Broker.Prefetch), broadcaster, m, log.Logger)
		if err != nil {
			return err
		}

		live := broadcast.NewWebSocketHandler(registry, cfg.Broadcast.PingInterval, log.Logger)
		apiServer, err := api.NewServer(store, live, prom, log.Logger)
		if err != nil {
			return fmt.Errorf("failed to create API server: %w", err)
		}

		srv := server.New(cfg.API.HTTPAddr, apiServer.Routes(), client, []server.Service{service}, log.Logger)
		return run(srv)
	},
}

func init() {
	serveCmd.Flags().String("api-addr", ":8001", "HTTP listen address for the query API and /ws/live")
	rootCmd.AddCommand(serveCmd)
}
