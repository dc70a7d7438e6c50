// Package cmd implements the teststation command-line interface.
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/illmade-knight/teststation/pkg/broker"
	"github.com/illmade-knight/teststation/pkg/metrics"
	"github.com/illmade-knight/teststation/services/config"
	"github.com/illmade-knight/teststation/services/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// cfgFile is the optional YAML configuration file.
	cfgFile string
	// logLevel controls the verbosity of every command.
	logLevel string

	// cfg is resolved in PersistentPreRunE and read by every subcommand.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "teststation",
	Short: "Ingest, classify and broadcast manufacturing test-station measurements.",
	Long: `teststation runs the stages of the test-station measurement pipeline:

  ingest   accept measurements over HTTP and MQTT and publish them to the raw stream
  process  classify raw measurements, record them in MySQL and publish processed events
  serve    query API and live websocket feed of processed events
  archive  batch raw measurements to GCS and processed events to BigQuery
  migrate  create the test_results table`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

		loaded, err := config.Load(cfgFile, cmd.Flags())
		if err != nil {
			return err
		}
		cfg = loaded

		level, err := zerolog.ParseLevel(cfg.LogLevel)
		if err != nil {
			log.Warn().Str("provided_level", cfg.LogLevel).Msg("Invalid log level provided. Defaulting to 'info'.")
			level = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(level)
		log.Debug().Msg("Logger initialized.")
		return nil
	},
}

// Execute runs the root command. It is called once by main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to a YAML configuration file (default ./teststation.yaml when present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Logging level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("broker-kind", config.BrokerAMQP, "Broker backend: amqp or pubsub")
	rootCmd.PersistentFlags().String("broker-url", "", "AMQP broker URL")
	rootCmd.PersistentFlags().String("project-id", "", "GCP project for the pubsub broker")
	rootCmd.PersistentFlags().String("database-dsn", "", "MySQL DSN for the result store")
}

// newMetrics creates the process-wide Prometheus registry and its scrape handler.
func newMetrics() (*metrics.Metrics, http.Handler) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.New(reg), promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// newBrokerClient builds the supervised client for the configured backend and
// reports its state transitions to m.
func newBrokerClient(m *metrics.Metrics) (*broker.Client, error) {
	dialer, err := cfg.Dialer(log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create broker dialer: %w", err)
	}
	client, err := broker.NewClient(dialer, cfg.Topology(), broker.ClientConfig{ReconnectDelay: cfg.Broker.ReconnectDelay}, log.Logger,
		broker.WithStateObserver(func(s broker.State) { m.BrokerState(s.String()) }))
	if err != nil {
		return nil, fmt.Errorf("failed to create broker client: %w", err)
	}
	return client, nil
}

// opsRouter serves liveness, broker readiness and Prometheus metrics for
// commands without an API of their own.
func opsRouter(client *broker.Client, prom http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/ready", func(w http.ResponseWriter, _ *http.Request) {
		if client.State() != broker.StateConnected {
			http.Error(w, client.State().String(), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(client.State().String()))
	})
	r.Handle("/prometheus", prom)
	return r
}

// run starts srv and blocks until SIGINT/SIGTERM or a start failure.
func run(srv *server.Server) error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-stop:
		log.Warn().Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			srv.Shutdown()
			return err
		}
		// Start returns nil without an HTTP server; wait for the signal.
		<-stop
		log.Warn().Msg("Shutdown signal received")
	}
	srv.Shutdown()
	log.Info().Msg("Server shut down gracefully.")
	return nil
}

func withTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}
