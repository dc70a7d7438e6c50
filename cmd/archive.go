package cmd

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
	"github.com/illmade-knight/teststation/pkg/bqstore"
	"github.com/illmade-knight/teststation/pkg/broker"
	"github.com/illmade-knight/teststation/pkg/icestore"
	"github.com/illmade-knight/teststation/pkg/metrics"
	"github.com/illmade-knight/teststation/pkg/types"
	"github.com/illmade-knight/teststation/services/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"google.golang.org/api/option"
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Batch raw measurements to GCS and processed events to BigQuery",
	Long: `archive consumes the archive queues that are enabled in the configuration:

  archive.gcs.enabled       raw measurements as gzipped JSON lines per machine and day
  archive.bigquery.enabled  processed events streamed into a BigQuery table`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.Archive.GCS.Enabled && !cfg.Archive.BigQuery.Enabled {
			return errors.New("no archive enabled: set archive.gcs.enabled or archive.bigquery.enabled")
		}
		ctx := context.Background()

		m, prom := newMetrics()
		client, err := newBrokerClient(m)
		if err != nil {
			return err
		}

		var services []server.Service
		if cfg.Archive.GCS.Enabled {
			gcsClient, svc, err := newGCSArchive(ctx, client, m)
			if err != nil {
				return err
			}
			defer gcsClient.Close()
			services = append(services, svc)
		}
		if cfg.Archive.BigQuery.Enabled {
			bqCfg := cfg.Archive.BigQuery
			bqClient, err := bqstore.NewProductionBigQueryClient(ctx, &bqCfg.Table, log.Logger)
			if err != nil {
				return fmt.Errorf("failed to create BigQuery client: %w", err)
			}
			defer bqClient.Close()

			inserter, err := bqstore.NewBigQueryInserter[types.ProcessedEvent](ctx, bqClient, &bqCfg.Table, log.Logger)
			if err != nil {
				return fmt.Errorf("failed to create BigQuery inserter: %w", err)
			}
			batcher := bqstore.NewBatchInserter[types.ProcessedEvent](bqstore.BatchInserterConfig{
				BatchSize:    bqCfg.BatchSize,
				FlushTimeout: bqCfg.FlushTimeout,
			}, inserter, m, log.Logger)
			svc, err := bqstore.NewBigQueryService[types.ProcessedEvent](bqCfg.NumWorkers,
				client.NewConsumer(bqCfg.Queue, cfg.ArchivePrefetch(bqCfg.BatchSize)), batcher, types.DecodeProcessedEvent, m, log.Logger)
			if err != nil {
				return err
			}
			services = append(services, svc)
		}

		srv := server.New(cfg.Archive.HTTPAddr, opsRouter(client, prom), client, services, log.Logger)
		return run(srv)
	},
}

func newGCSArchive(ctx context.Context, client *broker.Client, m *metrics.Metrics) (*storage.Client, server.Service, error) {
	gcsCfg := cfg.Archive.GCS
	var opts []option.ClientOption
	if gcsCfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(gcsCfg.CredentialsFile))
	}
	gcsClient, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	uploader, err := icestore.NewGCSBatchUploader[icestore.ArchivedMeasurement](icestore.NewGCSClientAdapter(gcsClient), gcsCfg.Upload, log.Logger)
	if err != nil {
		_ = gcsClient.Close()
		return nil, nil, err
	}
	batcher := icestore.NewBatcher[icestore.ArchivedMeasurement](icestore.BatcherConfig{
		BatchSize:    gcsCfg.BatchSize,
		FlushTimeout: gcsCfg.FlushTimeout,
	}, uploader, m, log.Logger)
	svc, err := icestore.NewIceStorageService[icestore.ArchivedMeasurement](gcsCfg.NumWorkers,
		client.NewConsumer(gcsCfg.Queue, cfg.ArchivePrefetch(gcsCfg.BatchSize)), batcher, icestore.DecodeArchivedMeasurement, m, log.Logger)
	if err != nil {
		_ = gcsClient.Close()
		return nil, nil, err
	}
	return gcsClient, svc, nil
}

func init() {
	rootCmd.AddCommand(archiveCmd)
}
