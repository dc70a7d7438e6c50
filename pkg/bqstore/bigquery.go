// Package bqstore archives processed events to BigQuery in batches.
package bqstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// BigQueryInserterConfig identifies the target table.
type BigQueryInserterConfig struct {
	ProjectID       string `mapstructure:"project_id" yaml:"project_id"`
	DatasetID       string `mapstructure:"dataset_id" yaml:"dataset_id"`
	TableID         string `mapstructure:"table_id" yaml:"table_id"`
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file"`
	// PartitionField is the TIMESTAMP column used for day partitioning when the
	// table has to be created. Empty disables partitioning.
	PartitionField string `mapstructure:"partition_field" yaml:"partition_field"`
}

// NewProductionBigQueryClient creates a client using a credentials file when one
// is configured and Application Default Credentials otherwise.
func NewProductionBigQueryClient(ctx context.Context, cfg *BigQueryInserterConfig, logger zerolog.Logger) (*bigquery.Client, error) {
	if cfg == nil {
		return nil, errors.New("bqstore: config is required")
	}
	if cfg.ProjectID == "" {
		return nil, errors.New("bqstore: project ID is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		logger.Info().Str("credentials_file", cfg.CredentialsFile).Msg("Using credentials file for BigQuery client.")
	}

	client, err := bigquery.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery.NewClient: %w", err)
	}
	return client, nil
}

// BigQueryInserter streams rows of T into one table.
type BigQueryInserter[T any] struct {
	table    *bigquery.Table
	inserter *bigquery.Inserter
	logger   zerolog.Logger
}

// NewBigQueryInserter checks the table exists and creates it from T's inferred
// schema when it does not.
func NewBigQueryInserter[T any](
	ctx context.Context,
	client *bigquery.Client,
	cfg *BigQueryInserterConfig,
	logger zerolog.Logger,
) (*BigQueryInserter[T], error) {
	if client == nil {
		return nil, errors.New("bqstore: bigquery client is required")
	}
	if cfg == nil || cfg.DatasetID == "" || cfg.TableID == "" {
		return nil, errors.New("bqstore: dataset and table IDs are required")
	}
	logger = logger.With().Str("component", "BigQueryInserter").
		Str("dataset_id", cfg.DatasetID).Str("table_id", cfg.TableID).Logger()

	table := client.Dataset(cfg.DatasetID).Table(cfg.TableID)
	if _, err := table.Metadata(ctx); err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("failed to get metadata for %s.%s: %w", cfg.DatasetID, cfg.TableID, err)
		}
		if err := createTable[T](ctx, table, cfg.PartitionField); err != nil {
			return nil, err
		}
		logger.Info().Msg("BigQuery table created with inferred schema.")
	}

	return &BigQueryInserter[T]{
		table:    table,
		inserter: table.Inserter(),
		logger:   logger,
	}, nil
}

func createTable[T any](ctx context.Context, table *bigquery.Table, partitionField string) error {
	var zero T
	schema, err := bigquery.InferSchema(zero)
	if err != nil {
		return fmt.Errorf("failed to infer schema for %T: %w", zero, err)
	}
	meta := &bigquery.TableMetadata{Schema: schema}
	if partitionField != "" {
		meta.TimePartitioning = &bigquery.TimePartitioning{
			Type:  bigquery.DayPartitioningType,
			Field: partitionField,
		}
	}
	if err := table.Create(ctx, meta); err != nil {
		return fmt.Errorf("failed to create table %s.%s: %w", table.DatasetID, table.TableID, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

// InsertBatch streams rows. Per-row failures are logged individually.
func (i *BigQueryInserter[T]) InsertBatch(ctx context.Context, rows []*T) error {
	if len(rows) == 0 {
		return nil
	}

	if err := i.inserter.Put(ctx, rows); err != nil {
		var multiErr bigquery.PutMultiError
		if errors.As(err, &multiErr) {
			for _, rowErr := range multiErr {
				i.logger.Error().Int("row_index", rowErr.RowIndex).Msgf("BigQuery insert error for row: %v", rowErr.Errors)
			}
		}
		return fmt.Errorf("bigquery Inserter.Put: %w", err)
	}

	i.logger.Debug().Int("batch_size", len(rows)).Msg("Inserted batch into BigQuery.")
	return nil
}

// Close is a no-op; the client is owned by the caller.
func (i *BigQueryInserter[T]) Close() error {
	return nil
}
