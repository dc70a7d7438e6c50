package icestore

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Batchable items know which object group they belong to.
type Batchable interface {
	GetBatchKey() string
}

// GCSBatchUploaderConfig names the bucket and the object prefix.
type GCSBatchUploaderConfig struct {
	BucketName   string `mapstructure:"bucket" yaml:"bucket"`
	ObjectPrefix string `mapstructure:"prefix" yaml:"prefix"`
}

// GCSBatchUploader writes each group of a batch to its own object:
// <prefix>/<batch key>/<uuid>.jsonl.gz.
type GCSBatchUploader[T Batchable] struct {
	client GCSClient
	config GCSBatchUploaderConfig
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// NewGCSBatchUploader creates a new generic uploader configured for Google Cloud Storage.
func NewGCSBatchUploader[T Batchable](
	gcsClient GCSClient,
	config GCSBatchUploaderConfig,
	logger zerolog.Logger,
) (*GCSBatchUploader[T], error) {
	if gcsClient == nil {
		return nil, errors.New("icestore: GCS client is required")
	}
	if config.BucketName == "" {
		return nil, errors.New("icestore: bucket name is required")
	}
	return &GCSBatchUploader[T]{
		client: gcsClient,
		config: config,
		logger: logger.With().Str("component", "GCSBatchUploader").Logger(),
	}, nil
}

// UploadBatch groups items by key and uploads the groups concurrently. Any
// group failure fails the whole batch.
func (u *GCSBatchUploader[T]) UploadBatch(ctx context.Context, items []*T) error {
	if len(items) == 0 {
		return nil
	}

	groupedBatches := make(map[string][]*T)
	for _, item := range items {
		if item == nil {
			continue
		}
		key := (*item).GetBatchKey()
		if key == "" {
			u.logger.Warn().Msg("Item has an empty batch key, skipping.")
			continue
		}
		groupedBatches[key] = append(groupedBatches[key], item)
	}

	if len(groupedBatches) == 0 {
		return nil
	}

	var uploadWg sync.WaitGroup
	errs := make(chan error, len(groupedBatches))

	for key, batchData := range groupedBatches {
		uploadWg.Add(1)
		u.wg.Add(1)

		go func(batchKey string, dataToUpload []*T) {
			defer uploadWg.Done()
			defer u.wg.Done()
			if err := u.uploadSingleGroup(ctx, batchKey, dataToUpload); err != nil {
				errs <- err
			}
		}(key, batchData)
	}

	uploadWg.Wait()
	close(errs)

	var all []error
	for err := range errs {
		all = append(all, err)
	}
	return errors.Join(all...)
}

// uploadSingleGroup streams one group through gzip into a GCS object. The
// encoder goroutine reports failures through the pipe.
func (u *GCSBatchUploader[T]) uploadSingleGroup(ctx context.Context, batchKey string, batchData []*T) error {
	if len(batchData) == 0 {
		return nil
	}
	objectName := path.Join(u.config.ObjectPrefix, batchKey, uuid.NewString()+".jsonl.gz")

	objHandle := u.client.Bucket(u.config.BucketName).Object(objectName)
	gcsWriter := objHandle.NewWriter(ctx)
	pr, pw := io.Pipe()

	go func() {
		var err error
		defer func() {
			pw.CloseWithError(err)
		}()

		gz := gzip.NewWriter(pw)
		enc := json.NewEncoder(gz)

		for _, rec := range batchData {
			if err = enc.Encode(rec); err != nil {
				err = fmt.Errorf("json encoding failed for %s: %w", objectName, err)
				return
			}
		}
		if err = gz.Close(); err != nil {
			err = fmt.Errorf("gzip writer close failed for %s: %w", objectName, err)
		}
	}()

	bytesWritten, pipeReadErr := io.Copy(gcsWriter, pr)

	// Close finalizes the object; it must run even when the copy failed.
	closeErr := gcsWriter.Close()

	if pipeReadErr != nil {
		return fmt.Errorf("failed to stream data for GCS object %s: %w", objectName, pipeReadErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close GCS object writer for %s: %w", objectName, closeErr)
	}

	u.logger.Info().
		Str("object_name", objectName).
		Int("records", len(batchData)).
		Int64("bytes_written", bytesWritten).
		Msg("Uploaded archive object.")
	return nil
}

// Close waits for in-flight uploads.
func (u *GCSBatchUploader[T]) Close() error {
	u.wg.Wait()
	return nil
}
