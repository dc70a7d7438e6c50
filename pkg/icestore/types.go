// Package icestore archives raw measurements to Google Cloud Storage as
// gzip-compressed JSON Lines objects, grouped by station and day.
package icestore

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
)

// DataUploader writes a batch of items to cold storage.
type DataUploader[T any] interface {
	UploadBatch(ctx context.Context, items []*T) error
	Close() error
}

// GCSClient is the subset of *storage.Client the uploader needs.
type GCSClient interface {
	Bucket(name string) GCSBucketHandle
}

type GCSBucketHandle interface {
	Object(name string) GCSObjectHandle
}

type GCSObjectHandle interface {
	NewWriter(ctx context.Context) GCSWriter
}

type GCSWriter interface {
	io.WriteCloser
}

// NewGCSClientAdapter adapts a storage client to GCSClient.
func NewGCSClientAdapter(client *storage.Client) GCSClient {
	return &gcsClientAdapter{client: client}
}

type gcsClientAdapter struct{ client *storage.Client }

func (a *gcsClientAdapter) Bucket(name string) GCSBucketHandle {
	return &bucketAdapter{BucketHandle: a.client.Bucket(name)}
}

type bucketAdapter struct{ *storage.BucketHandle }

func (a *bucketAdapter) Object(name string) GCSObjectHandle {
	return &objectAdapter{ObjectHandle: a.BucketHandle.Object(name)}
}

type objectAdapter struct{ *storage.ObjectHandle }

func (a *objectAdapter) NewWriter(ctx context.Context) GCSWriter {
	w := a.ObjectHandle.NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	w.ContentEncoding = "gzip"
	return w
}

var (
	_ GCSClient       = (*gcsClientAdapter)(nil)
	_ GCSBucketHandle = (*bucketAdapter)(nil)
	_ GCSObjectHandle = (*objectAdapter)(nil)
)
