// Package blobstore is the Blob Store Facade (spec §4.1): content
// storage for compiled ruleset artifacts, scan result manifests, and
// statistics bundles. The S3 client construction follows the
// config.LoadDefaultConfig + s3.NewFromConfig pattern used for AWS
// client setup across the retrieval pack.
package blobstore

import (
	"context"
	"io"
	"time"
)

// Store is the facade every component depends on: put, get, delete,
// presign, and prefix listing over an opaque key namespace.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Presign(ctx context.Context, key string, expiry time.Duration) (string, error)
	List(ctx context.Context, prefix string) ([]string, error)
}
