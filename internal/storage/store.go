// Package storage persists mosaics and cached fragments as keyed objects.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Read for a key that does not exist.
var ErrNotFound = errors.New("object not found")

// Store abstracts keyed object storage. Keys are slash-separated paths
// relative to the store root.
type Store interface {
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Read returns the full object. Missing keys yield ErrNotFound.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write stores data under key. A reader never observes a partially
	// written object.
	Write(ctx context.Context, key string, data []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// URI returns the canonical URI for the given key.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// StorageConfig configures the storage backend.
type StorageConfig struct {
	Backend string // "local" | "gcs" | "s3" | "url"

	// Local filesystem
	LocalDir string

	// GCS / S3
	Bucket string

	// S3 (also works for B2, R2, MinIO)
	S3Endpoint string // custom endpoint for B2/MinIO/R2
	S3Region   string

	// Any gocloud.dev bucket URL, e.g. "file:///srv/mosaics" or "mem://"
	URL string

	// Common
	Prefix string // path prefix within bucket or local dir
}

// NewStore creates a storage backend based on configuration.
func NewStore(cfg StorageConfig) (Store, error) {
	switch cfg.Backend {
	case "", "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		return NewLocalStore(cfg.LocalDir, cfg.Prefix)
	case "gcs":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("Bucket required for gcs backend")
		}
		return NewGCSStore(cfg.Bucket, cfg.Prefix)
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("Bucket required for s3 backend")
		}
		return NewS3Store(cfg.Bucket, cfg.Prefix, cfg.S3Endpoint, cfg.S3Region)
	case "url":
		if cfg.URL == "" {
			return nil, fmt.Errorf("URL required for url backend")
		}
		return OpenBucketStore(context.Background(), cfg.URL, cfg.Prefix)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
