package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver
	"gocloud.dev/gcerrors"
)

// BucketStore stores objects in any gocloud.dev bucket.
// Object stores publish a write only when the writer is closed, so readers
// never see partial objects.
type BucketStore struct {
	bucket    *blob.Bucket
	bucketURL string
	prefix    string
}

// OpenBucketStore opens the bucket at bucketURL.
func OpenBucketStore(ctx context.Context, bucketURL, prefix string) (*BucketStore, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}

	return &BucketStore{
		bucket:    bucket,
		bucketURL: bucketURL,
		prefix:    prefix,
	}, nil
}

// NewGCSStore creates a new GCS store.
func NewGCSStore(bucketName, prefix string) (*BucketStore, error) {
	return OpenBucketStore(context.Background(), fmt.Sprintf("gs://%s", bucketName), prefix)
}

// NewS3Store creates a new S3-compatible store.
// Works with AWS S3, Backblaze B2, Cloudflare R2, and MinIO.
func NewS3Store(bucketName, prefix, endpoint, region string) (*BucketStore, error) {
	// Build URL for gocloud.dev
	bucketURL := fmt.Sprintf("s3://%s", bucketName)

	params := url.Values{}
	if region != "" {
		params.Set("region", region)
	}
	if endpoint != "" {
		params.Set("endpoint", endpoint)
		params.Set("s3ForcePathStyle", "true")
	}
	if len(params) > 0 {
		bucketURL = bucketURL + "?" + params.Encode()
	}

	return OpenBucketStore(context.Background(), bucketURL, prefix)
}

// Exists checks if an object is present in the bucket.
func (s *BucketStore) Exists(ctx context.Context, key string) (bool, error) {
	return s.bucket.Exists(ctx, s.prefix+key)
}

// Read returns the object bytes.
func (s *BucketStore) Read(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, s.prefix+key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Write uploads data under key.
func (s *BucketStore) Write(ctx context.Context, key string, data []byte) error {
	path := s.prefix + key

	w, err := s.bucket.NewWriter(ctx, path, nil)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", path, err)
	}

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write data to %s: %w", path, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", path, err)
	}

	return nil
}

// Delete removes key if present.
func (s *BucketStore) Delete(ctx context.Context, key string) error {
	err := s.bucket.Delete(ctx, s.prefix+key)
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// URI returns the canonical URI for the given key.
func (s *BucketStore) URI(key string) string {
	base := s.bucketURL
	if i := strings.IndexByte(base, '?'); i >= 0 {
		base = base[:i]
	}
	return strings.TrimSuffix(base, "/") + "/" + s.prefix + key
}

// Close releases the bucket connection.
func (s *BucketStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}
