package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// DefaultUploadTimeout bounds a single object write.
const DefaultUploadTimeout = 2 * time.Minute

// BucketStore is the Google Cloud Storage implementation of ObjectStore.
// It assumes Application Default Credentials are configured.
type BucketStore struct {
	client        *storage.Client
	bucket        *storage.BucketHandle
	uploadTimeout time.Duration
}

// NewBucketStore opens a storage client for the named bucket.
func NewBucketStore(ctx context.Context, bucketName string) (*BucketStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &BucketStore{
		client:        client,
		bucket:        client.Bucket(bucketName),
		uploadTimeout: DefaultUploadTimeout,
	}, nil
}

// Close releases the underlying storage client.
func (s *BucketStore) Close() error {
	return s.client.Close()
}

func (s *BucketStore) List(ctx context.Context, prefix string) ([]string, error) {
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: prefix})

	var names []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("BucketStore.List: iterating %q: %w", prefix, err)
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

func (s *BucketStore) Delete(ctx context.Context, object string) error {
	err := s.bucket.Object(object).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("BucketStore.Delete: %s: %w", object, err)
	}
	return nil
}

func (s *BucketStore) Put(ctx context.Context, object string, r io.Reader) error {
	ctx, cancel := context.WithTimeout(ctx, s.uploadTimeout)
	defer cancel()

	w := s.bucket.Object(object).NewWriter(ctx)

	if _, err := io.Copy(w, r); err != nil {
		// Closing with a cancelled context aborts the partial upload.
		cancel()
		_ = w.Close()
		return fmt.Errorf("copy to GCS writer: %w", err)
	}

	// Close finalizes the upload; server-side rejections surface here.
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize upload: %w", err)
	}
	return nil
}
