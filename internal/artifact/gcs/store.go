// Package gcs implements a Google Cloud Storage artifact store.
package gcs

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/digestry/digestry/internal/pipeline"
)

// Store uploads artifacts to a GCS bucket. Authentication uses Application
// Default Credentials.
type Store struct {
	client *storage.Client
	bucket string
	logger *zap.Logger
}

// New initializes the client and verifies bucket access, failing fast on
// misconfiguration.
func New(ctx context.Context, bucket string, logger *zap.Logger) (*Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("close gcs client after probe failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("probe gcs bucket %q: %w", bucket, err)
	}
	return &Store{client: client, bucket: bucket, logger: logger}, nil
}

// Save uploads data to the named object and returns a gs:// URI. Upload
// failures are worth retrying; overwrites of the same object are safe.
func (s *Store) Save(ctx context.Context, name string, data []byte) (string, error) {
	writer := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	if _, err := writer.Write(data); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			s.logger.Warn("close gcs writer after write failure", zap.Error(closeErr))
		}
		return "", pipeline.Transient(fmt.Errorf("write gcs object %s: %w", name, err))
	}
	if err := writer.Close(); err != nil {
		return "", pipeline.Transient(fmt.Errorf("finalize gcs object %s: %w", name, err))
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, name), nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}
