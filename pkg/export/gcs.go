//go:build gcp

package export

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/uaesivakumar/upr-authority/pkg/canonical"
	"github.com/uaesivakumar/upr-authority/pkg/contracts"
)

// GCSStore keeps bundles in a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig holds the knobs for GCSStore.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore builds the store using application default credentials.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("export: gcs bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("export: gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) Store(ctx context.Context, data []byte) (string, string, error) {
	hash := canonical.Hash(data)
	key := keyFor(s.prefix, hash)

	obj := s.client.Bucket(s.bucket).Object(key)
	if _, err := obj.Attrs(ctx); err == nil {
		return key, hash, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", "", &contracts.Retryable{Err: fmt.Errorf("export: gcs write: %w", err)}
	}
	if err := w.Close(); err != nil {
		return "", "", &contracts.Retryable{Err: fmt.Errorf("export: gcs close: %w", err)}
	}
	return key, hash, nil
}

func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	if _, err := parseKey(s.prefix, key); err != nil {
		return nil, err
	}
	reader, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("export: bundle not found: %s", key)
		}
		return nil, &contracts.Retryable{Err: fmt.Errorf("export: gcs get %s: %w", key, err)}
	}
	defer func() { _ = reader.Close() }()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, &contracts.Retryable{Err: fmt.Errorf("export: gcs read %s: %w", key, err)}
	}
	return data, nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
