package export

import (
	"context"
	"fmt"
)

// StoreConfig selects and configures the bundle storage backend.
type StoreConfig struct {
	Backend  string // file (default), s3 or gcs
	Dir      string // file backend root directory
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// NewObjectStore builds the backend named by cfg.Backend. The gcs backend
// needs the gcp build tag; without it the constructor reports so.
func NewObjectStore(ctx context.Context, cfg StoreConfig) (ObjectStore, error) {
	switch cfg.Backend {
	case "", "file":
		dir := cfg.Dir
		if dir == "" {
			dir = "exports"
		}
		return NewFileStore(dir)
	case "s3":
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case "gcs":
		return newGCSStore(ctx, cfg.Bucket, cfg.Prefix)
	default:
		return nil, fmt.Errorf("export: unsupported backend %q", cfg.Backend)
	}
}
