//go:build gcp

package export

import "context"

func newGCSStore(ctx context.Context, bucket, prefix string) (ObjectStore, error) {
	return NewGCSStore(ctx, GCSConfig{Bucket: bucket, Prefix: prefix})
}
