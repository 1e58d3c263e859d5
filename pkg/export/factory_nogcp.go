//go:build !gcp

package export

import (
	"context"
	"fmt"
)

func newGCSStore(ctx context.Context, bucket, prefix string) (ObjectStore, error) {
	return nil, fmt.Errorf("export: gcs backend is not enabled in this build (use -tags gcp)")
}
