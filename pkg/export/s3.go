package export

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/uaesivakumar/upr-authority/pkg/canonical"
	"github.com/uaesivakumar/upr-authority/pkg/contracts"
)

// S3Store keeps bundles in an S3 bucket (or an S3-compatible endpoint
// such as MinIO).
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Config holds the knobs for S3Store.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // custom endpoint for MinIO or LocalStack
	Prefix   string // optional key prefix, e.g. "exports/"
}

// NewS3Store builds the store using the default AWS credential chain.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("export: s3 bucket is required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("export: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // required for MinIO/LocalStack
		}
	})
	return &S3Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Store) Store(ctx context.Context, data []byte) (string, string, error) {
	hash := canonical.Hash(data)
	key := keyFor(s.prefix, hash)

	// HeadObject first: same bytes, same key, nothing to re-upload.
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return key, hash, nil
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", "", &contracts.Retryable{Err: fmt.Errorf("export: s3 put: %w", err)}
	}
	return key, hash, nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	if _, err := parseKey(s.prefix, key); err != nil {
		return nil, err
	}
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, &contracts.Retryable{Err: fmt.Errorf("export: s3 get %s: %w", key, err)}
	}
	defer func() { _ = result.Body.Close() }()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, &contracts.Retryable{Err: fmt.Errorf("export: s3 read %s: %w", key, err)}
	}
	return data, nil
}
