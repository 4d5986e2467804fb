package followup

import (
	"bytes"
	"context"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "github.com/edemocracy/signup-verifier/internal/config"
)

// ArtifactStore publishes CSV exports somewhere durable and returns a
// link usable in digests.
type ArtifactStore interface {
	Upload(ctx context.Context, filename string, data []byte) (string, error)
}

// S3Artifacts stores CSVs in an S3 bucket under a per-day prefix.
type S3Artifacts struct {
	client *s3.Client
	bucket string
	region string
}

// NewS3Artifacts builds an artifact store from the exports config.
// Returns nil when no bucket is configured; callers treat a nil store as
// "attachments only".
func NewS3Artifacts(ctx context.Context, cfg appconfig.ExportsConfig) (*S3Artifacts, error) {
	if cfg.S3Bucket == "" {
		return nil, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Artifacts{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.S3Bucket,
		region: cfg.S3Region,
	}, nil
}

func (a *S3Artifacts) Upload(ctx context.Context, filename string, data []byte) (string, error) {
	key := fmt.Sprintf("exports/%s/%s", time.Now().UTC().Format("2006-01-02"), filename)
	contentType := "text/csv"
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &a.bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", a.bucket, a.region, key), nil
}
