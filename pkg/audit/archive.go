package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/storage"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Sink archives audit batches to an S3 bucket, one object per batch.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Sink wraps an already-configured S3 client.
func NewS3Sink(client *s3.Client, bucket, prefix string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, prefix: prefix}
}

// NewS3SinkFromEnv resolves credentials and region the standard way (env
// vars, shared config file, EC2/ECS role) via the default AWS config chain,
// for deployments that don't hand-build an *s3.Client themselves.
func NewS3SinkFromEnv(ctx context.Context, bucket, prefix string) (*S3Sink, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: load aws config: %w", err)
	}
	return NewS3Sink(s3.NewFromConfig(cfg), bucket, prefix), nil
}

// Archive writes batch as a single JSON object keyed by timestamp + first
// event ID, giving each archived batch a stable, sortable name.
func (s *S3Sink) Archive(ctx context.Context, batch []Event) error {
	if len(batch) == 0 {
		return nil
	}
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("audit: marshal archive batch: %w", err)
	}
	key := fmt.Sprintf("%s%s-%s.json", s.prefix, batch[0].Timestamp.UTC().Format(time.RFC3339), batch[0].ID)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("audit: s3 put object: %w", err)
	}
	return nil
}

// GCSSink archives audit batches to a Google Cloud Storage bucket.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSSink wraps an already-configured GCS client.
func NewGCSSink(client *storage.Client, bucket, prefix string) *GCSSink {
	return &GCSSink{client: client, bucket: bucket, prefix: prefix}
}

// Archive writes batch as a single JSON object to the bucket.
func (g *GCSSink) Archive(ctx context.Context, batch []Event) error {
	if len(batch) == 0 {
		return nil
	}
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("audit: marshal archive batch: %w", err)
	}
	name := fmt.Sprintf("%s%s-%s.json", g.prefix, batch[0].Timestamp.UTC().Format(time.RFC3339), batch[0].ID)
	w := g.client.Bucket(g.bucket).Object(name).NewWriter(ctx)
	if _, err := w.Write(body); err != nil {
		w.Close()
		return fmt.Errorf("audit: gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("audit: gcs close: %w", err)
	}
	return nil
}
