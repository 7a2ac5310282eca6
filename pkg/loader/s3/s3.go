package s3

import (
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/lawgraph/ingest/internal/storage"
)

// S3FeedLoader streams feeds from S3 compatible object storage. Inputs are
// addressed as s3://bucket/key.
type S3FeedLoader struct {
	client *s3.Client
}

// NewS3FeedLoaderWithClient creates a loader around an existing client.
func NewS3FeedLoaderWithClient(client *s3.Client) *S3FeedLoader {
	return &S3FeedLoader{client: client}
}

// NewS3FeedLoader creates a loader with its own client.
//
// Example:
//
//	l, err := s3.NewS3FeedLoader(ctx, storage.S3ParamsFromEnv())
//	if err != nil {
//		log.Fatal(err)
//	}
//	rc, err := l.Open(ctx, "s3://feeds/2024/officers.jsonl")
func NewS3FeedLoader(ctx context.Context, params storage.S3Params) (*S3FeedLoader, error) {
	client, err := storage.NewS3Client(ctx, params)
	if err != nil {
		return nil, err
	}
	return NewS3FeedLoaderWithClient(client), nil
}

// Client exposes the underlying client so other S3 users can share it.
func (l *S3FeedLoader) Client() *s3.Client {
	return l.client
}

func (l *S3FeedLoader) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	bucket, key, err := storage.ParseURI(uri)
	if err != nil {
		return nil, err
	}
	return storage.OpenFile(ctx, l.client, bucket, key)
}
