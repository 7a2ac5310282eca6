package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/lawgraph/ingest/internal/util"
)

// S3Params holds the connection settings for an S3 compatible object store.
type S3Params struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
}

// S3ParamsFromEnv reads AWS_REGION, AWS_ENDPOINT, AWS_ACCESS_KEY,
// AWS_SECRET_KEY and AWS_BUCKET.
func S3ParamsFromEnv() S3Params {
	return S3Params{
		Region:    util.GetEnvString("AWS_REGION", "us-east-1"),
		Endpoint:  util.GetEnvString("AWS_ENDPOINT", ""),
		AccessKey: util.GetEnvString("AWS_ACCESS_KEY", ""),
		SecretKey: util.GetEnvString("AWS_SECRET_KEY", ""),
		Bucket:    util.GetEnvString("AWS_BUCKET", ""),
	}
}

// Configured reports whether enough settings are present to reach a bucket.
func (p S3Params) Configured() bool {
	return p.Bucket != "" && p.AccessKey != "" && p.SecretKey != ""
}

func NewS3Client(ctx context.Context, params S3Params) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(params.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			params.AccessKey,
			params.SecretKey,
			"",
		)),
	}
	if params.Endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(params.Endpoint))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load s3 config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})
	return client, nil
}

// ParseURI splits s3://bucket/key into its parts.
func ParseURI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		rest, ok = strings.CutPrefix(uri, "S3://")
	}
	if !ok {
		return "", "", fmt.Errorf("not an s3 uri: %s", uri)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 uri needs bucket and key: %s", uri)
	}
	return bucket, key, nil
}

// OpenFile streams an object. The caller closes the returned body.
func OpenFile(ctx context.Context, client *s3.Client, bucket, key string) (io.ReadCloser, error) {
	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get file from S3: %w", err)
	}
	return result.Body, nil
}

// PutFile uploads body to prefix/name and returns the object key.
func PutFile(ctx context.Context, client *s3.Client, bucket, prefix, name string, body io.ReadSeeker) (string, error) {
	if bucket == "" {
		return "", errors.New("no bucket configured")
	}
	key := name
	if prefix != "" {
		key = path.Join(prefix, name)
	}
	mimeType := mime.TypeByExtension(path.Ext(name))
	if mimeType == "" {
		mimeType = "text/plain; charset=utf-8"
	}
	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(mimeType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload file to S3: %w", err)
	}

	return key, nil
}

// ReportUploader uploads run artifacts under Prefix in Bucket.
type ReportUploader struct {
	Client *s3.Client
	Bucket string
	Prefix string
}

func (u *ReportUploader) Upload(ctx context.Context, name string, body io.ReadSeeker) (string, error) {
	key, err := PutFile(ctx, u.Client, u.Bucket, u.Prefix, name, body)
	if err != nil {
		return "", err
	}
	return "s3://" + u.Bucket + "/" + key, nil
}
