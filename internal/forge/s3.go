package forge

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/charmbracelet/log"
)

// objectStore opens objects from a bucket store. *S3Client implements it;
// tests substitute an in-memory store.
type objectStore interface {
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error)
}

// S3Client wraps the S3 client used for s3:// source mirrors. Any
// S3-compatible endpoint (R2, MinIO) works through s3_endpoint.
type S3Client struct {
	Client *s3.Client
}

// NewS3Client initializes a client from the s3_* configuration keys.
// Without explicit keys the default AWS credential chain is used.
func NewS3Client(ctx context.Context, cfg *Config, logger *log.Logger) (*S3Client, error) {
	accessKey := cfg.Get("s3_access_key_id")
	secretKey := cfg.Get("s3_secret_access_key")
	endpoint := cfg.Get("s3_endpoint")
	region := cfg.Get("s3_region")
	if region == "" {
		region = "auto"
	}

	options := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if accessKey != "" || secretKey != "" {
		if accessKey == "" || secretKey == "" {
			return nil, fmt.Errorf("s3 credentials incomplete: both s3_access_key_id and s3_secret_access_key are required")
		}
		options = append(options, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	if isVerbose(logger) {
		options = append(options, config.WithClientLogMode(aws.LogRetries|aws.LogRequest))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load s3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Client{Client: client}, nil
}

// Open starts a download of bucket/key. The size is -1 when the server
// does not report it.
func (c *S3Client) Open(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	out, err := c.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("s3 get %s/%s: %w", bucket, key, err)
	}
	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}

// parseS3URI splits s3://bucket/key/path.
func parseS3URI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedScheme, uri)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed s3 uri %q: want s3://bucket/key", uri)
	}
	return bucket, key, nil
}
