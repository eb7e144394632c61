// Package source reads matched-typing records from local files or S3 objects.
package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

const s3Scheme = "s3://"

// Opener opens a record stream by location
type Opener interface {
	Open(ctx context.Context, location string) (io.ReadCloser, error)
}

// FileOpener opens local files
type FileOpener struct{}

// Open opens the file at location
func (FileOpener) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	f, err := os.Open(location)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", location, err)
	}
	return f, nil
}

// S3API is the subset of the S3 client used to fetch objects
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config holds construction parameters for S3Opener
type S3Config struct {
	Region       string
	Endpoint     string // optional, for S3-compatible stores such as MinIO
	UsePathStyle bool
}

// S3Opener opens objects addressed as s3://bucket/key
type S3Opener struct {
	client S3API
	logger *zap.Logger
}

// NewS3Opener creates an S3 opener using the default credential chain
func NewS3Opener(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3Opener, error) {
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewS3OpenerWithClient(client, logger), nil
}

// NewS3OpenerWithClient creates an S3 opener around an existing client
func NewS3OpenerWithClient(client S3API, logger *zap.Logger) *S3Opener {
	return &S3Opener{client: client, logger: logger}
}

// Open fetches the object at an s3:// location
func (o *S3Opener) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	bucket, key, err := ParseS3Location(location)
	if err != nil {
		return nil, err
	}

	out, err := o.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return nil, fmt.Errorf("failed to get s3 object %s: %w", location, err)
	}

	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	o.logger.Info("Opened S3 object",
		zap.String("bucket", bucket),
		zap.String("key", key),
		zap.Int64("size", size))

	return out.Body, nil
}

// ParseS3Location splits s3://bucket/key
func ParseS3Location(location string) (bucket, key string, err error) {
	if !strings.HasPrefix(location, s3Scheme) {
		return "", "", fmt.Errorf("not an s3 location: %s", location)
	}
	rest := strings.TrimPrefix(location, s3Scheme)
	i := strings.IndexByte(rest, '/')
	if i <= 0 || i == len(rest)-1 {
		return "", "", fmt.Errorf("s3 location must be s3://bucket/key: %s", location)
	}
	return rest[:i], rest[i+1:], nil
}

// Router dispatches s3:// locations to S3 and everything else to local files
type Router struct {
	Files FileOpener
	S3    Opener
}

// Open opens location with the matching opener
func (r Router) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	if strings.HasPrefix(location, s3Scheme) {
		if r.S3 == nil {
			return nil, fmt.Errorf("no s3 opener configured for %s", location)
		}
		return r.S3.Open(ctx, location)
	}
	return r.Files.Open(ctx, location)
}
