// Package s3 archives exported documents to S3-compatible object storage.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/artpar/apimeter/ports"
)

// Config holds bucket and credential settings.
type Config struct {
	Bucket       string
	Region       string
	Endpoint     string // MinIO or other S3-compatible endpoint
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	Prefix       string
}

// Archive implements ports.ObjectStore on an S3 bucket.
type Archive struct {
	client *s3.Client
	bucket string
	prefix string
}

// New creates an archive client. Static credentials are used when both keys
// are set, otherwise the default credential chain.
func New(ctx context.Context, cfg Config) (*Archive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &Archive{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

var _ ports.ObjectStore = (*Archive)(nil)

// Put uploads body under key and returns its s3:// location.
func (a *Archive) Put(ctx context.Context, key, contentType string, body io.Reader) (string, error) {
	if a.prefix != "" {
		key = a.prefix + "/" + strings.TrimLeft(key, "/")
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("failed to read content: %w", err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s to s3: %w", key, err)
	}
	return "s3://" + a.bucket + "/" + key, nil
}
