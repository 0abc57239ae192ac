package s3blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/htgrid/htgrid/pkg/store"
)

// Blobs implements store.Blobs on an S3 bucket.
type Blobs struct {
	client *s3.Client
	bucket string
	prefix string
}

var _ store.Blobs = (*Blobs)(nil)

// New builds the bucket backend.
func New(ctx context.Context, cfg Config) (*Blobs, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("s3blob: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &Blobs{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	if awsCfg.Region == "" && cfg.Endpoint == "" {
		awsCfg.Region = defaultAWSRegion
	}
	return awsCfg, nil
}

func (b *Blobs) key(docID, name string) string {
	if b.prefix == "" {
		return docID + "/" + name
	}
	return b.prefix + "/" + docID + "/" + name
}

// Put uploads one attachment. Uploads are idempotent; a re-put of the same
// name overwrites.
func (b *Blobs) Put(ctx context.Context, docID, name, contentType string, body []byte) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(docID, name)),
		Body:   bytes.NewReader(body),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := b.client.PutObject(ctx, input); err != nil {
		return b.wrapError("put", docID, name, err)
	}
	return nil
}

func (b *Blobs) Get(ctx context.Context, docID, name string) ([]byte, string, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(docID, name)),
	})
	if err != nil {
		return nil, "", b.wrapError("get", docID, name, err)
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", fmt.Errorf("s3blob: read %s/%s: %w", docID, name, err)
	}
	return body, aws.ToString(out.ContentType), nil
}

// List returns the attachment names stored under a document.
func (b *Blobs) List(ctx context.Context, docID string) ([]string, error) {
	keyPrefix := b.key(docID, "")
	var names []string
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(keyPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, b.wrapError("list", docID, "", err)
		}
		for _, obj := range page.Contents {
			names = append(names, strings.TrimPrefix(aws.ToString(obj.Key), keyPrefix))
		}
	}
	return names, nil
}

// wrapError maps missing keys onto store.ErrNotFound so callers see the
// same sentinel regardless of blob backend.
func (b *Blobs) wrapError(op, docID, name string, err error) error {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return fmt.Errorf("s3blob: %s %s/%s: %w", op, docID, name, store.ErrNotFound)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("s3blob: %s %s/%s: %w", op, docID, name, store.ErrNotFound)
		}
	}
	return fmt.Errorf("s3blob: %s %s/%s: %w", op, docID, name, err)
}
