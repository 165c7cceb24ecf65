package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/middleware"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/cosmoblob/attachments/feed"
	"github.com/cosmoblob/attachments/internal/trace"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Options holds configuration for S3Container and can be constructed from an S3 URL in a similar way to gocloud.dev
// Example S3 URLs:
//
//	s3://my-bucket
//	s3://my-bucket/prefix
//	s3://my-bucket?region=us-east-1
//	s3://my-bucket/prefix?region=us-east-1&endpoint=http://localhost:9000&use_path_style=true
type Options struct {
	S3Endpoint   string
	Bucket       string
	Region       string
	Prefix       string
	UsePathStyle bool
}

func OptionsFromURL(s3url string) (*Options, error) {
	u, err := url.Parse(s3url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse S3 URL: %w", err)
	}

	// check the scheme is s3
	if u.Scheme != "s3" {
		return nil, fmt.Errorf("invalid S3 URL scheme %q: must be s3", u.Scheme)
	}

	opts := &Options{
		Bucket: u.Hostname(),
		Prefix: strings.Trim(u.Path, "/"),
		// Region and S3Endpoint can be set via query parameters if needed
		Region:     u.Query().Get("region"),
		S3Endpoint: u.Query().Get("endpoint"),
	}

	if opts.Bucket == "" {
		return nil, fmt.Errorf("S3 URL must name a bucket")
	}

	if opts.Region == "" {
		opts.Region = "us-east-1"
	}

	if u.Query().Get("use_path_style") == "true" {
		opts.UsePathStyle = true
	}

	return opts, nil
}

// S3API is the subset of the S3 client used by S3Container.
type S3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Container implements the Container interface using AWS S3
type S3Container struct {
	client     S3API
	bucketName string
	prefix     string
	pageSize   int
}

// Ensure S3Container implements the Container interface
var _ Container = (*S3Container)(nil)

// NewS3Container creates a new S3Container instance using an S3 URL
func NewS3Container(ctx context.Context, s3url string, pageSize int) (*S3Container, error) {
	opts, err := OptionsFromURL(s3url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse S3 URL: %w", err)
	}

	// Load the AWS configuration
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	log.Debug().
		Str("bucket", opts.Bucket).
		Str("region", opts.Region).
		Str("prefix", opts.Prefix).
		Str("endpoint", opts.S3Endpoint).
		Msg("configured S3 bucket")

	client := s3.NewFromConfig(cfg,
		func(o *s3.Options) {
			o.Region = opts.Region
			if opts.UsePathStyle {
				o.UsePathStyle = true
			}

			// used for local testing or custom S3 endpoints
			if opts.S3Endpoint != "" {
				o.BaseEndpoint = aws.String(opts.S3Endpoint)
			}
		})

	return NewS3ContainerWithClient(client, opts.Bucket, opts.Prefix, pageSize), nil
}

// NewS3ContainerWithClient wraps an existing client.
func NewS3ContainerWithClient(client S3API, bucket, prefix string, pageSize int) *S3Container {
	return &S3Container{
		client:     client,
		bucketName: bucket,
		prefix:     strings.Trim(prefix, "/"),
		pageSize:   pageSize,
	}
}

func (b *S3Container) Init(ctx context.Context) error {
	ctx, span := trace.Start(ctx, "S3Container.Init")
	defer span.End()

	if _, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucketName)}); err != nil {
		return trace.NewError(span, "failed to reach bucket %s: %w", b.bucketName, err)
	}

	return nil
}

// List returns one ListObjectsV2 page, the continuation token is passed through as is.
func (b *S3Container) List(ctx context.Context, token feed.Token) (feed.Page[Object], error) {
	ctx, span := trace.Start(ctx, "S3Container.List")
	defer span.End()

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucketName),
	}
	if prefix := listPrefix(b.prefix); prefix != "" {
		input.Prefix = aws.String(prefix)
	}
	if token != "" {
		input.ContinuationToken = aws.String(string(token))
	}
	if b.pageSize > 0 {
		input.MaxKeys = aws.Int32(int32(b.pageSize))
	}

	result, err := b.client.ListObjectsV2(ctx, input)
	if err != nil {
		return feed.Page[Object]{}, trace.NewError(span, "failed to list objects in S3: %w", err)
	}

	page := feed.Page[Object]{}
	for _, obj := range result.Contents {
		page.Items = append(page.Items, Object{
			Key:     relativeKey(b.prefix, aws.ToString(obj.Key)),
			Size:    aws.ToInt64(obj.Size),
			ModTime: aws.ToTime(obj.LastModified),
		})
	}

	if aws.ToBool(result.IsTruncated) {
		page.Next = feed.Token(aws.ToString(result.NextContinuationToken))
	}

	span.SetAttributes(attribute.Int("blobs", len(page.Items)), attribute.Bool("more", page.More()))

	return page, nil
}

// Upload uploads a payload to S3, replacing any existing object.
func (b *S3Container) Upload(ctx context.Context, key string, r io.Reader, opts UploadOptions) (*TransferInfo, error) {
	ctx, span := trace.Start(ctx, "S3Container.Upload")
	defer span.End()

	if err := validateKey(key); err != nil {
		return nil, err
	}

	start := time.Now()

	input := &s3.PutObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(fullKey(b.prefix, key)),
		Body:   r,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if opts.Size >= 0 {
		input.ContentLength = aws.Int64(opts.Size)
	}

	result, err := b.client.PutObject(ctx, input)
	if err != nil {
		return nil, trace.NewError(span, "failed to upload %s to S3: %w", key, err)
	}

	requestID, _ := middleware.GetRequestIDMetadata(result.ResultMetadata)

	info := newTransferInfo(max(opts.Size, 0), start, requestID)

	span.SetAttributes(
		attribute.Int64("bytes_transferred", info.BytesTransferred),
		attribute.String("transfer_speed", fmt.Sprintf("%.2fMB/s", info.TransferSpeed)),
		attribute.String("request_id", requestID),
	)

	return info, nil
}

// Download copies an S3 object to w
func (b *S3Container) Download(ctx context.Context, key string, w io.Writer) (*TransferInfo, error) {
	ctx, span := trace.Start(ctx, "S3Container.Download")
	defer span.End()

	if err := validateKey(key); err != nil {
		return nil, err
	}

	start := time.Now()

	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(fullKey(b.prefix, key)),
	})
	if err != nil {
		span.RecordError(err)
		return nil, mapS3Error(err, key)
	}
	defer func() {
		_ = result.Body.Close()
	}()

	requestID, _ := middleware.GetRequestIDMetadata(result.ResultMetadata)

	bytesWritten, err := io.Copy(w, result.Body)
	if err != nil {
		return nil, trace.NewError(span, "failed to write object contents: %w", err)
	}

	info := newTransferInfo(bytesWritten, start, requestID)

	span.SetAttributes(
		attribute.Int64("bytes_transferred", bytesWritten),
		attribute.String("transfer_speed", fmt.Sprintf("%.2fMB/s", info.TransferSpeed)),
	)

	return info, nil
}

// Delete removes an object. S3 reports success for keys that do not exist.
func (b *S3Container) Delete(ctx context.Context, key string) error {
	ctx, span := trace.Start(ctx, "S3Container.Delete")
	defer span.End()

	if err := validateKey(key); err != nil {
		return err
	}

	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(fullKey(b.prefix, key)),
	})
	if err != nil {
		span.RecordError(err)
		return mapS3Error(err, key)
	}

	return nil
}

func (b *S3Container) Close() error {
	return nil
}

func mapS3Error(err error, key string) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
	}
	return fmt.Errorf("blob %s: %w", key, err)
}
