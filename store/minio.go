package store

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/cosmoblob/attachments/feed"
	"github.com/cosmoblob/attachments/internal/trace"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// MinioClient is the subset of the minio client used by MinioContainer.
type MinioClient interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, error)
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
}

// MinioOptions can be constructed from a minio URL.
// Example URLs:
//
//	minio://localhost:9000/my-bucket
//	minio://play.min.io/my-bucket/prefix?secure=true&region=us-east-1
//
// Credentials are read from MINIO_ACCESS_KEY/MINIO_SECRET_KEY or the AWS environment variables.
type MinioOptions struct {
	Endpoint string
	Bucket   string
	Prefix   string
	Region   string
	Secure   bool
}

func MinioOptionsFromURL(minioURL string) (*MinioOptions, error) {
	u, err := url.Parse(minioURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse minio URL: %w", err)
	}

	if u.Scheme != "minio" {
		return nil, fmt.Errorf("invalid minio URL scheme %q: must be minio", u.Scheme)
	}

	bucket, prefix, _ := strings.Cut(strings.Trim(u.Path, "/"), "/")

	opts := &MinioOptions{
		Endpoint: u.Host,
		Bucket:   bucket,
		Prefix:   strings.Trim(prefix, "/"),
		Region:   u.Query().Get("region"),
		Secure:   u.Query().Get("secure") == "true",
	}

	if opts.Endpoint == "" || opts.Bucket == "" {
		return nil, fmt.Errorf("minio URL must name an endpoint and a bucket")
	}

	return opts, nil
}

// minioClientWrapper narrows GetObject to an io.ReadCloser so the client can be mocked.
type minioClientWrapper struct {
	*minio.Client
}

func (c *minioClientWrapper) GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, error) {
	return c.Client.GetObject(ctx, bucketName, objectName, opts)
}

// MinioContainer implements the Container interface using minio-go.
//
// Listing pages are keyset based: the token holds the last key returned and the
// next page starts after it.
type MinioContainer struct {
	client   MinioClient
	bucket   string
	prefix   string
	pageSize int
}

// Ensure MinioContainer implements the Container interface
var _ Container = (*MinioContainer)(nil)

func NewMinioContainer(ctx context.Context, minioURL string, pageSize int) (*MinioContainer, error) {
	opts, err := MinioOptionsFromURL(minioURL)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds: credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvMinio{},
			&credentials.EnvAWS{},
		}),
		Secure: opts.Secure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	log.Debug().
		Str("endpoint", opts.Endpoint).
		Str("bucket", opts.Bucket).
		Str("prefix", opts.Prefix).
		Bool("secure", opts.Secure).
		Msg("configured minio bucket")

	return NewMinioContainerWithClient(&minioClientWrapper{Client: client}, opts.Bucket, opts.Prefix, pageSize), nil
}

// NewMinioContainerWithClient wraps an existing client.
func NewMinioContainerWithClient(client MinioClient, bucket, prefix string, pageSize int) *MinioContainer {
	if pageSize <= 0 {
		pageSize = defaultListPageSize
	}
	return &MinioContainer{
		client:   client,
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
		pageSize: pageSize,
	}
}

func (b *MinioContainer) Init(ctx context.Context) error {
	ctx, span := trace.Start(ctx, "MinioContainer.Init")
	defer span.End()

	exists, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return trace.NewError(span, "failed to check bucket %s: %w", b.bucket, err)
	}
	if !exists {
		return trace.NewError(span, "bucket %s does not exist", b.bucket)
	}

	return nil
}

func (b *MinioContainer) List(ctx context.Context, token feed.Token) (feed.Page[Object], error) {
	ctx, span := trace.Start(ctx, "MinioContainer.List")
	defer span.End()

	marker, err := decodeToken(token)
	if err != nil {
		return feed.Page[Object]{}, err
	}

	// stop the listing goroutine once the page is full
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := minio.ListObjectsOptions{
		Prefix:     listPrefix(b.prefix),
		Recursive:  true,
		StartAfter: string(marker),
	}
	if b.pageSize > 0 {
		opts.MaxKeys = b.pageSize
	}

	page := feed.Page[Object]{}
	var lastKey string
	for obj := range b.client.ListObjects(listCtx, b.bucket, opts) {
		if obj.Err != nil {
			return feed.Page[Object]{}, trace.NewError(span, "failed to list objects: %w", obj.Err)
		}

		lastKey = obj.Key
		page.Items = append(page.Items, Object{
			Key:     relativeKey(b.prefix, obj.Key),
			Size:    obj.Size,
			ModTime: obj.LastModified,
		})

		if b.pageSize > 0 && len(page.Items) == b.pageSize {
			page.Next = encodeToken([]byte(lastKey))
			break
		}
	}

	span.SetAttributes(attribute.Int("blobs", len(page.Items)), attribute.Bool("more", page.More()))

	return page, nil
}

func (b *MinioContainer) Upload(ctx context.Context, key string, r io.Reader, opts UploadOptions) (*TransferInfo, error) {
	ctx, span := trace.Start(ctx, "MinioContainer.Upload")
	defer span.End()

	if err := validateKey(key); err != nil {
		return nil, err
	}

	start := time.Now()

	size := opts.Size
	if size < 0 {
		size = -1
	}

	info, err := b.client.PutObject(ctx, b.bucket, fullKey(b.prefix, key), r, size, minio.PutObjectOptions{
		ContentType: opts.ContentType,
	})
	if err != nil {
		return nil, trace.NewError(span, "failed to upload %s to minio: %w", key, err)
	}

	transfer := newTransferInfo(info.Size, start, "")

	span.SetAttributes(
		attribute.Int64("bytes_transferred", info.Size),
		attribute.String("transfer_speed", fmt.Sprintf("%.2fMB/s", transfer.TransferSpeed)),
		attribute.String("etag", info.ETag),
	)

	return transfer, nil
}

func (b *MinioContainer) Download(ctx context.Context, key string, w io.Writer) (*TransferInfo, error) {
	ctx, span := trace.Start(ctx, "MinioContainer.Download")
	defer span.End()

	if err := validateKey(key); err != nil {
		return nil, err
	}

	start := time.Now()

	reader, err := b.client.GetObject(ctx, b.bucket, fullKey(b.prefix, key), minio.GetObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return nil, mapMinioError(err, key)
	}
	defer func() {
		_ = reader.Close()
	}()

	// minio defers the request until the first read, so a missing key surfaces here
	bytesWritten, err := io.Copy(w, reader)
	if err != nil {
		span.RecordError(err)
		return nil, mapMinioError(err, key)
	}

	info := newTransferInfo(bytesWritten, start, "")

	span.SetAttributes(
		attribute.Int64("bytes_transferred", bytesWritten),
		attribute.String("transfer_speed", fmt.Sprintf("%.2fMB/s", info.TransferSpeed)),
	)

	return info, nil
}

func (b *MinioContainer) Delete(ctx context.Context, key string) error {
	ctx, span := trace.Start(ctx, "MinioContainer.Delete")
	defer span.End()

	if err := validateKey(key); err != nil {
		return err
	}

	if err := b.client.RemoveObject(ctx, b.bucket, fullKey(b.prefix, key), minio.RemoveObjectOptions{}); err != nil {
		span.RecordError(err)
		return mapMinioError(err, key)
	}

	return nil
}

func (b *MinioContainer) Close() error {
	return nil
}

func mapMinioError(err error, key string) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return fmt.Errorf("blob %s: %w", key, err)
}
