package store

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cosmoblob/attachments/feed"
	"github.com/cosmoblob/attachments/internal/trace"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/azureblob" // Azure Blob Storage driver
	_ "gocloud.dev/blob/fileblob"  // Local file driver for development
	_ "gocloud.dev/blob/gcsblob"   // Google Cloud Storage driver
	_ "gocloud.dev/blob/memblob"   // In-memory driver for testing
	_ "gocloud.dev/blob/s3blob"    // AWS S3 driver
	"gocloud.dev/gcerrors"
)

// GocloudContainer implements the Container interface using gocloud.dev
type GocloudContainer struct {
	bucket   *blob.Bucket
	pageSize int
}

// Ensure GocloudContainer implements the Container interface
var _ Container = (*GocloudContainer)(nil)

// NewGocloudContainer opens a bucket from a gocloud.dev URL. A key prefix can be
// applied with the "prefix" query parameter.
// For Azure: "azblob://container"
// For S3: "s3://bucket-name?region=us-east-1"
// For GCS: "gs://bucket-name"
// For local development: "file:///path/to/directory" or "mem://"
func NewGocloudContainer(ctx context.Context, bucketURL string, pageSize int) (*GocloudContainer, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob bucket: %w", err)
	}

	log.Debug().Str("bucket_url", bucketURL).Int("page_size", pageSize).Msg("configured gocloud bucket")

	return NewGocloudContainerFromBucket(bucket, pageSize), nil
}

// NewGocloudContainerFromBucket wraps an already opened bucket.
func NewGocloudContainerFromBucket(bucket *blob.Bucket, pageSize int) *GocloudContainer {
	if pageSize <= 0 {
		pageSize = defaultListPageSize
	}
	return &GocloudContainer{bucket: bucket, pageSize: pageSize}
}

// Init checks the bucket can be reached with the configured credentials.
func (b *GocloudContainer) Init(ctx context.Context) error {
	ctx, span := trace.Start(ctx, "GocloudContainer.Init")
	defer span.End()

	ok, err := b.bucket.IsAccessible(ctx)
	if err != nil {
		return trace.NewError(span, "failed to check bucket: %w", err)
	}
	if !ok {
		return trace.NewError(span, "bucket is not accessible")
	}

	return nil
}

func (b *GocloudContainer) List(ctx context.Context, token feed.Token) (feed.Page[Object], error) {
	ctx, span := trace.Start(ctx, "GocloudContainer.List")
	defer span.End()

	marker, err := decodeToken(token)
	if err != nil {
		return feed.Page[Object]{}, err
	}
	if marker == nil {
		marker = blob.FirstPageToken
	}

	objs, next, err := b.bucket.ListPage(ctx, marker, b.pageSize, nil)
	if err != nil {
		return feed.Page[Object]{}, trace.NewError(span, "failed to list blobs: %w", err)
	}

	page := feed.Page[Object]{Next: encodeToken(next)}
	for _, obj := range objs {
		if obj.IsDir {
			continue
		}
		page.Items = append(page.Items, Object{Key: obj.Key, Size: obj.Size, ModTime: obj.ModTime})
	}

	span.SetAttributes(attribute.Int("blobs", len(page.Items)), attribute.Bool("more", page.More()))

	return page, nil
}

// Upload writes r to key. gocloud.dev sniffs the content type when none is given.
func (b *GocloudContainer) Upload(ctx context.Context, key string, r io.Reader, opts UploadOptions) (*TransferInfo, error) {
	ctx, span := trace.Start(ctx, "GocloudContainer.Upload")
	defer span.End()

	if err := validateKey(key); err != nil {
		return nil, err
	}

	start := time.Now()

	writer, err := b.bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: opts.ContentType})
	if err != nil {
		return nil, trace.NewError(span, "failed to create blob writer: %w", err)
	}

	bytesWritten, err := io.Copy(writer, r)
	if err != nil {
		_ = writer.Close()
		return nil, trace.NewError(span, "failed to copy payload to blob %s: %w", key, err)
	}

	// closing the writer commits the upload
	if err := writer.Close(); err != nil {
		return nil, trace.NewError(span, "failed to close blob writer: %w", err)
	}

	info := newTransferInfo(bytesWritten, start, "")

	span.SetAttributes(
		attribute.Int64("bytes_transferred", bytesWritten),
		attribute.String("transfer_speed", fmt.Sprintf("%.2fMB/s", info.TransferSpeed)),
		attribute.String("blob_key", key),
	)

	return info, nil
}

func (b *GocloudContainer) Download(ctx context.Context, key string, w io.Writer) (*TransferInfo, error) {
	ctx, span := trace.Start(ctx, "GocloudContainer.Download")
	defer span.End()

	if err := validateKey(key); err != nil {
		return nil, err
	}

	start := time.Now()

	reader, err := b.bucket.NewReader(ctx, key, nil)
	if err != nil {
		span.RecordError(err)
		return nil, mapGocloudError(err, key)
	}
	defer reader.Close()

	bytesWritten, err := io.Copy(w, reader)
	if err != nil {
		return nil, trace.NewError(span, "failed to copy blob %s: %w", key, err)
	}

	info := newTransferInfo(bytesWritten, start, "")

	span.SetAttributes(
		attribute.Int64("bytes_transferred", bytesWritten),
		attribute.String("transfer_speed", fmt.Sprintf("%.2fMB/s", info.TransferSpeed)),
		attribute.String("blob_key", key),
	)

	return info, nil
}

func (b *GocloudContainer) Delete(ctx context.Context, key string) error {
	ctx, span := trace.Start(ctx, "GocloudContainer.Delete")
	defer span.End()

	if err := validateKey(key); err != nil {
		return err
	}

	span.SetAttributes(attribute.String("blob_key", key))

	if err := b.bucket.Delete(ctx, key); err != nil {
		span.RecordError(err)
		return mapGocloudError(err, key)
	}

	return nil
}

// Close closes the underlying bucket connection
func (b *GocloudContainer) Close() error {
	return b.bucket.Close()
}

func mapGocloudError(err error, key string) error {
	if gcerrors.Code(err) == gcerrors.NotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return fmt.Errorf("blob %s: %w", key, err)
}
