package store

import (
	"context"
	"fmt"
	"io"

	"github.com/cosmoblob/attachments/feed"
)

// Container defines the operations on a flat blob container.
type Container interface {
	// Init verifies the container is reachable.
	Init(ctx context.Context) error

	// List returns the page of blobs identified by token.
	List(ctx context.Context, token feed.Token) (feed.Page[Object], error)

	// Upload writes the payload read from r to key, replacing any existing blob.
	Upload(ctx context.Context, key string, r io.Reader, opts UploadOptions) (*TransferInfo, error)

	// Download copies the blob stored under key to w.
	Download(ctx context.Context, key string, w io.Writer) (*TransferInfo, error)

	// Delete removes the blob stored under key.
	Delete(ctx context.Context, key string) error

	Close() error
}

// NewContainer opens the container at bucketURL with the given store type.
// pageSize bounds the number of blobs per listing page, zero uses the driver default.
func NewContainer(ctx context.Context, storeType, bucketURL string, pageSize int) (Container, error) {
	switch storeType {
	case GocloudStore:
		return NewGocloudContainer(ctx, bucketURL, pageSize)
	case S3Store:
		return NewS3Container(ctx, bucketURL, pageSize)
	case MinioStore:
		return NewMinioContainer(ctx, bucketURL, pageSize)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", storeType)
	}
}
