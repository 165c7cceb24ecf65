// Package docdb provides access to a remote document collection whose items carry
// binary attachments.
//
// Two backends are provided:
//
//   - docstore: gocloud.dev/docstore, e.g. "mem://items/id" for local runs or
//     "mongo://database/items?id_field=id" for the Azure Cosmos DB Mongo API.
//   - dynamodb: a single DynamoDB table holding items and their attachments,
//     partitioned by item ID, e.g. "dynamodb://attachments?region=us-east-1".
//
// Listings are paginated with opaque feed tokens which are only ever valid for
// the listing that issued them.
package docdb

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cosmoblob/attachments/feed"
)

const (
	// DocstoreBackend selects the gocloud.dev/docstore backend.
	DocstoreBackend = "docstore"
	// DynamoDBBackend selects the DynamoDB backend.
	DynamoDBBackend = "dynamodb"

	// DefaultContentType is used when an attachment has no content type.
	DefaultContentType = "application/octet-stream"
)

var (
	// ErrNotFound is returned when an item or attachment does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidKey is returned for empty or malformed item and attachment IDs.
	ErrInvalidKey = errors.New("invalid key")
)

// Item is a record in the collection. Only the identifier is read.
type Item struct {
	ID string
}

// Attachment is a binary payload bound to exactly one Item. ID is unique within
// the owning item.
type Attachment struct {
	ItemID      string
	ID          string
	ContentType string
	Size        int64
}

// Collection is the set of collection operations used by the demo scenarios.
// The partition key of every attachment operation is the owning item's ID.
type Collection interface {
	// Init creates the collection if it does not exist yet.
	Init(ctx context.Context) error

	// UpsertItem creates or replaces the item keyed by item.ID.
	UpsertItem(ctx context.Context, item Item) error

	// CreateAttachment stores the payload read from r under the attachment's item.
	// The item must already exist. An existing attachment with the same ID is replaced.
	CreateAttachment(ctx context.Context, attachment Attachment, r io.Reader) error

	// ListItems returns the page of items identified by token.
	ListItems(ctx context.Context, token feed.Token) (feed.Page[Item], error)

	// ListAttachments returns the page of attachments of one item identified by token.
	ListAttachments(ctx context.Context, itemID string, token feed.Token) (feed.Page[Attachment], error)

	// ReadAttachment returns the full payload of an attachment.
	ReadAttachment(ctx context.Context, itemID, attachmentID string) ([]byte, error)

	// DeleteAttachment removes an attachment, leaving its item in place. A missing
	// attachment is reported as a *NotFoundError.
	DeleteAttachment(ctx context.Context, itemID, attachmentID string) error

	Close() error
}

// NotFoundError reports a missing item or attachment.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// Options configures a collection backend.
type Options struct {
	// Backend is one of DocstoreBackend or DynamoDBBackend.
	Backend string
	// ItemsURL locates the items collection, or the table for DynamoDB.
	ItemsURL string
	// AttachmentsURL locates the attachments collection (docstore only).
	AttachmentsURL string
	// PageSize is the maximum number of entries per listing page, zero lets the server decide.
	PageSize int
}

// IsValidBackend reports whether backend names a supported collection backend.
func IsValidBackend(backend string) bool {
	switch backend {
	case DocstoreBackend, DynamoDBBackend:
		return true
	default:
		return false
	}
}

// NewCollection opens the collection described by opts.
func NewCollection(ctx context.Context, opts Options) (Collection, error) {
	switch opts.Backend {
	case DocstoreBackend:
		return NewDocstoreCollection(ctx, opts.ItemsURL, opts.AttachmentsURL, opts.PageSize)
	case DynamoDBBackend:
		return NewDynamoCollection(ctx, opts.ItemsURL, opts.PageSize)
	default:
		return nil, fmt.Errorf("unsupported collection backend: %s", opts.Backend)
	}
}

func validateKeys(keys ...string) error {
	for _, key := range keys {
		if key == "" {
			return fmt.Errorf("%w: key cannot be empty", ErrInvalidKey)
		}
	}
	return nil
}
