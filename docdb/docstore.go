package docdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/cosmoblob/attachments/feed"
	"github.com/cosmoblob/attachments/internal/trace"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"gocloud.dev/docstore"
	_ "gocloud.dev/docstore/memdocstore"  // In-memory driver for local runs and tests
	_ "gocloud.dev/docstore/mongodocstore" // MongoDB driver, also serves the Cosmos DB Mongo API
	"gocloud.dev/gcerrors"
)

const positionAfter = "after"

type itemDoc struct {
	ID string `docstore:"id"`
}

type attachmentDoc struct {
	Key          string `docstore:"key"`
	ItemID       string `docstore:"item_id"`
	AttachmentID string `docstore:"attachment_id"`
	ContentType  string `docstore:"content_type"`
	Size         int64  `docstore:"size"`
	Media        []byte `docstore:"media"`
}

// attachmentKey joins the escaped item and attachment IDs, so a "/" inside either
// ID can never make two attachments share a key.
func attachmentKey(itemID, attachmentID string) string {
	return url.PathEscape(itemID) + "/" + url.PathEscape(attachmentID)
}

// DocstoreCollection implements Collection on two gocloud.dev/docstore collections,
// one for items keyed by "id" and one for attachments keyed by "key".
//
// Listings use keyset pagination: each page is ordered by key and the token records
// the last key returned, so entries removed between pages never shift the listing.
type DocstoreCollection struct {
	items       *docstore.Collection
	attachments *docstore.Collection
	pageSize    int
}

// Ensure DocstoreCollection implements the Collection interface
var _ Collection = (*DocstoreCollection)(nil)

// NewDocstoreCollection opens the items and attachments collections.
// For local development: "mem://items/id" and "mem://attachments/key".
// For Cosmos DB (Mongo API): "mongo://db/items?id_field=id" and "mongo://db/attachments?id_field=key".
func NewDocstoreCollection(ctx context.Context, itemsURL, attachmentsURL string, pageSize int) (*DocstoreCollection, error) {
	items, err := docstore.OpenCollection(ctx, itemsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open items collection: %w", err)
	}

	attachments, err := docstore.OpenCollection(ctx, attachmentsURL)
	if err != nil {
		_ = items.Close()
		return nil, fmt.Errorf("failed to open attachments collection: %w", err)
	}

	log.Debug().
		Str("items_url", itemsURL).
		Str("attachments_url", attachmentsURL).
		Int("page_size", pageSize).
		Msg("configured docstore collections")

	return &DocstoreCollection{
		items:       items,
		attachments: attachments,
		pageSize:    pageSize,
	}, nil
}

// Init is a no-op: docstore collections are created on first write.
func (c *DocstoreCollection) Init(ctx context.Context) error {
	return nil
}

func (c *DocstoreCollection) UpsertItem(ctx context.Context, item Item) error {
	ctx, span := trace.Start(ctx, "DocstoreCollection.UpsertItem")
	defer span.End()

	if err := validateKeys(item.ID); err != nil {
		return err
	}

	span.SetAttributes(attribute.String("item_id", item.ID))

	if err := c.items.Put(ctx, &itemDoc{ID: item.ID}); err != nil {
		return trace.NewError(span, "failed to upsert item %s: %w", item.ID, err)
	}

	return nil
}

func (c *DocstoreCollection) CreateAttachment(ctx context.Context, attachment Attachment, r io.Reader) error {
	ctx, span := trace.Start(ctx, "DocstoreCollection.CreateAttachment")
	defer span.End()

	if err := validateKeys(attachment.ItemID, attachment.ID); err != nil {
		return err
	}

	span.SetAttributes(
		attribute.String("item_id", attachment.ItemID),
		attribute.String("attachment_id", attachment.ID),
	)

	// the parent item must exist before an attachment can reference it
	if err := c.items.Get(ctx, &itemDoc{ID: attachment.ItemID}); err != nil {
		return mapDocstoreError(err, "item", attachment.ItemID)
	}

	media, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read attachment media: %w", err)
	}

	contentType := attachment.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}

	doc := &attachmentDoc{
		Key:          attachmentKey(attachment.ItemID, attachment.ID),
		ItemID:       attachment.ItemID,
		AttachmentID: attachment.ID,
		ContentType:  contentType,
		Size:         int64(len(media)),
		Media:        media,
	}

	if err := c.attachments.Put(ctx, doc); err != nil {
		return trace.NewError(span, "failed to create attachment %s: %w", doc.Key, err)
	}

	span.SetAttributes(attribute.Int64("bytes_transferred", doc.Size))

	return nil
}

func (c *DocstoreCollection) ListItems(ctx context.Context, token feed.Token) (feed.Page[Item], error) {
	ctx, span := trace.Start(ctx, "DocstoreCollection.ListItems")
	defer span.End()

	after, err := positionFromToken(token)
	if err != nil {
		return feed.Page[Item]{}, err
	}

	q := c.items.Query().
		Where("id", ">", after).
		OrderBy("id", docstore.Ascending)
	if c.pageSize > 0 {
		q = q.Limit(c.pageSize)
	}

	iter := q.Get(ctx)
	defer iter.Stop()

	var page feed.Page[Item]
	for {
		var doc itemDoc
		err := iter.Next(ctx, &doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return feed.Page[Item]{}, trace.NewError(span, "failed to list items: %w", err)
		}
		page.Items = append(page.Items, Item{ID: doc.ID})
	}

	if c.pageSize > 0 && len(page.Items) == c.pageSize {
		page.Next, err = encodeToken(map[string]string{positionAfter: page.Items[len(page.Items)-1].ID})
		if err != nil {
			return feed.Page[Item]{}, err
		}
	}

	span.SetAttributes(attribute.Int("items", len(page.Items)), attribute.Bool("more", page.More()))

	return page, nil
}

func (c *DocstoreCollection) ListAttachments(ctx context.Context, itemID string, token feed.Token) (feed.Page[Attachment], error) {
	ctx, span := trace.Start(ctx, "DocstoreCollection.ListAttachments")
	defer span.End()

	if err := validateKeys(itemID); err != nil {
		return feed.Page[Attachment]{}, err
	}

	span.SetAttributes(attribute.String("item_id", itemID))

	after, err := positionFromToken(token)
	if err != nil {
		return feed.Page[Attachment]{}, err
	}

	q := c.attachments.Query().
		Where("item_id", "=", itemID).
		Where("attachment_id", ">", after).
		OrderBy("attachment_id", docstore.Ascending)
	if c.pageSize > 0 {
		q = q.Limit(c.pageSize)
	}

	// skip the media field, payloads are read one at a time with ReadAttachment
	iter := q.Get(ctx, "key", "item_id", "attachment_id", "content_type", "size")
	defer iter.Stop()

	var page feed.Page[Attachment]
	for {
		var doc attachmentDoc
		err := iter.Next(ctx, &doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return feed.Page[Attachment]{}, trace.NewError(span, "failed to list attachments of %s: %w", itemID, err)
		}
		page.Items = append(page.Items, Attachment{
			ItemID:      doc.ItemID,
			ID:          doc.AttachmentID,
			ContentType: doc.ContentType,
			Size:        doc.Size,
		})
	}

	if c.pageSize > 0 && len(page.Items) == c.pageSize {
		page.Next, err = encodeToken(map[string]string{positionAfter: page.Items[len(page.Items)-1].ID})
		if err != nil {
			return feed.Page[Attachment]{}, err
		}
	}

	span.SetAttributes(attribute.Int("attachments", len(page.Items)), attribute.Bool("more", page.More()))

	return page, nil
}

func (c *DocstoreCollection) ReadAttachment(ctx context.Context, itemID, attachmentID string) ([]byte, error) {
	ctx, span := trace.Start(ctx, "DocstoreCollection.ReadAttachment")
	defer span.End()

	if err := validateKeys(itemID, attachmentID); err != nil {
		return nil, err
	}

	doc := &attachmentDoc{Key: attachmentKey(itemID, attachmentID)}
	if err := c.attachments.Get(ctx, doc); err != nil {
		span.RecordError(err)
		return nil, mapDocstoreError(err, "attachment", itemID+"/"+attachmentID)
	}

	span.SetAttributes(
		attribute.String("attachment_key", doc.Key),
		attribute.Int64("bytes_transferred", int64(len(doc.Media))),
	)

	return bytes.Clone(doc.Media), nil
}

func (c *DocstoreCollection) DeleteAttachment(ctx context.Context, itemID, attachmentID string) error {
	ctx, span := trace.Start(ctx, "DocstoreCollection.DeleteAttachment")
	defer span.End()

	if err := validateKeys(itemID, attachmentID); err != nil {
		return err
	}

	key := attachmentKey(itemID, attachmentID)
	span.SetAttributes(attribute.String("attachment_key", key))

	// docstore deletes of a missing key succeed, check first so every backend reports ErrNotFound
	if err := c.attachments.Get(ctx, &attachmentDoc{Key: key}, "key"); err != nil {
		span.RecordError(err)
		return mapDocstoreError(err, "attachment", itemID+"/"+attachmentID)
	}

	if err := c.attachments.Delete(ctx, &attachmentDoc{Key: key}); err != nil {
		span.RecordError(err)
		return mapDocstoreError(err, "attachment", itemID+"/"+attachmentID)
	}

	return nil
}

// Close closes both underlying collections.
func (c *DocstoreCollection) Close() error {
	return errors.Join(c.items.Close(), c.attachments.Close())
}

func positionFromToken(token feed.Token) (string, error) {
	position, err := decodeToken(token)
	if err != nil {
		return "", err
	}
	return position[positionAfter], nil
}

func mapDocstoreError(err error, kind, key string) error {
	if gcerrors.Code(err) == gcerrors.NotFound {
		return &NotFoundError{Kind: kind, Key: key}
	}
	return fmt.Errorf("%s %s: %w", kind, key, err)
}
