package docdb

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/cosmoblob/attachments/feed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var collectionSeq atomic.Int64

// newMemCollection opens uniquely named in-memory collections so tests never share state.
func newMemCollection(t *testing.T, pageSize int) *DocstoreCollection {
	t.Helper()

	n := collectionSeq.Add(1)
	c, err := NewDocstoreCollection(context.Background(),
		fmt.Sprintf("mem://items%d/id", n),
		fmt.Sprintf("mem://attachments%d/key", n),
		pageSize,
	)
	require.NoError(t, err)

	t.Cleanup(func() { _ = c.Close() })

	return c
}

func TestDocstoreCollection_ListItemsPaginates(t *testing.T) {
	tests := []struct {
		name      string
		items     int
		pageSize  int
		wantPages int
	}{
		{name: "partial last page", items: 5, pageSize: 2, wantPages: 3},
		{name: "full last page is followed by an empty page", items: 4, pageSize: 2, wantPages: 3},
		{name: "server decides page size", items: 7, pageSize: 0, wantPages: 1},
		{name: "empty collection", items: 0, pageSize: 3, wantPages: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			c := newMemCollection(t, tt.pageSize)

			for i := range tt.items {
				require.NoError(t, c.UpsertItem(ctx, Item{ID: fmt.Sprintf("item-%02d", i)}))
			}

			pages := 0
			var ids []string
			for page, err := range feed.Pages(ctx, c.ListItems) {
				require.NoError(t, err)
				pages++
				for _, item := range page.Items {
					ids = append(ids, item.ID)
				}
			}

			assert.Equal(t, tt.wantPages, pages)
			require.Len(t, ids, tt.items)
			for i, id := range ids {
				assert.Equal(t, fmt.Sprintf("item-%02d", i), id)
			}
		})
	}
}

func TestDocstoreCollection_UpsertItemIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := newMemCollection(t, 0)

	require.NoError(t, c.UpsertItem(ctx, Item{ID: "a.txt"}))
	require.NoError(t, c.UpsertItem(ctx, Item{ID: "a.txt"}))

	items, err := feed.Collect(ctx, c.ListItems)
	require.NoError(t, err)
	assert.Equal(t, []Item{{ID: "a.txt"}}, items)
}

func TestDocstoreCollection_AttachmentRoundTrip(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()
	c := newMemCollection(t, 0)

	assert.NoError(c.UpsertItem(ctx, Item{ID: "a.txt"}))
	assert.NoError(c.CreateAttachment(ctx, Attachment{ItemID: "a.txt", ID: "a.txt"}, strings.NewReader("hello")))

	attachments, err := feed.Collect(ctx, func(ctx context.Context, token feed.Token) (feed.Page[Attachment], error) {
		return c.ListAttachments(ctx, "a.txt", token)
	})
	assert.NoError(err)
	assert.Equal([]Attachment{{ItemID: "a.txt", ID: "a.txt", ContentType: DefaultContentType, Size: 5}}, attachments)

	media, err := c.ReadAttachment(ctx, "a.txt", "a.txt")
	assert.NoError(err)
	assert.Equal([]byte("hello"), media)

	assert.NoError(c.DeleteAttachment(ctx, "a.txt", "a.txt"))

	_, err = c.ReadAttachment(ctx, "a.txt", "a.txt")
	assert.ErrorIs(err, ErrNotFound)

	// the item outlives its attachments
	items, err := feed.Collect(ctx, c.ListItems)
	assert.NoError(err)
	assert.Len(items, 1)
}

func TestDocstoreCollection_CreateAttachmentRequiresItem(t *testing.T) {
	ctx := context.Background()
	c := newMemCollection(t, 0)

	err := c.CreateAttachment(ctx, Attachment{ItemID: "missing", ID: "att"}, strings.NewReader("x"))
	require.ErrorIs(t, err, ErrNotFound)

	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "item", notFound.Kind)
	assert.Equal(t, "missing", notFound.Key)
}

func TestDocstoreCollection_ListAttachmentsScopedToItem(t *testing.T) {
	ctx := context.Background()
	c := newMemCollection(t, 2)

	for _, itemID := range []string{"doc1", "doc2"} {
		require.NoError(t, c.UpsertItem(ctx, Item{ID: itemID}))
	}
	for i := range 3 {
		id := fmt.Sprintf("att%d", i)
		require.NoError(t, c.CreateAttachment(ctx, Attachment{ItemID: "doc1", ID: id, ContentType: "text/plain"}, strings.NewReader(id)))
	}
	require.NoError(t, c.CreateAttachment(ctx, Attachment{ItemID: "doc2", ID: "other"}, strings.NewReader("x")))

	attachments, err := feed.Collect(ctx, func(ctx context.Context, token feed.Token) (feed.Page[Attachment], error) {
		return c.ListAttachments(ctx, "doc1", token)
	})
	require.NoError(t, err)
	require.Len(t, attachments, 3)
	for i, attachment := range attachments {
		assert.Equal(t, "doc1", attachment.ItemID)
		assert.Equal(t, fmt.Sprintf("att%d", i), attachment.ID)
		assert.Equal(t, "text/plain", attachment.ContentType)
	}
}

func TestDocstoreCollection_SlashedIDsDoNotCollide(t *testing.T) {
	ctx := context.Background()
	c := newMemCollection(t, 0)

	require.NoError(t, c.UpsertItem(ctx, Item{ID: "a"}))
	require.NoError(t, c.UpsertItem(ctx, Item{ID: "a/b"}))
	require.NoError(t, c.CreateAttachment(ctx, Attachment{ItemID: "a", ID: "b/c"}, strings.NewReader("first")))
	require.NoError(t, c.CreateAttachment(ctx, Attachment{ItemID: "a/b", ID: "c"}, strings.NewReader("second")))

	for _, tt := range []struct {
		itemID, attachmentID, want string
	}{
		{"a", "b/c", "first"},
		{"a/b", "c", "second"},
	} {
		attachments, err := feed.Collect(ctx, func(ctx context.Context, token feed.Token) (feed.Page[Attachment], error) {
			return c.ListAttachments(ctx, tt.itemID, token)
		})
		require.NoError(t, err)
		require.Len(t, attachments, 1, "item %s", tt.itemID)
		assert.Equal(t, tt.attachmentID, attachments[0].ID)

		media, err := c.ReadAttachment(ctx, tt.itemID, tt.attachmentID)
		require.NoError(t, err)
		assert.Equal(t, tt.want, string(media))
	}
}

func TestDocstoreCollection_DeleteMissingAttachment(t *testing.T) {
	ctx := context.Background()
	c := newMemCollection(t, 0)

	require.NoError(t, c.UpsertItem(ctx, Item{ID: "doc1"}))

	err := c.DeleteAttachment(ctx, "doc1", "att1")
	require.ErrorIs(t, err, ErrNotFound)

	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "doc1/att1", notFound.Key)
}

func TestDocstoreCollection_RejectsEmptyKeys(t *testing.T) {
	ctx := context.Background()
	c := newMemCollection(t, 0)

	require.ErrorIs(t, c.UpsertItem(ctx, Item{}), ErrInvalidKey)
	require.ErrorIs(t, c.DeleteAttachment(ctx, "doc1", ""), ErrInvalidKey)

	_, err := c.ListAttachments(ctx, "", "")
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestDocstoreCollection_InvalidToken(t *testing.T) {
	c := newMemCollection(t, 0)

	_, err := c.ListItems(context.Background(), feed.Token("not base64!"))
	require.Error(t, err)
}
