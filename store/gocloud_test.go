package store

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/cosmoblob/attachments/feed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"
)

func newMemContainer(t *testing.T, pageSize int) *GocloudContainer {
	t.Helper()

	c := NewGocloudContainerFromBucket(memblob.OpenBucket(nil), pageSize)
	t.Cleanup(func() { _ = c.Close() })

	return c
}

func TestGocloudContainer_UploadDownloadDelete(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()
	c := newMemContainer(t, 0)

	assert.NoError(c.Init(ctx))

	info, err := c.Upload(ctx, "a.txt", strings.NewReader("hello"), UploadOptions{ContentType: "text/plain", Size: 5})
	assert.NoError(err)
	assert.Equal(int64(5), info.BytesTransferred)

	// uploads overwrite
	_, err = c.Upload(ctx, "a.txt", strings.NewReader("hello again"), UploadOptions{Size: -1})
	assert.NoError(err)

	var buf bytes.Buffer
	info, err = c.Download(ctx, "a.txt", &buf)
	assert.NoError(err)
	assert.Equal("hello again", buf.String())
	assert.Equal(int64(11), info.BytesTransferred)

	assert.NoError(c.Delete(ctx, "a.txt"))

	_, err = c.Download(ctx, "a.txt", &buf)
	assert.ErrorIs(err, ErrNotFound)

	assert.ErrorIs(c.Delete(ctx, "a.txt"), ErrNotFound)
}

func TestGocloudContainer_ListPaginates(t *testing.T) {
	tests := []struct {
		name      string
		blobs     int
		pageSize  int
		wantPages int
	}{
		{name: "several pages", blobs: 5, pageSize: 2, wantPages: 3},
		{name: "single page", blobs: 5, pageSize: 0, wantPages: 1},
		{name: "empty container", blobs: 0, pageSize: 2, wantPages: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			c := newMemContainer(t, tt.pageSize)

			for i := range tt.blobs {
				_, err := c.Upload(ctx, fmt.Sprintf("blob-%02d", i), strings.NewReader("x"), UploadOptions{Size: 1})
				require.NoError(t, err)
			}

			pages := 0
			var keys []string
			for page, err := range feed.Pages(ctx, c.List) {
				require.NoError(t, err)
				pages++
				for _, obj := range page.Items {
					keys = append(keys, obj.Key)
					assert.Equal(t, int64(1), obj.Size)
				}
			}

			assert.Equal(t, tt.wantPages, pages)
			require.Len(t, keys, tt.blobs)
			for i, key := range keys {
				assert.Equal(t, fmt.Sprintf("blob-%02d", i), key)
			}
		})
	}
}

func TestGocloudContainer_RejectsEmptyKey(t *testing.T) {
	c := newMemContainer(t, 0)

	_, err := c.Upload(context.Background(), "", strings.NewReader("x"), UploadOptions{Size: 1})
	require.Error(t, err)
}

func TestNewContainer_UnsupportedStore(t *testing.T) {
	_, err := NewContainer(context.Background(), "ftp", "ftp://example", 0)
	require.Error(t, err)
	assert.False(t, IsValidStore("ftp"))
	assert.True(t, IsValidStore(GocloudStore))
}
