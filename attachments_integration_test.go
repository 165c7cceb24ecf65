package attachments

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cosmoblob/attachments/docdb"
	"github.com/cosmoblob/attachments/feed"
	"github.com/cosmoblob/attachments/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"
)

var collectionSeq atomic.Int64

type testEnv struct {
	demo       *Demo
	collection docdb.Collection
	container  store.Container
	sourceDir  string
	targetDir  string
}

type envOption func(*Config)

func withCollection(wrap func(docdb.Collection) docdb.Collection) envOption {
	return func(cfg *Config) {
		cfg.Collection = wrap(cfg.Collection)
	}
}

func withConcurrency(n int) envOption {
	return func(cfg *Config) {
		cfg.Concurrency = n
	}
}

func withProgress(cb ProgressCallback) envOption {
	return func(cfg *Config) {
		cfg.OnProgress = cb
	}
}

// newTestEnv wires a Demo to in-memory services with small pages so every
// scenario crosses page boundaries.
func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	ctx := context.Background()
	n := collectionSeq.Add(1)

	collection, err := docdb.NewDocstoreCollection(ctx,
		fmt.Sprintf("mem://items%d/id", n),
		fmt.Sprintf("mem://attachments%d/key", n),
		2,
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = collection.Close() })

	container := store.NewGocloudContainerFromBucket(memblob.OpenBucket(nil), 2)
	t.Cleanup(func() { _ = container.Close() })

	root := t.TempDir()
	cfg := Config{
		Collection:  collection,
		Container:   container,
		SourceDir:   filepath.Join(root, "source"),
		TargetDir:   filepath.Join(root, "target"),
		Concurrency: 4,
	}
	require.NoError(t, os.MkdirAll(cfg.SourceDir, 0o755))

	for _, opt := range opts {
		opt(&cfg)
	}

	demo, err := NewDemo(cfg)
	require.NoError(t, err)
	require.NoError(t, demo.Initialize(ctx))

	return &testEnv{
		demo:       demo,
		collection: cfg.Collection,
		container:  container,
		sourceDir:  cfg.SourceDir,
		targetDir:  cfg.TargetDir,
	}
}

func (e *testEnv) writeSource(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(e.sourceDir, name), []byte(content), 0o600))
}

func (e *testEnv) targetFiles(t *testing.T) map[string]string {
	t.Helper()

	entries, err := os.ReadDir(e.targetDir)
	require.NoError(t, err)

	files := map[string]string{}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(e.targetDir, entry.Name()))
		require.NoError(t, err)
		files[entry.Name()] = string(data)
	}
	return files
}

func TestNewDemo_InvalidConfiguration(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing collection", cfg: Config{SourceDir: "s", TargetDir: "t"}},
		{name: "missing container", cfg: Config{Collection: &docdb.DocstoreCollection{}, SourceDir: "s", TargetDir: "t"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDemo(tt.cfg)
			require.ErrorIs(t, err, ErrInvalidConfiguration)
		})
	}
}

func TestDemo_AttachmentRoundTrip(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	env.writeSource(t, "a.txt", "hello")

	result, err := env.demo.UploadAttachments(ctx)
	require.NoError(t, err)
	assert.Equal(t, ScenarioUploadAttachments, result.Scenario)
	assert.Equal(t, 1, result.Count)
	assert.Equal(t, int64(5), result.Bytes)

	attachments, err := feed.Collect(ctx, func(ctx context.Context, token feed.Token) (feed.Page[docdb.Attachment], error) {
		return env.collection.ListAttachments(ctx, "a.txt", token)
	})
	require.NoError(t, err)
	require.Len(t, attachments, 1)
	assert.Equal(t, "a.txt", attachments[0].ID)
	assert.True(t, strings.HasPrefix(attachments[0].ContentType, "text/plain"))

	result, err = env.demo.DownloadAttachments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Count)

	assert.Equal(t, map[string]string{"a.txt": "hello"}, env.targetFiles(t))
}

func TestDemo_UploadAttachmentsAcrossPages(t *testing.T) {
	ctx := context.Background()

	var (
		mu       sync.Mutex
		messages []string
	)
	env := newTestEnv(t, withProgress(func(stage, message string, current, total int) {
		mu.Lock()
		defer mu.Unlock()
		if stage == StageComplete {
			messages = append(messages, message)
		}
	}))

	for i := range 5 {
		env.writeSource(t, fmt.Sprintf("file-%d.txt", i), fmt.Sprintf("payload %d", i))
	}

	result, err := env.demo.UploadAttachments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Count)
	assert.Equal(t, []string{"Finished uploading 5 attachments"}, messages)

	items, err := feed.Collect(ctx, env.collection.ListItems)
	require.NoError(t, err)
	assert.Len(t, items, 5)

	result, err = env.demo.DownloadAttachments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Count)
	assert.Len(t, env.targetFiles(t), 5)
}

func TestDemo_ReportsPhasesAndScheduledTasks(t *testing.T) {
	ctx := context.Background()

	var (
		mu        sync.Mutex
		phases    []string
		scheduled []string
	)
	env := newTestEnv(t, withConcurrency(1), withProgress(func(stage, message string, current, total int) {
		mu.Lock()
		defer mu.Unlock()
		switch stage {
		case StagePhase:
			phases = append(phases, message)
		case StageScheduled:
			scheduled = append(scheduled, message)
		}
	}))

	env.writeSource(t, "a.txt", "hello")

	_, err := env.demo.UploadAttachments(ctx)
	require.NoError(t, err)
	_, err = env.demo.DownloadAttachments(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"Upserting parent documents ...",
		"Uploading attachments ...",
		"Clearing target directory ...",
		"Downloading attachments ...",
	}, phases)
	assert.Equal(t, []string{
		"Scheduled task to upload file: a.txt",
		"Scheduled task to download attachment: a.txt",
	}, scheduled)
}

func TestDemo_CopyAttachmentsToBlobs(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	require.NoError(t, env.collection.UpsertItem(ctx, docdb.Item{ID: "doc1"}))
	require.NoError(t, env.collection.CreateAttachment(ctx, docdb.Attachment{ItemID: "doc1", ID: "att1"}, bytes.NewReader([]byte{1, 2, 3})))

	result, err := env.demo.CopyAttachmentsToBlobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Count)
	assert.Equal(t, int64(3), result.Bytes)

	var buf bytes.Buffer
	_, err = env.container.Download(ctx, "doc1-att1", &buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, buf.Bytes())
}

func TestDemo_DownloadClearsTargetIdempotently(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	env.writeSource(t, "a.txt", "hello")
	env.writeSource(t, "b.txt", "world")
	_, err := env.demo.UploadBlobs(ctx)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(env.targetDir, "keep"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(env.targetDir, "stale.txt"), []byte("old"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(env.targetDir, "keep", "nested.txt"), []byte("nested"), 0o600))

	_, err = env.demo.DownloadBlobs(ctx)
	require.NoError(t, err)
	first := env.targetFiles(t)

	_, err = env.demo.DownloadBlobs(ctx)
	require.NoError(t, err)
	second := env.targetFiles(t)

	assert.Equal(t, map[string]string{"a.txt": "hello", "b.txt": "world"}, first)
	assert.Equal(t, first, second)

	// clearing is not recursive
	nested, err := os.ReadFile(filepath.Join(env.targetDir, "keep", "nested.txt"))
	require.NoError(t, err)
	assert.Equal(t, "nested", string(nested))
}

func TestDemo_BlobLifecycle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, withConcurrency(1))

	for i := range 5 {
		env.writeSource(t, fmt.Sprintf("blob-%d.bin", i), strings.Repeat("x", i+1))
	}

	result, err := env.demo.UploadBlobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Count)
	assert.Equal(t, int64(15), result.Bytes)

	result, err = env.demo.DownloadBlobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Count)
	assert.Len(t, env.targetFiles(t), 5)

	result, err = env.demo.DeleteBlobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Count)

	objects, err := feed.Collect(ctx, env.container.List)
	require.NoError(t, err)
	assert.Empty(t, objects)
}

// diskWatchingContainer records how many payload bytes already sit in the target
// directory, temp files included, each time a download starts.
type diskWatchingContainer struct {
	store.Container
	targetDir string

	mu     sync.Mutex
	onDisk []int64
}

func (c *diskWatchingContainer) Download(ctx context.Context, key string, w io.Writer) (*store.TransferInfo, error) {
	entries, err := os.ReadDir(c.targetDir)
	if err != nil {
		return nil, err
	}

	var total int64
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
	}

	c.mu.Lock()
	c.onDisk = append(c.onDisk, total)
	c.mu.Unlock()

	return c.Container.Download(ctx, key, w)
}

func TestDemo_DownloadBlobsStreamsToDisk(t *testing.T) {
	ctx := context.Background()

	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { _ = bucket.Close() })

	// a single page holds every blob
	env := newTestEnv(t, withConcurrency(1))
	watching := &diskWatchingContainer{
		Container: store.NewGocloudContainerFromBucket(bucket, 0),
		targetDir: env.targetDir,
	}

	demo, err := NewDemo(Config{
		Collection:  env.collection,
		Container:   watching,
		SourceDir:   env.sourceDir,
		TargetDir:   env.targetDir,
		Concurrency: 1,
	})
	require.NoError(t, err)

	for i := range 5 {
		env.writeSource(t, fmt.Sprintf("blob-%d.bin", i), "abc")
	}

	_, err = demo.UploadBlobs(ctx)
	require.NoError(t, err)

	result, err := demo.DownloadBlobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Count)

	// each payload is on disk before the next download starts
	assert.Equal(t, []int64{0, 3, 6, 9, 12}, watching.onDisk)

	files := env.targetFiles(t)
	require.Len(t, files, 5)
	for name, content := range files {
		assert.False(t, strings.HasPrefix(name, "."), "temp file %s left behind", name)
		assert.Equal(t, "abc", content)
	}
}

func TestDemo_DeleteAttachmentsKeepsItems(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	for i := range 3 {
		env.writeSource(t, fmt.Sprintf("file-%d.txt", i), "data")
	}
	_, err := env.demo.UploadAttachments(ctx)
	require.NoError(t, err)

	result, err := env.demo.DeleteAttachments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Count)

	items, err := feed.Collect(ctx, env.collection.ListItems)
	require.NoError(t, err)
	assert.Len(t, items, 3)

	for _, item := range items {
		page, err := env.collection.ListAttachments(ctx, item.ID, "")
		require.NoError(t, err)
		assert.Empty(t, page.Items)
	}

	result, err = env.demo.DownloadAttachments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Count)
}

// recordingCollection records the token of every attachment listing call.
type recordingCollection struct {
	docdb.Collection

	mu    sync.Mutex
	calls []listCall
}

type listCall struct {
	itemID string
	token  feed.Token
}

func (c *recordingCollection) ListAttachments(ctx context.Context, itemID string, token feed.Token) (feed.Page[docdb.Attachment], error) {
	c.mu.Lock()
	c.calls = append(c.calls, listCall{itemID: itemID, token: token})
	c.mu.Unlock()
	return c.Collection.ListAttachments(ctx, itemID, token)
}

func TestDemo_AttachmentListingRestartsPerItem(t *testing.T) {
	ctx := context.Background()

	recorder := &recordingCollection{}
	env := newTestEnv(t, withCollection(func(c docdb.Collection) docdb.Collection {
		recorder.Collection = c
		return recorder
	}))

	for _, itemID := range []string{"doc1", "doc2"} {
		require.NoError(t, env.collection.UpsertItem(ctx, docdb.Item{ID: itemID}))
		for j := range 3 {
			id := fmt.Sprintf("att%d", j)
			require.NoError(t, env.collection.CreateAttachment(ctx, docdb.Attachment{ItemID: itemID, ID: id}, strings.NewReader(itemID+id)))
		}
	}

	result, err := env.demo.CopyAttachmentsToBlobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, result.Count)

	// every item's listing starts from the first page and is driven to
	// exhaustion before the next item is listed
	var order []string
	for i, call := range recorder.calls {
		if i == 0 || recorder.calls[i-1].itemID != call.itemID {
			assert.Equal(t, feed.Token(""), call.token, "first attachment listing of %s", call.itemID)
			order = append(order, call.itemID)
		} else {
			assert.NotEmpty(t, call.token)
		}
	}
	assert.Equal(t, []string{"doc1", "doc2"}, order)
	assert.Len(t, recorder.calls, 4)
}

// failingCollection fails ReadAttachment for one attachment ID.
type failingCollection struct {
	docdb.Collection
	failID string
	reads  atomic.Int32
}

var errInjected = errors.New("injected read failure")

func (c *failingCollection) ReadAttachment(ctx context.Context, itemID, attachmentID string) ([]byte, error) {
	c.reads.Add(1)
	if attachmentID == c.failID {
		return nil, errInjected
	}
	return c.Collection.ReadAttachment(ctx, itemID, attachmentID)
}

func TestDemo_DownloadFailsFast(t *testing.T) {
	ctx := context.Background()

	failing := &failingCollection{failID: "att0"}
	env := newTestEnv(t, withCollection(func(c docdb.Collection) docdb.Collection {
		failing.Collection = c
		return failing
	}))

	require.NoError(t, env.collection.UpsertItem(ctx, docdb.Item{ID: "doc1"}))
	require.NoError(t, env.collection.CreateAttachment(ctx, docdb.Attachment{ItemID: "doc1", ID: "att0"}, strings.NewReader("a")))
	require.NoError(t, env.collection.CreateAttachment(ctx, docdb.Attachment{ItemID: "doc1", ID: "att1"}, strings.NewReader("b")))
	require.NoError(t, env.collection.UpsertItem(ctx, docdb.Item{ID: "doc2"}))
	require.NoError(t, env.collection.CreateAttachment(ctx, docdb.Attachment{ItemID: "doc2", ID: "att2"}, strings.NewReader("c")))

	result, err := env.demo.DownloadAttachments(ctx)
	require.ErrorIs(t, err, errInjected)
	assert.Equal(t, Result{}, result)

	// the sibling in the failing batch settled, no later batch was started
	assert.Equal(t, int32(2), failing.reads.Load())
	assert.Empty(t, env.targetFiles(t))
}

func TestDemo_Run(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	env.writeSource(t, "a.txt", "hello")

	for _, scenario := range Scenarios {
		result, err := env.demo.Run(ctx, scenario)
		require.NoError(t, err, scenario)
		assert.Equal(t, scenario, result.Scenario)
	}

	_, err := env.demo.Run(ctx, Scenario("Format Disk"))
	require.ErrorIs(t, err, ErrUnknownScenario)
}

func TestBlobKey(t *testing.T) {
	assert.Equal(t, "doc1-att1", BlobKey("doc1", "att1"))
	assert.True(t, slices.Contains(Scenarios, ScenarioCopyAttachments))
}
