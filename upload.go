package attachments

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cosmoblob/attachments/docdb"
	"github.com/cosmoblob/attachments/internal/trace"
	"github.com/cosmoblob/attachments/internal/transfer"
	"github.com/cosmoblob/attachments/store"
	"go.opentelemetry.io/otel/attribute"
)

// UploadAttachments creates one item per source file and attaches the file's
// contents to it.
//
// The upload runs in two joined phases: every item is upserted first, then one
// attachment is created per file with the file name as both the item ID and the
// attachment ID. Count is the number of attachment transfers scheduled.
func (d *Demo) UploadAttachments(ctx context.Context) (Result, error) {
	ctx, span := trace.Start(ctx, "Demo.UploadAttachments")
	defer span.End()

	start := time.Now()

	files, err := listSourceFiles(d.sourceDir)
	if err != nil {
		return Result{}, trace.NewError(span, "failed to list source files: %w", err)
	}

	d.phase("Upserting parent documents ...")

	upserts := make([]transfer.Task, 0, len(files))
	for _, file := range files {
		upserts = append(upserts, func(ctx context.Context) error {
			if err := d.collection.UpsertItem(ctx, docdb.Item{ID: file.Name}); err != nil {
				return fmt.Errorf("failed to upsert item %s: %w", file.Name, err)
			}
			return nil
		})
	}

	if _, err := d.coordinator.Run(ctx, upserts); err != nil {
		return Result{}, trace.NewError(span, "failed to upsert items: %w", err)
	}

	d.phase("Uploading attachments ...")

	p := d.newProgress()

	handles, closeAll := openFiles()
	defer closeAll()

	tasks := make([]transfer.Task, 0, len(files))
	for _, file := range files {
		contentType := detectContentType(file.Path)

		f, err := handles(file.Path)
		if err != nil {
			return Result{}, trace.NewError(span, "failed to open source file: %w", err)
		}

		attachment := docdb.Attachment{
			ItemID:      file.Name,
			ID:          file.Name,
			ContentType: contentType,
			Size:        file.Size,
		}

		tasks = append(tasks, func(ctx context.Context) error {
			if err := d.collection.CreateAttachment(ctx, attachment, f); err != nil {
				return fmt.Errorf("failed to upload attachment %s: %w", file.Name, err)
			}
			p.transferred(file.Size, "Uploaded attachment: %s", file.Name)
			return nil
		})

		p.schedule("Scheduled task to upload file: %s", file.Name)
	}

	count := 0
	if err := d.runBatch(ctx, tasks, &count); err != nil {
		return Result{}, trace.NewError(span, "failed to upload attachments: %w", err)
	}

	d.callProgress(StageComplete, fmt.Sprintf("Finished uploading %d attachments", count), count, count)

	span.SetAttributes(attribute.Int("count", count), attribute.Int64("bytes", p.bytes.Load()))

	return Result{
		Scenario: ScenarioUploadAttachments,
		Count:    count,
		Bytes:    p.bytes.Load(),
		Duration: time.Since(start),
	}, nil
}

// UploadBlobs uploads every source file to a blob named after the file,
// replacing existing blobs.
func (d *Demo) UploadBlobs(ctx context.Context) (Result, error) {
	ctx, span := trace.Start(ctx, "Demo.UploadBlobs")
	defer span.End()

	start := time.Now()

	files, err := listSourceFiles(d.sourceDir)
	if err != nil {
		return Result{}, trace.NewError(span, "failed to list source files: %w", err)
	}

	d.phase("Uploading blobs ...")

	p := d.newProgress()

	handles, closeAll := openFiles()
	defer closeAll()

	tasks := make([]transfer.Task, 0, len(files))
	for _, file := range files {
		opts := store.UploadOptions{
			ContentType: detectContentType(file.Path),
			Size:        file.Size,
		}

		f, err := handles(file.Path)
		if err != nil {
			return Result{}, trace.NewError(span, "failed to open source file: %w", err)
		}

		tasks = append(tasks, func(ctx context.Context) error {
			info, err := d.container.Upload(ctx, file.Name, f, opts)
			if err != nil {
				return fmt.Errorf("failed to upload blob %s: %w", file.Name, err)
			}
			p.transferred(info.BytesTransferred, "Uploaded blob: %s", file.Name)
			return nil
		})

		p.schedule("Scheduled task to upload file: %s", file.Name)
	}

	count := 0
	if err := d.runBatch(ctx, tasks, &count); err != nil {
		return Result{}, trace.NewError(span, "failed to upload blobs: %w", err)
	}

	d.callProgress(StageComplete, fmt.Sprintf("Finished uploading %d blobs", count), count, count)

	span.SetAttributes(attribute.Int("count", count), attribute.Int64("bytes", p.bytes.Load()))

	return Result{
		Scenario: ScenarioUploadBlobs,
		Count:    count,
		Bytes:    p.bytes.Load(),
		Duration: time.Since(start),
	}, nil
}

// openFiles returns an opener that remembers every file it opens and a func
// closing all of them.
func openFiles() (func(path string) (*os.File, error), func()) {
	var opened []*os.File

	open := func(path string) (*os.File, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		opened = append(opened, f)
		return f, nil
	}

	closeAll := func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}

	return open, closeAll
}
