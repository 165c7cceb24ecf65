package attachments

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cosmoblob/attachments/docdb"
	"github.com/cosmoblob/attachments/feed"
	"github.com/cosmoblob/attachments/internal/trace"
	"github.com/cosmoblob/attachments/internal/transfer"
	"github.com/cosmoblob/attachments/store"
	"go.opentelemetry.io/otel/attribute"
)

// DownloadAttachments clears the target directory and writes every attachment of
// every item to a file named by the attachment ID.
//
// Each transfer of a listing page streams into its own temp file in the target
// directory. After the batch joins the files are renamed into place in listing
// order, so when two items carry attachments with the same ID the one listed
// last wins.
func (d *Demo) DownloadAttachments(ctx context.Context) (Result, error) {
	ctx, span := trace.Start(ctx, "Demo.DownloadAttachments")
	defer span.End()

	start := time.Now()

	d.phase("Clearing target directory ...")

	if err := clearTarget(d.targetDir); err != nil {
		return Result{}, trace.NewError(span, "failed to clear target: %w", err)
	}

	d.phase("Downloading attachments ...")

	p := d.newProgress()
	count := 0

	err := d.forEachAttachmentPage(ctx, func(ctx context.Context, page []docdb.Attachment) error {
		staged := make([]*stagedFile, len(page))

		tasks := make([]transfer.Task, 0, len(page))
		for i, attachment := range page {
			tasks = append(tasks, func(ctx context.Context) error {
				data, err := d.collection.ReadAttachment(ctx, attachment.ItemID, attachment.ID)
				if err != nil {
					return fmt.Errorf("failed to download attachment %s/%s: %w", attachment.ItemID, attachment.ID, err)
				}

				file, err := stageFile(d.targetDir, attachment.ID, func(w io.Writer) error {
					_, err := w.Write(data)
					return err
				})
				if err != nil {
					return fmt.Errorf("failed to write attachment %s: %w", attachment.ID, err)
				}
				staged[i] = file

				p.transferred(int64(len(data)), "Downloaded attachment: %s", attachment.ID)
				return nil
			})
			p.schedule("Scheduled task to download attachment: %s", attachment.ID)
		}

		return commitStaged(staged, d.runBatch(ctx, tasks, &count))
	})
	if err != nil {
		return Result{}, trace.NewError(span, "failed to download attachments: %w", err)
	}

	d.callProgress(StageComplete, fmt.Sprintf("Finished downloading %d attachments", count), count, count)

	span.SetAttributes(attribute.Int("count", count), attribute.Int64("bytes", p.bytes.Load()))

	return Result{
		Scenario: ScenarioDownloadAttachments,
		Count:    count,
		Bytes:    p.bytes.Load(),
		Duration: time.Since(start),
	}, nil
}

// DownloadBlobs clears the target directory and writes every blob of the
// container to a file named by the blob key.
func (d *Demo) DownloadBlobs(ctx context.Context) (Result, error) {
	ctx, span := trace.Start(ctx, "Demo.DownloadBlobs")
	defer span.End()

	start := time.Now()

	d.phase("Clearing target directory ...")

	if err := clearTarget(d.targetDir); err != nil {
		return Result{}, trace.NewError(span, "failed to clear target: %w", err)
	}

	d.phase("Downloading blobs ...")

	p := d.newProgress()
	count := 0

	for page, err := range feed.Pages(ctx, d.container.List) {
		if err != nil {
			return Result{}, trace.NewError(span, "failed to list blobs: %w", err)
		}

		staged := make([]*stagedFile, len(page.Items))

		tasks := make([]transfer.Task, 0, len(page.Items))
		for i, obj := range page.Items {
			tasks = append(tasks, func(ctx context.Context) error {
				var info *store.TransferInfo

				file, err := stageFile(d.targetDir, obj.Key, func(w io.Writer) error {
					var err error
					info, err = d.container.Download(ctx, obj.Key, w)
					return err
				})
				if err != nil {
					return fmt.Errorf("failed to download blob %s: %w", obj.Key, err)
				}
				staged[i] = file

				p.transferred(info.BytesTransferred, "Downloaded blob: %s", obj.Key)
				return nil
			})
			p.schedule("Scheduled task to download blob: %s", obj.Key)
		}

		if err := commitStaged(staged, d.runBatch(ctx, tasks, &count)); err != nil {
			return Result{}, trace.NewError(span, "failed to download blobs: %w", err)
		}
	}

	d.callProgress(StageComplete, fmt.Sprintf("Finished downloading %d blobs", count), count, count)

	span.SetAttributes(attribute.Int("count", count), attribute.Int64("bytes", p.bytes.Load()))

	return Result{
		Scenario: ScenarioDownloadBlobs,
		Count:    count,
		Bytes:    p.bytes.Load(),
		Duration: time.Since(start),
	}, nil
}
