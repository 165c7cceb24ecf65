package attachments

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/cosmoblob/attachments/docdb"
	"github.com/cosmoblob/attachments/internal/trace"
	"github.com/cosmoblob/attachments/internal/transfer"
	"github.com/cosmoblob/attachments/store"
	"go.opentelemetry.io/otel/attribute"
)

// BlobKey is the name of the blob an attachment is copied to.
func BlobKey(itemID, attachmentID string) string {
	return itemID + "-" + attachmentID
}

// CopyAttachmentsToBlobs copies every attachment to a blob named
// "<item ID>-<attachment ID>". Each payload is read fully into memory before
// it is uploaded.
func (d *Demo) CopyAttachmentsToBlobs(ctx context.Context) (Result, error) {
	ctx, span := trace.Start(ctx, "Demo.CopyAttachmentsToBlobs")
	defer span.End()

	start := time.Now()

	d.phase("Copying attachments to blobs ...")

	p := d.newProgress()
	count := 0

	err := d.forEachAttachmentPage(ctx, func(ctx context.Context, page []docdb.Attachment) error {
		tasks := make([]transfer.Task, 0, len(page))
		for _, attachment := range page {
			blobKey := BlobKey(attachment.ItemID, attachment.ID)

			tasks = append(tasks, func(ctx context.Context) error {
				data, err := d.collection.ReadAttachment(ctx, attachment.ItemID, attachment.ID)
				if err != nil {
					return fmt.Errorf("failed to read attachment %s/%s: %w", attachment.ItemID, attachment.ID, err)
				}

				opts := store.UploadOptions{ContentType: attachment.ContentType, Size: int64(len(data))}
				info, err := d.container.Upload(ctx, blobKey, bytes.NewReader(data), opts)
				if err != nil {
					return fmt.Errorf("failed to upload blob %s: %w", blobKey, err)
				}

				p.transferred(info.BytesTransferred,
					"Copied attachment. Document Id: %s, Attachment Id: %s, Blob Id: %s",
					attachment.ItemID, attachment.ID, blobKey)
				return nil
			})
			p.schedule("Scheduled task to copy attachment: %s", attachment.ID)
		}

		return d.runBatch(ctx, tasks, &count)
	})
	if err != nil {
		return Result{}, trace.NewError(span, "failed to copy attachments: %w", err)
	}

	d.callProgress(StageComplete, fmt.Sprintf("Finished copying %d attachments", count), count, count)

	span.SetAttributes(attribute.Int("count", count), attribute.Int64("bytes", p.bytes.Load()))

	return Result{
		Scenario: ScenarioCopyAttachments,
		Count:    count,
		Bytes:    p.bytes.Load(),
		Duration: time.Since(start),
	}, nil
}
