package attachments

import (
	"context"
	"fmt"
	"time"

	"github.com/cosmoblob/attachments/docdb"
	"github.com/cosmoblob/attachments/feed"
	"github.com/cosmoblob/attachments/internal/trace"
	"github.com/cosmoblob/attachments/internal/transfer"
	"go.opentelemetry.io/otel/attribute"
)

// DeleteAttachments removes every attachment of every item. Items are kept.
func (d *Demo) DeleteAttachments(ctx context.Context) (Result, error) {
	ctx, span := trace.Start(ctx, "Demo.DeleteAttachments")
	defer span.End()

	start := time.Now()

	d.phase("Deleting attachments ...")

	p := d.newProgress()
	count := 0

	err := d.forEachAttachmentPage(ctx, func(ctx context.Context, page []docdb.Attachment) error {
		tasks := make([]transfer.Task, 0, len(page))
		for _, attachment := range page {
			tasks = append(tasks, func(ctx context.Context) error {
				if err := d.collection.DeleteAttachment(ctx, attachment.ItemID, attachment.ID); err != nil {
					return fmt.Errorf("failed to delete attachment %s/%s: %w", attachment.ItemID, attachment.ID, err)
				}
				p.transferred(0, "Deleted attachment: %s", attachment.ID)
				return nil
			})
			p.schedule("Scheduled task to delete attachment: %s", attachment.ID)
		}

		return d.runBatch(ctx, tasks, &count)
	})
	if err != nil {
		return Result{}, trace.NewError(span, "failed to delete attachments: %w", err)
	}

	d.callProgress(StageComplete, fmt.Sprintf("Finished deleting %d attachments", count), count, count)

	span.SetAttributes(attribute.Int("count", count))

	return Result{
		Scenario: ScenarioDeleteAttachments,
		Count:    count,
		Duration: time.Since(start),
	}, nil
}

// DeleteBlobs removes every blob of the container.
func (d *Demo) DeleteBlobs(ctx context.Context) (Result, error) {
	ctx, span := trace.Start(ctx, "Demo.DeleteBlobs")
	defer span.End()

	start := time.Now()

	d.phase("Deleting blobs ...")

	p := d.newProgress()
	count := 0

	for page, err := range feed.Pages(ctx, d.container.List) {
		if err != nil {
			return Result{}, trace.NewError(span, "failed to list blobs: %w", err)
		}

		tasks := make([]transfer.Task, 0, len(page.Items))
		for _, obj := range page.Items {
			tasks = append(tasks, func(ctx context.Context) error {
				if err := d.container.Delete(ctx, obj.Key); err != nil {
					return fmt.Errorf("failed to delete blob %s: %w", obj.Key, err)
				}
				p.transferred(0, "Deleted blob: %s", obj.Key)
				return nil
			})
			p.schedule("Scheduled task to delete blob: %s", obj.Key)
		}

		if err := d.runBatch(ctx, tasks, &count); err != nil {
			return Result{}, trace.NewError(span, "failed to delete blobs: %w", err)
		}
	}

	d.callProgress(StageComplete, fmt.Sprintf("Finished deleting %d blobs", count), count, count)

	span.SetAttributes(attribute.Int("count", count))

	return Result{
		Scenario: ScenarioDeleteBlobs,
		Count:    count,
		Duration: time.Since(start),
	}, nil
}
