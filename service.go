package attachments

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/cosmoblob/attachments/docdb"
	"github.com/cosmoblob/attachments/feed"
	"github.com/cosmoblob/attachments/internal/trace"
	"github.com/cosmoblob/attachments/internal/transfer"
	"github.com/rs/zerolog/log"
)

// NewDemo creates and validates a new Demo.
//
// Returns an error wrapping ErrInvalidConfiguration when a required field is missing.
func NewDemo(cfg Config) (*Demo, error) {
	if cfg.Collection == nil {
		return nil, fmt.Errorf("%w: a document collection is required", ErrInvalidConfiguration)
	}

	if cfg.Container == nil {
		return nil, fmt.Errorf("%w: a blob container is required", ErrInvalidConfiguration)
	}

	if cfg.SourceDir == "" {
		return nil, fmt.Errorf("%w: a source directory is required", ErrInvalidConfiguration)
	}

	if cfg.TargetDir == "" {
		return nil, fmt.Errorf("%w: a target directory is required", ErrInvalidConfiguration)
	}

	return &Demo{
		collection:  cfg.Collection,
		container:   cfg.Container,
		sourceDir:   cfg.SourceDir,
		targetDir:   cfg.TargetDir,
		coordinator: transfer.New(cfg.Concurrency),
		onProgress:  cfg.OnProgress,
	}, nil
}

// Initialize creates the document collection if it does not exist yet and checks
// the blob container is reachable.
func (d *Demo) Initialize(ctx context.Context) error {
	ctx, span := trace.Start(ctx, "Demo.Initialize")
	defer span.End()

	if err := d.collection.Init(ctx); err != nil {
		return trace.NewError(span, "failed to initialize collection: %w", err)
	}

	if err := d.container.Init(ctx); err != nil {
		return trace.NewError(span, "failed to initialize container: %w", err)
	}

	return nil
}

// Run dispatches to the scenario method named by scenario.
func (d *Demo) Run(ctx context.Context, scenario Scenario) (Result, error) {
	switch scenario {
	case ScenarioUploadAttachments:
		return d.UploadAttachments(ctx)
	case ScenarioDownloadAttachments:
		return d.DownloadAttachments(ctx)
	case ScenarioDeleteAttachments:
		return d.DeleteAttachments(ctx)
	case ScenarioUploadBlobs:
		return d.UploadBlobs(ctx)
	case ScenarioDownloadBlobs:
		return d.DownloadBlobs(ctx)
	case ScenarioDeleteBlobs:
		return d.DeleteBlobs(ctx)
	case ScenarioCopyAttachments:
		return d.CopyAttachmentsToBlobs(ctx)
	default:
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownScenario, scenario)
	}
}

// progress tracks the running counters of one scenario.
type progress struct {
	demo      *Demo
	scheduled atomic.Int64
	finished  atomic.Int64
	bytes     atomic.Int64
}

func (d *Demo) newProgress() *progress {
	return &progress{demo: d}
}

func (p *progress) schedule(message string, args ...any) {
	p.scheduled.Add(1)
	p.demo.callProgress(StageScheduled, fmt.Sprintf(message, args...), int(p.finished.Load()), int(p.scheduled.Load()))
}

func (p *progress) transferred(n int64, message string, args ...any) {
	p.bytes.Add(n)
	finished := p.finished.Add(1)
	p.demo.callProgress(StageTransferred, fmt.Sprintf(message, args...), int(finished), int(p.scheduled.Load()))
}

// runBatch joins a batch and folds its scheduled count into total.
func (d *Demo) runBatch(ctx context.Context, tasks []transfer.Task, total *int) error {
	if len(tasks) == 0 {
		return nil
	}

	n, err := d.coordinator.Run(ctx, tasks)
	if err != nil {
		return err
	}

	*total += n
	return nil
}

// phase announces the next step of a scenario.
func (d *Demo) phase(message string) {
	d.callProgress(StagePhase, message, 0, 0)
}

// callProgress safely calls the progress callback if it exists
func (d *Demo) callProgress(stage string, message string, current int, total int) {
	if d.onProgress != nil {
		// a panicking callback must not take a transfer down with it
		defer func() {
			if r := recover(); r != nil {
				log.Warn().Interface("panic", r).Msg("progress callback panicked")
			}
		}()
		d.onProgress(stage, message, current, total)
	}
}

// forEachAttachmentPage walks every item and, per item, every page of its
// attachments. Each item gets a fresh attachment listing starting from the first page.
func (d *Demo) forEachAttachmentPage(ctx context.Context, fn func(ctx context.Context, attachments []docdb.Attachment) error) error {
	for item, err := range feed.All(ctx, d.collection.ListItems) {
		if err != nil {
			return fmt.Errorf("failed to list items: %w", err)
		}

		listAttachments := func(ctx context.Context, token feed.Token) (feed.Page[docdb.Attachment], error) {
			return d.collection.ListAttachments(ctx, item.ID, token)
		}

		for page, err := range feed.Pages(ctx, listAttachments) {
			if err != nil {
				return fmt.Errorf("failed to list attachments of item %s: %w", item.ID, err)
			}

			if len(page.Items) == 0 {
				continue
			}

			if err := fn(ctx, page.Items); err != nil {
				return err
			}
		}
	}

	return nil
}
