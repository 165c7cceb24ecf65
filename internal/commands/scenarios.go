package commands

import (
	"context"
	"fmt"

	"github.com/cosmoblob/attachments"
)

type UploadAttachmentsCmd struct{}

func (cmd *UploadAttachmentsCmd) Run(ctx context.Context, globals *Globals) error {
	return runSingle(ctx, globals, attachments.ScenarioUploadAttachments)
}

type DownloadAttachmentsCmd struct{}

func (cmd *DownloadAttachmentsCmd) Run(ctx context.Context, globals *Globals) error {
	return runSingle(ctx, globals, attachments.ScenarioDownloadAttachments)
}

type DeleteAttachmentsCmd struct{}

func (cmd *DeleteAttachmentsCmd) Run(ctx context.Context, globals *Globals) error {
	return runSingle(ctx, globals, attachments.ScenarioDeleteAttachments)
}

type UploadBlobsCmd struct{}

func (cmd *UploadBlobsCmd) Run(ctx context.Context, globals *Globals) error {
	return runSingle(ctx, globals, attachments.ScenarioUploadBlobs)
}

type DownloadBlobsCmd struct{}

func (cmd *DownloadBlobsCmd) Run(ctx context.Context, globals *Globals) error {
	return runSingle(ctx, globals, attachments.ScenarioDownloadBlobs)
}

type DeleteBlobsCmd struct{}

func (cmd *DeleteBlobsCmd) Run(ctx context.Context, globals *Globals) error {
	return runSingle(ctx, globals, attachments.ScenarioDeleteBlobs)
}

type CopyAttachmentsCmd struct{}

func (cmd *CopyAttachmentsCmd) Run(ctx context.Context, globals *Globals) error {
	return runSingle(ctx, globals, attachments.ScenarioCopyAttachments)
}

func runSingle(ctx context.Context, globals *Globals, scenario attachments.Scenario) error {
	if err := validateFlags(globals.Common); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	return runScenario(ctx, globals, scenario)
}
