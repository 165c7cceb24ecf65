// Package attachments runs the demo scenarios that move files between a local
// directory, a document collection whose items carry binary attachments, and a
// flat blob container.
//
// The main entry point is NewDemo, which binds the service handles and local
// directories used by every scenario:
//
//	collection, err := docdb.NewCollection(ctx, docdb.Options{
//	    Backend:        docdb.DocstoreBackend,
//	    ItemsURL:       "mem://items/id",
//	    AttachmentsURL: "mem://attachments/key",
//	})
//	container, err := store.NewContainer(ctx, store.GocloudStore, "azblob://blobs", 0)
//
//	demo, err := attachments.NewDemo(attachments.Config{
//	    Collection:  collection,
//	    Container:   container,
//	    SourceDir:   "source",
//	    TargetDir:   "target",
//	    Concurrency: 8,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := demo.Initialize(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := demo.UploadAttachments(ctx)
//
// Every scenario fails fast: the first error aborts it once all transfers of the
// current batch have settled, and no partial count is reported.
package attachments

import (
	"errors"
	"time"

	"github.com/cosmoblob/attachments/docdb"
	"github.com/cosmoblob/attachments/internal/transfer"
	"github.com/cosmoblob/attachments/store"
)

// Sentinel errors for common scenarios
var (
	// ErrInvalidConfiguration is returned when configuration validation fails
	// during demo creation.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrUnknownScenario is returned by Run for a scenario name it does not know.
	ErrUnknownScenario = errors.New("unknown scenario")
)

// Scenario names one of the demo actions.
type Scenario string

const (
	ScenarioUploadAttachments   Scenario = "Upload Attachments"
	ScenarioDownloadAttachments Scenario = "Download Attachments"
	ScenarioDeleteAttachments   Scenario = "Delete Attachments"
	ScenarioUploadBlobs         Scenario = "Upload Blobs"
	ScenarioDownloadBlobs       Scenario = "Download Blobs"
	ScenarioDeleteBlobs         Scenario = "Delete Blobs"
	ScenarioCopyAttachments     Scenario = "Copy Attachments to Blobs"
)

// Scenarios lists every scenario in menu order.
var Scenarios = []Scenario{
	ScenarioUploadAttachments,
	ScenarioDownloadAttachments,
	ScenarioDeleteAttachments,
	ScenarioUploadBlobs,
	ScenarioDownloadBlobs,
	ScenarioDeleteBlobs,
	ScenarioCopyAttachments,
}

// Progress stages reported to the ProgressCallback.
const (
	StagePhase       = "phase"
	StageScheduled   = "scheduled"
	StageTransferred = "transferred"
	StageComplete    = "complete"
)

// Demo runs the scenarios against one document collection and one blob container.
//
// A Demo is safe for sequential reuse across scenarios. Running two scenarios at
// the same time against the same target directory is not supported.
type Demo struct {
	collection  docdb.Collection
	container   store.Container
	sourceDir   string
	targetDir   string
	coordinator *transfer.Coordinator
	onProgress  ProgressCallback
}

// Config holds all configuration for creating a Demo.
type Config struct {
	// Collection is the document collection holding items and attachments (required).
	Collection docdb.Collection

	// Container is the flat blob container (required).
	Container store.Container

	// SourceDir supplies the files for the upload scenarios, one file per item or blob (required).
	SourceDir string

	// TargetDir receives the files of the download scenarios. Its top-level files
	// are removed before every download run (required).
	TargetDir string

	// Concurrency bounds the number of transfers in flight within one batch.
	// Zero or less launches a whole batch at once.
	Concurrency int

	// OnProgress is an optional callback for progress updates. It may be called
	// from multiple goroutines at once and must be thread-safe.
	OnProgress ProgressCallback
}

// ProgressCallback is called as scenarios schedule and finish transfers.
//
// Parameters:
//   - stage: StagePhase, StageScheduled, StageTransferred or StageComplete.
//   - message: A human-readable description of the current action.
//   - current: Transfers finished so far in the scenario.
//   - total: Transfers scheduled so far in the scenario (0 if unknown).
type ProgressCallback func(stage string, message string, current int, total int)

// Result summarises one scenario run.
type Result struct {
	Scenario Scenario

	// Count is the number of transfers the scenario scheduled. A scenario that
	// returns an error reports no count.
	Count int

	// Bytes is the number of payload bytes moved.
	Bytes int64

	// Duration is the end-to-end duration of the scenario.
	Duration time.Duration
}
