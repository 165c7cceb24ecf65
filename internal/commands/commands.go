package commands

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cosmoblob/attachments"
	"github.com/cosmoblob/attachments/docdb"
	"github.com/cosmoblob/attachments/internal/console"
	"github.com/cosmoblob/attachments/internal/trace"
	"github.com/cosmoblob/attachments/store"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

type CommonFlags struct {
	DocDB          string `flag:"docdb" help:"The document collection backend to use." enum:"docstore,dynamodb" default:"docstore" env:"ATTACHMENTS_DOCDB"`
	ItemsURL       string `flag:"items-url" help:"The items collection URL, or the DynamoDB table URL." default:"mem://items/id" env:"ATTACHMENTS_ITEMS_URL"`
	AttachmentsURL string `flag:"attachments-url" help:"The attachments collection URL (docstore only)." default:"mem://attachments/key" env:"ATTACHMENTS_ATTACHMENTS_URL"`
	Store          string `flag:"store" help:"The blob store to use." enum:"gocloud,s3,minio" default:"gocloud" env:"ATTACHMENTS_STORE"`
	BucketURL      string `flag:"bucket-url" help:"The bucket URL to use." default:"mem://" env:"ATTACHMENTS_BUCKET_URL"`
	PageSize       int    `flag:"page-size" help:"The maximum number of entries per listing page, zero lets the server decide." default:"0" env:"ATTACHMENTS_PAGE_SIZE"`
	Concurrency    int    `flag:"concurrency" help:"The maximum number of transfers in flight." default:"8" env:"ATTACHMENTS_CONCURRENCY"`
	Source         string `flag:"source" help:"The directory holding the files to upload." default:"source" env:"ATTACHMENTS_SOURCE" type:"path"`
	Target         string `flag:"target" help:"The directory receiving downloaded files." default:"target" env:"ATTACHMENTS_TARGET" type:"path"`
}

// Runner runs one named scenario.
type Runner interface {
	Run(ctx context.Context, scenario attachments.Scenario) (attachments.Result, error)
}

type Globals struct {
	Debug   bool
	Version string
	RunID   string
	Printer *console.Printer
	Common  CommonFlags
	Demo    Runner
}

// validateFlags checks the backend and store selections agree with their URLs.
func validateFlags(common CommonFlags) error {
	if !docdb.IsValidBackend(common.DocDB) {
		return fmt.Errorf("unsupported document backend: %s", common.DocDB)
	}

	switch common.DocDB {
	case docdb.DynamoDBBackend:
		if !strings.HasPrefix(common.ItemsURL, "dynamodb://") {
			return fmt.Errorf("items URL for dynamodb backend must start with 'dynamodb://'")
		}
	case docdb.DocstoreBackend:
		if common.ItemsURL == "" || common.AttachmentsURL == "" {
			return fmt.Errorf("docstore backend requires both items and attachments URLs")
		}
	}

	if !store.IsValidStore(common.Store) {
		return fmt.Errorf("unsupported blob store: %s", common.Store)
	}

	switch common.Store {
	case store.S3Store:
		if !strings.HasPrefix(common.BucketURL, "s3://") {
			return fmt.Errorf("bucket URL for s3 store must start with 's3://'")
		}
	case store.MinioStore:
		if !strings.HasPrefix(common.BucketURL, "minio://") {
			return fmt.Errorf("bucket URL for minio store must start with 'minio://'")
		}
	case store.GocloudStore:
		if common.BucketURL == "" {
			return fmt.Errorf("bucket URL is required for gocloud store")
		}
	}

	if common.Source == "" || common.Target == "" {
		return fmt.Errorf("source and target directories are required")
	}

	return nil
}

// runScenario runs one scenario and prints its summary table.
func runScenario(ctx context.Context, globals *Globals, scenario attachments.Scenario) error {
	ctx, span := trace.Start(ctx, "RunScenario")
	defer span.End()

	span.SetAttributes(
		attribute.String("scenario", string(scenario)),
		attribute.String("run_id", globals.RunID),
	)

	log.Debug().Str("scenario", string(scenario)).Str("run_id", globals.RunID).Msg("running scenario")

	globals.Printer.Info("🚀", "%s ...", scenario)

	result, err := globals.Demo.Run(ctx, scenario)
	if err != nil {
		globals.Printer.Error("❌", "%s failed: %s", scenario, err)
		return trace.NewError(span, "scenario %q failed: %w", scenario, err)
	}

	printSummary(globals.Printer, result)

	return nil
}

// ProgressPrinter reports scenario progress on printer. Transfers are counted
// against the tasks scheduled so far.
func ProgressPrinter(printer *console.Printer) attachments.ProgressCallback {
	return func(stage, message string, current, total int) {
		switch stage {
		case attachments.StageComplete:
			printer.Success("✅", "%s", message)
		case attachments.StageTransferred:
			printer.Info("📦", "[%d/%d] %s", current, total, message)
		case attachments.StagePhase:
			printer.Info("⏳", "%s", message)
		default:
			printer.Info("", "%s", message)
		}
	}
}

func printSummary(printer *console.Printer, result attachments.Result) {
	printer.Table(
		[]string{"Scenario", string(result.Scenario)},
		[]string{"Transfers", humanize.Comma(int64(result.Count))},
		[]string{"Bytes", humanize.Bytes(Int64ToUint64(result.Bytes))},
		[]string{"Duration", result.Duration.Round(time.Millisecond).String()},
		[]string{"Throughput", fmt.Sprintf("%.2f MB/s", throughput(result))},
	)
}

func throughput(result attachments.Result) float64 {
	seconds := result.Duration.Seconds()
	if seconds <= 0 {
		return 0.0
	}
	return float64(result.Bytes) / 1024 / 1024 / seconds
}

// Int64ToUint64 converts an int64 to uint64, handling negative values and max int64
func Int64ToUint64(x int64) uint64 {
	if x < 0 {
		return 0
	}
	if x == math.MaxInt64 {
		return math.MaxUint64
	}
	return uint64(x)
}
