package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	"github.com/cosmoblob/attachments"
	"github.com/cosmoblob/attachments/docdb"
	"github.com/cosmoblob/attachments/internal/commands"
	"github.com/cosmoblob/attachments/internal/console"
	"github.com/cosmoblob/attachments/internal/trace"
	"github.com/cosmoblob/attachments/store"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	version           = "dev"
	defaultConfigPath = "attachments.yml"

	cli struct {
		Version       kong.VersionFlag
		Debug         bool            `help:"Enable debug mode." default:"false" env:"ATTACHMENTS_DEBUG"`
		TraceExporter string          `flag:"trace-exporter" help:"The trace exporter to use. Defaults to 'noop'." default:"noop" enum:"noop,grpc" env:"ATTACHMENTS_TRACE_EXPORTER"`
		Config        kong.ConfigFlag `flag:"config" help:"The path to the configuration file. Defaults to attachments.yml" default:"${default_config_path}" env:"ATTACHMENTS_CONFIG"`

		commands.CommonFlags

		Menu                commands.MenuCmd                `cmd:"" default:"1" help:"run the interactive demo menu."`
		UploadAttachments   commands.UploadAttachmentsCmd   `cmd:"" help:"upload every source file as an item attachment."`
		DownloadAttachments commands.DownloadAttachmentsCmd `cmd:"" help:"download every attachment into the target directory."`
		DeleteAttachments   commands.DeleteAttachmentsCmd   `cmd:"" help:"delete every attachment."`
		UploadBlobs         commands.UploadBlobsCmd         `cmd:"" help:"upload every source file as a blob."`
		DownloadBlobs       commands.DownloadBlobsCmd       `cmd:"" help:"download every blob into the target directory."`
		DeleteBlobs         commands.DeleteBlobsCmd         `cmd:"" help:"delete every blob."`
		CopyAttachments     commands.CopyAttachmentsCmd     `cmd:"" help:"copy every attachment to a blob."`
	}
)

func main() {
	// a missing .env is fine, flags and the environment still apply
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// the first signal cancels the run, a second one falls through to the default handler
	go func() {
		<-ctx.Done()
		stop()
	}()

	// Overloads `cli` with configuration file values.
	cmd := kong.Parse(&cli,
		kong.Vars{"version": version, "default_config_path": defaultConfigPath},
		kong.NamedMapper("yamlfile", kongyaml.YAMLFileMapper),
		kong.Configuration(kongyaml.Loader),
		kong.BindTo(ctx, (*context.Context)(nil)))

	err := Run(ctx, cmd)
	cmd.FatalIfErrorf(err)
}

func Run(ctx context.Context, cmd *kong.Context) error {
	start := time.Now()

	if cli.Debug {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).Level(zerolog.DebugLevel)
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).Level(zerolog.ErrorLevel)
	}

	runID := uuid.NewString()
	log.Logger = log.With().Str("run_id", runID).Logger()

	tp, err := trace.NewProvider(ctx, cli.TraceExporter, "github.com/cosmoblob/attachments", version, runID)
	if err != nil {
		return fmt.Errorf("failed to create trace provider: %w", err)
	}
	defer func() {
		_ = tp.Shutdown(context.Background())
	}()

	printer := console.NewPrinter(os.Stderr)

	collection, err := docdb.NewCollection(ctx, docdb.Options{
		Backend:        cli.DocDB,
		ItemsURL:       cli.ItemsURL,
		AttachmentsURL: cli.AttachmentsURL,
		PageSize:       cli.PageSize,
	})
	if err != nil {
		return fmt.Errorf("failed to open document collection: %w", err)
	}
	defer collection.Close()

	container, err := store.NewContainer(ctx, cli.Store, cli.BucketURL, cli.PageSize)
	if err != nil {
		return fmt.Errorf("failed to open blob container: %w", err)
	}
	defer container.Close()

	demo, err := attachments.NewDemo(attachments.Config{
		Collection:  collection,
		Container:   container,
		SourceDir:   cli.Source,
		TargetDir:   cli.Target,
		Concurrency: cli.Concurrency,
		OnProgress:  commands.ProgressPrinter(printer),
	})
	if err != nil {
		return fmt.Errorf("failed to create demo: %w", err)
	}

	printer.Info("🗄️", "Initializing %s collection: %s ...", cli.DocDB, cli.ItemsURL)

	if err := demo.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize demo: %w", err)
	}

	err = cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version, RunID: runID, Printer: printer, Common: cli.CommonFlags, Demo: demo})
	if err != nil {
		return fmt.Errorf("command %s failed: %w", cmd.Command(), err)
	}

	printer.Info("✅", "%s completed successfully in %s", cmd.Command(), time.Since(start).String())

	return nil
}
