package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/finsync/internal/config"
	"github.com/dvloznov/finsync/internal/fees"
	"github.com/dvloznov/finsync/internal/feesource"
	"github.com/dvloznov/finsync/internal/gcs"
	infraBQ "github.com/dvloznov/finsync/internal/infra/bigquery"
	"github.com/dvloznov/finsync/internal/infra/postgres"
	"github.com/dvloznov/finsync/internal/logger"
	"github.com/dvloznov/finsync/internal/pipeline"
	"github.com/dvloznov/finsync/internal/retry"
	"github.com/dvloznov/finsync/internal/sftpsource"
	"github.com/dvloznov/finsync/internal/statements"
	"github.com/dvloznov/finsync/internal/transfer"
)

func main() {
	os.Exit(runMain(os.Args[1:], os.Stdout, os.Stderr))
}

func runMain(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return pipeline.ExitUsage
	}

	switch args[0] {
	case "run":
		return runSync(args[1:], stdout, stderr)
	case "select":
		return runSelect(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		printUsage(stdout)
		return pipeline.ExitOK
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", args[0])
		printUsage(stderr)
		return pipeline.ExitUsage
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "finsync - custodian statement and fee synchronization")
	fmt.Fprintln(w, "\nUsage:")
	fmt.Fprintln(w, "  finsync <command> [options]")
	fmt.Fprintln(w, "\nCommands:")
	fmt.Fprintln(w, "  run       Mirror the current statements and sync fee deductions")
	fmt.Fprintln(w, "  select    Show which remote statement files would be mirrored")
	fmt.Fprintln(w, "  status    Show sync status and table sizes of the fee store")
	fmt.Fprintln(w, "  help      Show this help message")
	fmt.Fprintln(w, "\nRun 'finsync <command> -h' for more information on a command.")
}

type commonFlags struct {
	envFile *string
	verbose *bool
	logFile *string
}

func addCommonFlags(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		envFile: fs.String("env-file", ".env", "Path to a .env file; variables already set take precedence"),
		verbose: fs.Bool("verbose", false, "Enable debug logging"),
		logFile: fs.String("log-file", "", "Also write JSON logs to this file"),
	}
}

// setup loads and validates the configuration and builds the logger.
// A non-zero code means the command must stop with that exit code.
func setup(c commonFlags, req config.Requirements, stderr io.Writer) (*config.Config, zerolog.Logger, io.Closer, int) {
	log, closer, err := logger.NewWithOptions(logger.Options{Verbose: *c.verbose, FilePath: *c.logFile})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, log, nil, pipeline.ExitUsage
	}

	cfg, err := config.Load(*c.envFile)
	if err == nil {
		err = cfg.Validate(req)
	}
	if err != nil {
		log.Error().Err(err).Msg("Configuration error")
		closer.Close()
		return nil, log, nil, pipeline.ExitUsage
	}
	return cfg, log, closer, pipeline.ExitOK
}

func runSync(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	common := addCommonFlags(fs)
	skipFiles := fs.Bool("skip-files", false, "Skip the statement file sync")
	skipFees := fs.Bool("skip-fees", false, "Skip the fee ingestion")
	skipAggregate := fs.Bool("skip-aggregate", false, "Skip rebuilding the fee summaries")
	skipSnapshot := fs.Bool("skip-snapshot", false, "Skip rebuilding the latest fee snapshot")
	export := fs.Bool("export", false, "Export the derived fee tables to BigQuery")
	fullResync := fs.Bool("full-resync", false, "Fetch every fee since the earliest booking date")
	downloadDir := fs.String("download-dir", "", "Local directory for downloaded statements (overrides DOWNLOAD_DIR)")
	deleteAfterUpload := fs.Bool("delete-after-upload", false, "Delete local copies once uploaded")
	failOnUploadErrors := fs.Bool("fail-on-upload-errors", true, "Exit non-zero when any statement could not be mirrored")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return pipeline.ExitOK
		}
		return pipeline.ExitUsage
	}

	req := config.Requirements{Files: !*skipFiles, Fees: !*skipFees, Store: true, Export: *export}
	cfg, log, closer, code := setup(common, req, stderr)
	if code != pipeline.ExitOK {
		return code
	}
	defer closer.Close()
	if *downloadDir != "" {
		cfg.DownloadDir = *downloadDir
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx, log)

	db, err := postgres.NewConnection(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect to the fee store")
		return pipeline.ExitFailed
	}
	defer db.Close()

	if err := postgres.EnsureSchema(cfg.DatabaseURL); err != nil {
		log.Error().Err(err).Msg("Failed to migrate the fee store")
		return pipeline.ExitFailed
	}

	lock, err := db.TryRunLock(ctx, postgres.DefaultRunLockKey)
	if err != nil {
		log.Error().Err(err).Msg("Cannot start sync run")
		return pipeline.ExitFailed
	}
	defer func() {
		if err := lock.Release(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to release run lock")
		}
	}()

	store := postgres.NewFeeStore(db, retry.DefaultPolicy())

	var phases []pipeline.Phase
	if !*skipFiles {
		p, cleanup := fileSyncPhase(ctx, cfg, *deleteAfterUpload)
		defer cleanup()
		phases = append(phases, p)
	}
	if !*skipFees {
		phases = append(phases, feeIngestPhase(ctx, cfg, store, *fullResync))
	}
	if !*skipAggregate {
		phases = append(phases, &pipeline.AggregatePhase{Aggregator: fees.NewAggregator(store)})
	}
	if !*skipSnapshot {
		phases = append(phases, &pipeline.SnapshotPhase{Builder: fees.NewSnapshotBuilder(store)})
	}
	if *export {
		p, cleanup := exportPhase(ctx, cfg, store)
		defer cleanup()
		phases = append(phases, p)
	}

	runner := pipeline.NewRunner(pipeline.Options{FailOnPartial: *failOnUploadErrors, Fatal: isFatal}, phases...)
	summary := runner.Run(ctx)
	if err := summary.Write(stdout); err != nil {
		log.Warn().Err(err).Msg("Failed to print run summary")
	}
	return summary.ExitCode()
}

// isFatal reports errors that make every later phase pointless.
func isFatal(err error) bool {
	return errors.Is(err, feesource.ErrUnauthorized) ||
		errors.Is(err, config.ErrInvalid) ||
		errors.Is(err, postgres.ErrRunLocked)
}

func sftpConfig(cfg *config.Config) sftpsource.Config {
	return sftpsource.Config{
		Host:       cfg.SFTPHost,
		Port:       cfg.SFTPPort,
		Username:   cfg.SFTPUsername,
		Password:   cfg.SFTPPassword,
		PrivateKey: cfg.SFTPPrivateKey,
		HostKey:    cfg.SFTPHostKey,
		RemoteDir:  cfg.SFTPRemoteDir,
		Timeout:    cfg.SFTPTimeout,
	}
}

func fileSyncPhase(ctx context.Context, cfg *config.Config, deleteAfterUpload bool) (pipeline.Phase, func()) {
	parser, err := statements.NewParser(statements.Codes{A: cfg.StatementTypeACode, B: cfg.StatementTypeBCode})
	if err != nil {
		return &failedPhase{name: pipeline.PhaseFileSync, err: fmt.Errorf("%w: %v", config.ErrInvalid, err)}, func() {}
	}

	bucket, err := gcs.NewBucketStore(ctx, cfg.MirrorBucket)
	if err != nil {
		return &failedPhase{name: pipeline.PhaseFileSync, err: err}, func() {}
	}

	remote := &lazySFTP{cfg: sftpConfig(cfg)}
	opts := transfer.DefaultOptions(cfg.DownloadDir)
	opts.DeleteAfterUpload = deleteAfterUpload

	p := &pipeline.FileSyncPhase{
		Catalog:  remote,
		Parser:   parser,
		Transfer: transfer.NewPipeline(remote, gcs.NewMirror(bucket, cfg.MirrorPrefix), opts),
	}
	return p, func() {
		remote.Close()
		bucket.Close()
	}
}

func feeIngestPhase(ctx context.Context, cfg *config.Config, store fees.RecordStore, fullResync bool) pipeline.Phase {
	client, err := feesource.New(ctx, feesource.Config{
		URL:          cfg.FeeAPIURL,
		Token:        cfg.FeeAPIToken,
		TokenURL:     cfg.FeeAPITokenURL,
		ClientID:     cfg.FeeAPIClientID,
		ClientSecret: cfg.FeeAPIClientSecret,
		PageSize:     cfg.FeePageSize,
		MaxPages:     cfg.FeeMaxPages,
	})
	if err != nil {
		return &failedPhase{name: pipeline.PhaseFeeIngest, err: err}
	}
	ingestor := fees.NewIngestor(client, store, fees.IngestorConfig{
		Overlap:    cfg.FeeLookback(),
		FullResync: fullResync,
	})
	return &pipeline.FeeIngestPhase{Ingestor: ingestor}
}

func exportPhase(ctx context.Context, cfg *config.Config, store pipeline.RecordLister) (pipeline.Phase, func()) {
	exporter, err := infraBQ.NewExporter(ctx, cfg.BigQueryProject, cfg.BigQueryDataset)
	if err != nil {
		return &failedPhase{name: pipeline.PhaseExport, err: err}, func() {}
	}
	return &pipeline.ExportPhase{Records: store, Exporter: exporter}, func() { exporter.Close() }
}

// failedPhase reports a setup error in place of the phase that could not be built.
type failedPhase struct {
	name pipeline.PhaseName
	err  error
}

func (p *failedPhase) Name() pipeline.PhaseName { return p.name }

func (p *failedPhase) Execute(ctx context.Context, state *pipeline.RunState) error {
	return fmt.Errorf("setting up %s: %w", p.name, p.err)
}

func runSelect(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("select", flag.ContinueOnError)
	fs.SetOutput(stderr)
	common := addCommonFlags(fs)
	showRejected := fs.Bool("rejected", true, "Also list the files that were not selected")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return pipeline.ExitOK
		}
		return pipeline.ExitUsage
	}

	cfg, log, closer, code := setup(common, config.Requirements{Files: true}, stderr)
	if code != pipeline.ExitOK {
		return code
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx, log)

	parser, err := statements.NewParser(statements.Codes{A: cfg.StatementTypeACode, B: cfg.StatementTypeBCode})
	if err != nil {
		log.Error().Err(err).Msg("Invalid statement type codes")
		return pipeline.ExitUsage
	}

	client, err := sftpsource.Dial(ctx, sftpConfig(cfg))
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect to the file source")
		return pipeline.ExitFailed
	}
	defer client.Close()

	names, err := client.ListFiles(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list remote files")
		return pipeline.ExitFailed
	}

	sel := statements.Select(parser, names)
	writeSelection(stdout, sel, *showRejected)
	return pipeline.ExitOK
}

func writeSelection(w io.Writer, sel statements.SelectionResult, showRejected bool) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Selected (%d)\n", len(sel.Selected))
	for _, d := range sel.Selected {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", d.Account, d.Type, d.Timestamp.Format(time.RFC3339), d.RawName)
	}
	if showRejected {
		fmt.Fprintf(tw, "Not selected (%d)\n", len(sel.Rejected))
		for _, r := range sel.Rejected {
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", r.RawName, r.Reason, r.Detail)
		}
	}
	tw.Flush()
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	common := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return pipeline.ExitOK
		}
		return pipeline.ExitUsage
	}

	cfg, log, closer, code := setup(common, config.Requirements{Store: true}, stderr)
	if code != pipeline.ExitOK {
		return code
	}
	defer closer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	version, dirty, err := postgres.SchemaVersion(cfg.DatabaseURL)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read schema version")
		return pipeline.ExitFailed
	}

	db, err := postgres.NewConnection(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect to the fee store")
		return pipeline.ExitFailed
	}
	defer db.Close()
	store := postgres.NewFeeStore(db, retry.DefaultPolicy())

	watermarks, err := store.ListWatermarks(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read watermarks")
		return pipeline.ExitFailed
	}
	counts, err := store.TableCounts(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to count rows")
		return pipeline.ExitFailed
	}
	syncs, err := store.ListSyncStatuses(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read sync status")
		return pipeline.ExitFailed
	}
	latest, ok, err := store.LatestBookingDate(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read latest booking date")
		return pipeline.ExitFailed
	}

	writeStatus(stdout, statusReport{
		Version:    version,
		Dirty:      dirty,
		Watermarks: watermarks,
		Syncs:      syncs,
		Latest:     latest,
		HasLatest:  ok,
		Counts:     counts,
	})
	return pipeline.ExitOK
}

type statusReport struct {
	Version    uint
	Dirty      bool
	Watermarks []fees.Watermark
	Syncs      []fees.SyncStatus
	Latest     time.Time
	HasLatest  bool
	Counts     []postgres.TableCount
}

func writeStatus(w io.Writer, r statusReport) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Schema version:\t%d", r.Version)
	if r.Dirty {
		fmt.Fprint(tw, " (dirty)")
	}
	fmt.Fprintln(tw)
	for _, wm := range r.Watermarks {
		fmt.Fprintf(tw, "Watermark %s:\t%s\n", wm.Source, wm.LastSyncedAt.Format(time.RFC3339))
	}
	for _, st := range r.Syncs {
		fmt.Fprintf(tw, "Sync %s:\t%s (%s, %s, %d records)\n",
			st.Source, st.Status, st.LastRunMode, st.LastDuration.Round(time.Millisecond), st.LastRecordCount)
		fmt.Fprintf(tw, "  started:\t%s\n", st.StartedAt.Format(time.RFC3339))
		if !st.LastSuccessAt.IsZero() {
			fmt.Fprintf(tw, "  last success:\t%s\n", st.LastSuccessAt.Format(time.RFC3339))
		}
		if st.LastSeenFeeID != "" {
			fmt.Fprintf(tw, "  last seen fee:\t%s (%s)\n", st.LastSeenFeeID, st.LastSeenBookingDate.Format("2006-01-02"))
		}
		if st.LastError != "" {
			fmt.Fprintf(tw, "  last error:\t%s\n", st.LastError)
		}
	}
	if r.HasLatest {
		fmt.Fprintf(tw, "Latest booking date:\t%s\n", r.Latest.Format("2006-01-02"))
	} else {
		fmt.Fprintln(tw, "Latest booking date:\tnone")
	}
	for _, c := range r.Counts {
		fmt.Fprintf(tw, "%s:\t%d rows\n", c.Table, c.Rows)
	}
	tw.Flush()
}
