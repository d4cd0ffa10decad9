package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/spherical/pbj/cmd/pbj/ui"
	"github.com/spherical/pbj/internal/config"
	"github.com/spherical/pbj/internal/domain"
	"github.com/spherical/pbj/internal/notify"
	"github.com/spherical/pbj/internal/observability"
	"github.com/spherical/pbj/internal/pdf"
	"github.com/spherical/pbj/internal/pipeline"
	"github.com/spherical/pbj/internal/stages"
	"github.com/spherical/pbj/internal/store"
)

var (
	runOpts    runFlags
	resumeOpts runFlags
)

var runCmd = &cobra.Command{
	Use:     "run <pdf>",
	Aliases: []string{"sandwich", "make"},
	Short:   "Process a PDF through every stage",
	Long: `Create a document folder for the PDF and run parse, enhance, extract and
reshape until every page is done. When create_timestamped_folders is off and
the folder already exists, the existing document is resumed.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <document-dir>",
	Short: "Continue a previous document from its stored artifacts",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

func init() {
	runOpts.register(runCmd, true)
	resumeOpts.register(resumeCmd, false)
	rootCmd.AddCommand(runCmd, resumeCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(runOpts.overrides(cmd))
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	pdfPath := args[0]

	if err := pdf.NewValidator(logger).ValidatePDFPath(pdfPath); err != nil {
		return err
	}

	spin := ui.NewSpinner("Reading " + filepath.Base(pdfPath))
	spin.Start()
	pages, err := pdf.NewSplitter().PageCount(pdfPath)
	spin.Stop()
	if err != nil {
		return err
	}

	st := store.New(logger)
	doc, err := st.CreateDocument(cfg.OutputBaseDir, pdfPath, pages, store.DocumentOptions{
		Timestamped: cfg.TimestampedFolders,
		SkipEnhance: cfg.SkipEnhance,
		Premium:     cfg.PremiumMode,
	})
	if err != nil {
		return err
	}
	ui.Step("Created %s", doc.Dir)

	return execute(cfg, logger, st, doc)
}

func runResume(cmd *cobra.Command, args []string) error {
	doc, err := store.New(observability.Nop()).OpenDocument(args[0])
	if err != nil {
		return err
	}

	// The document keeps the modes it was created with unless a flag says
	// otherwise; a conflicting --skip-enhance is rejected by the run.
	overrides := resumeOpts.overrides(cmd)
	if _, ok := overrides["skip_enhance"]; !ok {
		overrides["skip_enhance"] = strconv.FormatBool(doc.SkipEnhance)
	}
	if _, ok := overrides["use_premium_mode"]; !ok {
		overrides["use_premium_mode"] = strconv.FormatBool(doc.Premium)
	}

	cfg, err := loadConfig(overrides)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	return execute(cfg, logger, store.New(logger), doc)
}

// execute runs the pipeline for doc and renders progress and the summary.
func execute(cfg *config.Config, logger *observability.Logger, st *store.FS, doc *domain.Document) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ui.Section("PB&J")
	ui.KeyValue("Document", doc.ID)
	ui.KeyValue("Source", doc.SourceName)
	ui.KeyValue("Pages", fmt.Sprintf("%d", doc.PageCount))
	ui.KeyValue("Folder", doc.Dir)
	ui.KeyValue("Parser", cfg.Parser)
	if doc.SkipEnhance {
		ui.KeyValue("Enhance", "skipped")
	}
	ui.Newline()

	progress := notify.NewChannelSink(256, logger)
	sinks := notify.Multi{progress}
	if publisher := openPublisher(ctx, cfg, logger); publisher != nil {
		defer publisher.Close()
		sinks = append(sinks, publisher)
	}

	opts := pipeline.Options{
		Concurrency: cfg.Concurrency,
		SkipEnhance: cfg.SkipEnhance,
		Sink:        sinks,
		Logger:      logger,
		Settings:    cfg.Settings(),
	}
	if l := openLedger(ctx, cfg, logger); l != nil {
		defer l.Close()
		opts.Recorder = l
	}

	sandwich := pipeline.New(st, stages.FromConfig(cfg, logger).Adapters(), opts)

	done := make(chan struct{})
	go func() {
		renderProgress(progress.Events())
		close(done)
	}()

	summary, err := sandwich.Run(ctx, doc)
	progress.Close()
	<-done

	if summary == nil {
		return err
	}
	printSummary(summary)

	switch {
	case errors.Is(err, context.Canceled):
		ui.Warning("Interrupted. Run `pbj resume %s` to continue.", doc.Dir)
		return ErrIncomplete
	case err != nil:
		return err
	case !summary.Complete:
		ui.Warning("Some pages are incomplete. Run `pbj resume %s` to retry them.", doc.Dir)
		return ErrIncomplete
	}
	ui.Success("Combined output: %s", filepath.Join(doc.Dir, summary.FinalOutput))
	return nil
}

// renderProgress draws one progress bar per stage until events is closed.
func renderProgress(events <-chan domain.StreamEvent) {
	var bar *ui.ProgressBar
	for event := range events {
		switch event.Type {
		case domain.EventStageStart:
			if event.Total > 0 {
				bar = ui.NewProgressBar(int64(event.Total), fmt.Sprintf("%-8s", event.Stage))
			}
		case domain.EventPageComplete:
			if bar != nil {
				bar.Add(1)
			}
		case domain.EventError:
			if bar != nil {
				bar.Add(1)
			}
			if ui.Verbose() {
				ui.Error("%s page %d: %v", event.Stage, event.PageNumber, event.Payload)
			}
		case domain.EventStageComplete:
			if bar != nil {
				bar.Finish()
				bar = nil
			}
		}
	}
}

func printSummary(summary *domain.RunSummary) {
	ui.Section("Run Summary")

	rows := make([][]string, 0, len(summary.Stages))
	for _, r := range summary.Stages {
		rows = append(rows, []string{
			r.Stage.String(),
			ui.FormatPages(r.Processed),
			ui.FormatPages(r.Skipped),
			ui.FormatPages(r.Blocked),
			fmt.Sprintf("%d", len(r.Failed)),
			ui.FormatDuration(r.Duration),
		})
	}
	ui.Table([]string{"Stage", "Processed", "Skipped", "Blocked", "Failed", "Duration"}, rows)
	ui.Newline()

	ui.KeyValue("Run", summary.RunID)
	ui.KeyValue("Resumed after", stageLabel(summary.StartStage))
	ui.KeyValue("Reached", stageLabel(summary.FinalStage))
	ui.KeyValue("Elapsed", ui.FormatDuration(summary.FinishedAt.Sub(summary.StartedAt)))

	if len(summary.Failures) > 0 {
		ui.Newline()
		ui.Error("%d page failure(s):", len(summary.Failures))
		items := make([]string, 0, len(summary.Failures))
		for _, f := range summary.Failures {
			items = append(items, fmt.Sprintf("page %d, %s (%s): %s", f.Page, f.Stage, f.Kind, f.Message))
		}
		fmt.Print(ui.FormatList(items))
	}
	if incomplete := summary.IncompletePages(); len(incomplete) > 0 {
		ui.Warning("Incomplete pages: %s", ui.FormatPages(incomplete))
	}
	ui.Newline()
}
