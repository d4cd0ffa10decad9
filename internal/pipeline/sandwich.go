// Package pipeline runs a document through Parse, Enhance, Extract and
// Reshape, resuming from whatever the artifact store already holds.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/spherical/pbj/internal/domain"
	"github.com/spherical/pbj/internal/observability"
	"github.com/spherical/pbj/internal/reshape"
	"github.com/spherical/pbj/internal/store"
)

// Store is the artifact store plus the document-level operations a run needs.
type Store interface {
	domain.ArtifactStore
	PageStage(doc *domain.Document, page int) domain.Stage
	Sweep(doc *domain.Document) (int, error)
	WriteDocumentFile(doc *domain.Document, name string, data []byte) error
	ReadDocumentFile(doc *domain.Document, name string) ([]byte, error)
}

const defaultConcurrency = 4

// Options configures a Sandwich.
type Options struct {
	// Concurrency bounds how many pages of one stage run at once.
	Concurrency int
	// SkipEnhance routes Parse output straight into Extract. It must match
	// the mode the document was created with.
	SkipEnhance bool
	Sink        domain.EventSink
	Recorder    domain.RunRecorder
	Logger      *observability.Logger
	// Settings is echoed into the run summary.
	Settings map[string]string
	Now      func() time.Time
}

// Sandwich is the pipeline orchestrator. It holds no per-run state; every
// decision is derived from the artifact store at the start of Run.
type Sandwich struct {
	store    Store
	adapters map[domain.Stage]domain.StageAdapter
	opts     Options
	logger   *observability.Logger
}

// New creates an orchestrator over the given store and stage adapters.
func New(st Store, adapters []domain.StageAdapter, opts Options) *Sandwich {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = observability.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	byStage := make(map[domain.Stage]domain.StageAdapter, len(adapters))
	for _, a := range adapters {
		if a != nil {
			byStage[a.Stage()] = a
		}
	}

	return &Sandwich{
		store:    st,
		adapters: byStage,
		opts:     opts,
		logger:   opts.Logger.WithOperation("sandwich"),
	}
}

// run carries the mutable state of one invocation.
type run struct {
	doc     *domain.Document
	summary *domain.RunSummary
	logger  *observability.Logger

	mu sync.Mutex
}

// Run processes every pending page of doc and returns the run summary. Page
// failures are reported in the summary, not as an error. An error is
// returned when the run could not start, when the summary could not be
// persisted, or when ctx was cancelled.
func (s *Sandwich) Run(ctx context.Context, doc *domain.Document) (*domain.RunSummary, error) {
	if doc.SkipEnhance != s.opts.SkipEnhance {
		return nil, domain.ValidationError(fmt.Sprintf(
			"document %s was created with skip_enhance=%t; it cannot be run with skip_enhance=%t",
			doc.ID, doc.SkipEnhance, s.opts.SkipEnhance), nil)
	}

	r := &run{
		doc:    doc,
		logger: s.logger.WithDocument(doc.ID),
		summary: &domain.RunSummary{
			RunID:       uuid.NewString(),
			DocumentID:  doc.ID,
			DocumentDir: doc.Dir,
			StartedAt:   s.opts.Now().UTC(),
			SkipEnhance: doc.SkipEnhance,
			Settings:    s.opts.Settings,
			Failures:    []domain.PageFailure{},
		},
	}

	if _, err := s.store.Sweep(doc); err != nil {
		return nil, err
	}
	s.validateArtifacts(r)

	r.summary.StartStage = s.store.LatestCompleteStage(doc)
	if err := s.preflight(doc); err != nil {
		return nil, err
	}

	r.logger.Info().
		Str("run_id", r.summary.RunID).
		Stringer("resume_from", r.summary.StartStage).
		Int("pages", doc.PageCount).
		Int("concurrency", s.opts.Concurrency).
		Bool("skip_enhance", doc.SkipEnhance).
		Msg("Starting pipeline run")
	s.emit(domain.StreamEvent{
		Type:       domain.EventStart,
		DocumentID: doc.ID,
		Total:      doc.PageCount,
		Payload:    fmt.Sprintf("Resuming after %s", r.summary.StartStage),
	})

	for _, stage := range domain.PipelineStages {
		if !stage.Active(doc.SkipEnhance) {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		s.runStage(ctx, r, stage)
	}

	if ctx.Err() == nil {
		s.combine(r)
	}

	return s.finish(ctx, r)
}

// pending lists the pages of doc that have no artifact for stage.
func (s *Sandwich) pending(doc *domain.Document, stage domain.Stage) []int {
	var pages []int
	for _, page := range doc.Pages() {
		if !s.store.Exists(doc, stage, page) {
			pages = append(pages, page)
		}
	}
	return pages
}

// preflight checks the adapters that have work to do before any stage runs,
// so a missing credential never leaves a half-processed stage behind.
func (s *Sandwich) preflight(doc *domain.Document) error {
	var errs []error
	for _, stage := range domain.PipelineStages {
		if stage == domain.StageReshape || !stage.Active(doc.SkipEnhance) {
			continue
		}
		if len(s.pending(doc, stage)) == 0 {
			continue
		}
		adapter, ok := s.adapters[stage]
		if !ok {
			errs = append(errs, domain.ConfigError(fmt.Sprintf("no adapter configured for stage %s", stage), nil))
			continue
		}
		if err := adapter.Ready(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return domain.ConfigError("pipeline is not ready to run", errors.Join(errs...))
}

func (s *Sandwich) runStage(ctx context.Context, r *run, stage domain.Stage) {
	doc := r.doc
	started := s.opts.Now()
	report := domain.StageReport{
		Stage:     stage,
		Processed: []int{},
		Skipped:   []int{},
		Blocked:   []int{},
		Failed:    []domain.PageFailure{},
	}

	prev := stage.Prev(doc.SkipEnhance)
	var todo []int
	for _, page := range doc.Pages() {
		switch {
		case s.store.Exists(doc, stage, page):
			report.Skipped = append(report.Skipped, page)
		case prev != domain.StageNone && !s.store.Exists(doc, prev, page):
			report.Blocked = append(report.Blocked, page)
		default:
			todo = append(todo, page)
		}
	}

	if len(todo) > 0 {
		r.logger.Info().
			Stringer("stage", stage).
			Ints("pages", todo).
			Int("skipped", len(report.Skipped)).
			Int("blocked", len(report.Blocked)).
			Msg("Stage started")
	}
	s.emit(domain.StreamEvent{
		Type:       domain.EventStageStart,
		DocumentID: doc.ID,
		Stage:      stage,
		Total:      len(todo),
	})

	g := new(errgroup.Group)
	g.SetLimit(s.opts.Concurrency)
	for _, page := range todo {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			s.emit(domain.StreamEvent{
				Type:       domain.EventPageProcessing,
				DocumentID: doc.ID,
				Stage:      stage,
				PageNumber: page,
			})

			err := s.processPage(ctx, doc, stage, page)

			event := domain.StreamEvent{DocumentID: doc.ID, Stage: stage, PageNumber: page}
			r.mu.Lock()
			switch {
			case err == nil:
				report.Processed = append(report.Processed, page)
				event.Type = domain.EventPageComplete
			case ctx.Err() != nil:
				r.logger.Warn().Stringer("stage", stage).Int("page", page).Msg("Page interrupted by cancellation")
			default:
				failure := s.failure(stage, page, err)
				report.Failed = append(report.Failed, failure)
				r.summary.Failures = append(r.summary.Failures, failure)
				r.logger.Error().
					Err(err).
					Stringer("stage", stage).
					Int("page", page).
					Str("kind", string(failure.Kind)).
					Msg("Page failed")
				event.Type = domain.EventError
				event.Payload = failure.Message
			}
			r.mu.Unlock()

			// Sinks may block on the network; siblings must not wait on them.
			if event.Type != "" {
				s.emit(event)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Ints(report.Processed)
	sort.Slice(report.Failed, func(i, j int) bool { return report.Failed[i].Page < report.Failed[j].Page })
	report.Duration = s.opts.Now().Sub(started)
	r.summary.Stages = append(r.summary.Stages, report)

	if len(todo) > 0 {
		r.logger.Info().
			Stringer("stage", stage).
			Int("processed", len(report.Processed)).
			Int("failed", len(report.Failed)).
			Dur("duration", report.Duration).
			Msg("Stage finished")
	}
	s.emit(domain.StreamEvent{
		Type:       domain.EventStageComplete,
		DocumentID: doc.ID,
		Stage:      stage,
		Total:      len(report.Processed),
		Payload:    report,
	})
}

// processPage produces and persists one page's artifact for stage. The
// write is the last step, so the page only becomes eligible for the next
// stage once its artifact is durable.
func (s *Sandwich) processPage(ctx context.Context, doc *domain.Document, stage domain.Stage, page int) error {
	var input domain.Content
	if stage != domain.StageParse {
		prior, err := s.store.Read(doc, stage.Prev(doc.SkipEnhance), page)
		if err != nil {
			return err
		}
		input = prior.Content
	}

	var (
		content domain.Content
		err     error
	)
	if stage == domain.StageReshape {
		content, err = reshapeContent(input)
	} else {
		content, err = s.adapters[stage].Invoke(ctx, domain.Unit{Document: doc, Page: page, Input: input})
	}
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.store.Write(doc, stage, page, content)
}

func reshapeContent(input domain.Content) (domain.Content, error) {
	if input.Kind != domain.ContentStructured {
		return domain.Content{}, domain.ValidationError("reshape expects structured input", nil)
	}
	out, _, err := reshape.ReshapePage(input.Data)
	if err != nil {
		return domain.Content{}, err
	}
	return domain.StructuredContent(out), nil
}

func (s *Sandwich) failure(stage domain.Stage, page int, err error) domain.PageFailure {
	return domain.PageFailure{
		Page:    page,
		Stage:   stage,
		Kind:    domain.KindOf(err),
		Message: err.Error(),
		At:      s.opts.Now().UTC(),
	}
}

// combine writes the document-level output once every page is reshaped.
func (s *Sandwich) combine(r *run) {
	doc := r.doc
	if s.store.Exists(doc, domain.StageReshape, domain.DocumentLevel) || len(s.pending(doc, domain.StageReshape)) > 0 {
		return
	}

	data, err := s.buildCombined(doc)
	if err == nil {
		err = s.store.Write(doc, domain.StageReshape, domain.DocumentLevel, domain.StructuredContent(data))
	}
	if err != nil {
		failure := s.failure(domain.StageReshape, domain.DocumentLevel, err)
		r.summary.Failures = append(r.summary.Failures, failure)
		r.logger.Error().Err(err).Msg("Failed to write combined output")
		return
	}
	r.logger.Info().Str("file", store.FinalOutputFile).Msg("Combined output written")
}

// finish completes the summary, persists it and hands it to the recorder.
func (s *Sandwich) finish(ctx context.Context, r *run) (*domain.RunSummary, error) {
	doc := r.doc
	summary := r.summary

	summary.PageStages = make(map[int]domain.Stage, doc.PageCount)
	for _, page := range doc.Pages() {
		summary.PageStages[page] = s.store.PageStage(doc, page)
	}
	summary.FinalStage = s.store.LatestCompleteStage(doc)
	summary.Complete = summary.FinalStage == domain.StageComplete
	summary.Cancelled = ctx.Err() != nil
	if s.store.Exists(doc, domain.StageReshape, domain.DocumentLevel) {
		summary.FinalOutput = store.FinalOutputFile
	}
	sort.SliceStable(summary.Failures, func(i, j int) bool {
		a, b := summary.Failures[i], summary.Failures[j]
		if a.Stage != b.Stage {
			return a.Stage < b.Stage
		}
		return a.Page < b.Page
	})
	summary.FinishedAt = s.opts.Now().UTC()

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return summary, domain.PersistenceError("encode run summary", err)
	}
	if err := s.store.WriteDocumentFile(doc, store.RunSummaryFile, data); err != nil {
		return summary, err
	}

	if s.opts.Recorder != nil {
		if err := s.opts.Recorder.Record(context.WithoutCancel(ctx), summary); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to record run in ledger")
		}
	}

	r.logger.Info().
		Str("run_id", summary.RunID).
		Stringer("final_stage", summary.FinalStage).
		Int("processed", summary.ProcessedPages()).
		Int("failed", len(summary.Failures)).
		Bool("complete", summary.Complete).
		Bool("cancelled", summary.Cancelled).
		Msg("Pipeline run finished")
	s.emit(domain.StreamEvent{
		Type:       domain.EventComplete,
		DocumentID: doc.ID,
		Total:      summary.ProcessedPages(),
		Payload:    summary,
	})

	if summary.Cancelled {
		return summary, ctx.Err()
	}
	return summary, nil
}

func (s *Sandwich) emit(event domain.StreamEvent) {
	if s.opts.Sink == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.opts.Now().UTC()
	}
	s.opts.Sink.Emit(event)
}
