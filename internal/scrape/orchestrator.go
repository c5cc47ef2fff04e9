package scrape

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/maghrebdata/courtpubs/internal/metrics"
)

// Config controls Orchestrator behavior.
type Config struct {
	// PublicationsURL is the listing page for page 1; later pages append
	// a page query parameter.
	PublicationsURL string
	// FetchDetails enables best-effort enrichment from each publication's
	// detail page.
	FetchDetails bool
	// DefaultMaxPages applies when a trigger omits max_pages.
	DefaultMaxPages int
}

// Orchestrator drives pagination, aggregates results, and coordinates with
// the run state machine. One instance serves the whole process.
type Orchestrator struct {
	fetcher Fetcher
	parser  Parser
	norm    Normalizer
	store   Store
	clock   Clock
	machine *Machine
	cfg     Config
	logger  *zap.Logger
}

// NewOrchestrator wires the crawl pipeline and recovers RunStatus from the
// persisted run marker: idle on a clean boot, failed when a previous run
// left a crash-in-progress marker.
func NewOrchestrator(
	fetcher Fetcher,
	parser Parser,
	norm Normalizer,
	store Store,
	clock Clock,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	if cfg.DefaultMaxPages <= 0 {
		cfg.DefaultMaxPages = 10
	}
	o := &Orchestrator{
		fetcher: fetcher,
		parser:  parser,
		norm:    norm,
		store:   store,
		clock:   clock,
		machine: NewMachine(),
		cfg:     cfg,
		logger:  logger,
	}
	if marker, ok, err := store.LoadRunMarker(context.Background()); err != nil {
		logger.Warn("run marker unreadable, starting idle", zap.Error(err))
	} else if ok {
		o.machine.Recover(marker)
		if marker.InProgress {
			logger.Warn("previous run interrupted, reporting failed",
				zap.Time("started_at", marker.StartedAt))
		}
	}
	return o
}

// Status returns a snapshot of the current RunStatus.
func (o *Orchestrator) Status() RunStatus {
	return o.machine.Snapshot()
}

// LastRun returns the persisted metadata of the most recent finished run,
// surviving restarts. ok is false when no run has ever finished.
func (o *Orchestrator) LastRun(ctx context.Context) (RunMarker, bool) {
	marker, ok, err := o.store.LoadRunMarker(ctx)
	if err != nil || !ok || marker.LastRun == nil {
		return RunMarker{}, false
	}
	return marker, true
}

// Stop requests a cooperative stop. The run transitions to stopped at the
// next page boundary, after persisting what it accumulated.
func (o *Orchestrator) Stop() error {
	return o.machine.RequestStop()
}

// Start executes one crawl run to a terminal state. It is rejected with
// ErrAlreadyRunning while another run is active and with ErrInvalidConfig
// for an unusable config. An in-flight fetch always completes or times out
// on its own; the caller bounds total wall-clock time through ctx.
func (o *Orchestrator) Start(ctx context.Context, cfg CrawlConfig) (CrawlResult, error) {
	if cfg.MaxPages == 0 {
		cfg.MaxPages = o.cfg.DefaultMaxPages
	}
	if cfg.MaxPages < 1 {
		return CrawlResult{}, fmt.Errorf("%w: max_pages must be >= 1, got %d", ErrInvalidConfig, cfg.MaxPages)
	}
	start := o.clock.Now()
	if err := o.machine.Begin(start); err != nil {
		return CrawlResult{}, err
	}

	// Fast path: with data already on hand and no force flag, report the
	// existing corpus instead of re-fetching.
	if !cfg.ForceRescrape {
		if count, err := o.store.Count(ctx); err == nil && count > 0 {
			o.finalize(ctx, start, RunStateCompleted,
				fmt.Sprintf("corpus already holds %d publications; set force_rescrape to refresh", count), "")
			return o.result(RunStateCompleted, count, start), nil
		}
	}

	if err := o.store.SaveRunMarker(ctx, RunMarker{InProgress: true, StartedAt: start}); err != nil {
		o.logger.Warn("run marker write failed", zap.Error(err))
	}

	accumulated, pagesFailed, lastFetchErr := o.crawl(ctx, cfg)

	persistNote := ""
	if len(accumulated) > 0 {
		merged, err := o.store.Merge(ctx, accumulated)
		if err != nil {
			// In-memory gains survive a failed write; report, don't hide.
			persistNote = fmt.Sprintf("; persistence failed: %v", err)
			o.logger.Error("corpus persist failed", zap.Error(err))
		} else {
			metrics.ObserveMerge(merged.Inserted, merged.Updated, merged.Unchanged)
			if count, cerr := o.store.Count(ctx); cerr == nil {
				metrics.SetCorpusSize(count)
			}
			o.logger.Info("corpus merged",
				zap.Int("inserted", merged.Inserted),
				zap.Int("updated", merged.Updated),
				zap.Int("unchanged", merged.Unchanged))
		}
	}

	snap := o.machine.Snapshot()
	state, message, errText := o.deriveFinalState(ctx, snap, pagesFailed, lastFetchErr)
	o.finalize(ctx, start, state, message+persistNote, errText)

	result := o.result(state, snap.RecordsFound, start)
	return result, nil
}

// crawl runs the sequential page loop and returns the accumulated batch,
// the count of failed pages, and the last fetch error seen.
func (o *Orchestrator) crawl(ctx context.Context, cfg CrawlConfig) ([]Publication, int, error) {
	var (
		accumulated   []Publication
		pagesFailed   int
		lastFetchErr  error
		prevSignature string
	)

	for pageNum := 1; pageNum <= cfg.MaxPages; pageNum++ {
		if o.machine.StopRequested() || ctx.Err() != nil {
			break
		}

		url := o.pageURL(pageNum)
		markup, err := o.fetcher.Fetch(ctx, url)
		if err != nil {
			pagesFailed++
			lastFetchErr = err
			metrics.ObservePage("fetch_error")
			o.logger.Warn("page fetch failed", zap.String("url", url), zap.Error(err))
			continue
		}

		page, err := o.parser.ParseListing(markup)
		if err != nil {
			pagesFailed++
			lastFetchErr = err
			metrics.ObservePage("parse_error")
			o.logger.Warn("page parse failed", zap.String("url", url), zap.Error(err))
			continue
		}

		// Loop guard: a page serving the same entry set as the previous one
		// means the site ran out of real pages.
		if page.Signature != "" && page.Signature == prevSignature {
			o.logger.Info("pagination loop detected, stopping", zap.Int("page", pageNum))
			break
		}
		prevSignature = page.Signature

		found, skipped := o.collectEntries(ctx, page, &accumulated)
		o.machine.RecordPage(found, skipped+page.Skipped)
		metrics.ObservePage("success")
		metrics.ObserveRecords(found, skipped+page.Skipped)
		o.logger.Info("page processed",
			zap.Int("page", pageNum),
			zap.Int("records", found),
			zap.Int("skipped", skipped))

		if !page.HasNext {
			break
		}
	}

	return accumulated, pagesFailed, lastFetchErr
}

func (o *Orchestrator) collectEntries(ctx context.Context, page Page, accumulated *[]Publication) (found, skipped int) {
	now := o.clock.Now()
	for entry := range page.Entries {
		pub, err := o.norm.Normalize(entry, now)
		if err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				skipped++
				continue
			}
			o.logger.Warn("entry normalization failed", zap.Error(err))
			skipped++
			continue
		}
		if o.cfg.FetchDetails {
			o.enrich(ctx, &pub)
		}
		*accumulated = append(*accumulated, pub)
		found++
	}
	return found, skipped
}

// enrich pulls description, author and document links from the detail
// page. Best effort: a failure leaves the record as listed.
func (o *Orchestrator) enrich(ctx context.Context, pub *Publication) {
	markup, err := o.fetcher.Fetch(ctx, pub.URL)
	if err != nil {
		o.logger.Debug("detail fetch failed", zap.String("url", pub.URL), zap.Error(err))
		return
	}
	details := o.parser.ParseDetails(markup, pub.URL)
	if pub.Description == "" && details.Description != "" {
		pub.Description = details.Description
	}
	if details.PDFURL != "" {
		pub.PDFURL = details.PDFURL
		pub.PDFFilename = details.PDFFilename
	}
	if pub.Commission == "" && details.Author != "" {
		pub.Commission = details.Author
	}
}

func (o *Orchestrator) deriveFinalState(
	ctx context.Context,
	snap RunStatus,
	pagesFailed int,
	lastFetchErr error,
) (RunState, string, string) {
	stopRequested := o.machine.StopRequested()

	switch {
	case stopRequested:
		return RunStateStopped,
			fmt.Sprintf("stopped on request after %d pages with %d records", snap.PagesVisited, snap.RecordsFound),
			""
	case ctx.Err() != nil && snap.PagesVisited == 0:
		return RunStateFailed, "run aborted before any page completed", ctx.Err().Error()
	case snap.PagesVisited == 0 && pagesFailed > 0:
		errText := "all page fetches failed"
		if lastFetchErr != nil {
			errText = lastFetchErr.Error()
		}
		return RunStateFailed, "no pages could be fetched", errText
	case snap.PagesVisited == 0:
		return RunStateCompleted, "no listing pages were available", ""
	default:
		msg := fmt.Sprintf("completed: %d pages, %d records, %d skipped",
			snap.PagesVisited, snap.RecordsFound, snap.RecordsSkipped)
		if pagesFailed > 0 {
			msg += fmt.Sprintf(", %d pages failed", pagesFailed)
		}
		return RunStateCompleted, msg, ""
	}
}

func (o *Orchestrator) finalize(ctx context.Context, start time.Time, state RunState, message, errText string) {
	now := o.clock.Now()
	o.machine.Finish(now, state, message, errText)
	metrics.ObserveRun(string(state), now.Sub(start))
	finished := now
	marker := RunMarker{
		InProgress: false,
		StartedAt:  start,
		LastRun:    &finished,
		LastState:  state,
		LastTotals: o.machine.Snapshot(),
	}
	if err := o.store.SaveRunMarker(ctx, marker); err != nil {
		o.logger.Warn("run marker write failed", zap.Error(err))
	}
}

func (o *Orchestrator) result(state RunState, count int, start time.Time) CrawlResult {
	snap := o.machine.Snapshot()
	return CrawlResult{
		State:             state,
		PublicationsCount: count,
		PagesVisited:      snap.PagesVisited,
		Elapsed:           o.clock.Now().Sub(start).Seconds(),
	}
}

func (o *Orchestrator) pageURL(page int) string {
	if page <= 1 {
		return o.cfg.PublicationsURL
	}
	sep := "?"
	if strings.Contains(o.cfg.PublicationsURL, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%spage=%d", o.cfg.PublicationsURL, sep, page)
}
