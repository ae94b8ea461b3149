// Package crawler drives a crawl run: dispatching page units to workers, merging their
// records, classifying the crawl log, retrying what can be retried and saving the result.
package crawler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/empire-scraper/pkg/classify"
	"github.com/Sriram-PR/empire-scraper/pkg/config"
	"github.com/Sriram-PR/empire-scraper/pkg/metrics"
	"github.com/Sriram-PR/empire-scraper/pkg/models"
	"github.com/Sriram-PR/empire-scraper/pkg/parse"
	"github.com/Sriram-PR/empire-scraper/pkg/process"
	"github.com/Sriram-PR/empire-scraper/pkg/storage"
	"github.com/Sriram-PR/empire-scraper/pkg/utils"
)

// PageFetcher retrieves a page body with bounded retries; *fetch.Fetcher satisfies it
type PageFetcher interface {
	Fetch(ctx context.Context, url string, maxAttempts int) ([]byte, error)
}

// LogSink is the crawl log owner; *crawllog.Aggregator satisfies it
type LogSink interface {
	Flush()
	Path() string
}

// Deps are the collaborators a Coordinator drives
type Deps struct {
	Fetcher  PageFetcher
	CrawlLog logrus.FieldLogger // Pipe-formatted logger writing into Sink
	Sink     LogSink
	Store    storage.DatasetStore
	Images   *process.ImageDownloader // Optional
	Metrics  *metrics.Metrics         // Optional
}

// Coordinator owns the dataset of one crawl run. Workers never touch the dataset;
// their records come back over a channel and are merged by the coordinator alone.
type Coordinator struct {
	cfg        *config.AppConfig
	fetcher    PageFetcher
	listing    *parse.ListingParser
	detail     *parse.DetailParser
	classifier *classify.Classifier
	crawlLog   logrus.FieldLogger
	sink       LogSink
	store      storage.DatasetStore
	images     *process.ImageDownloader
	metrics    *metrics.Metrics
	log        *logrus.Entry

	phaseMu sync.Mutex
	phase   models.Phase
}

// New creates a Coordinator. cfg must already be validated.
func New(cfg *config.AppConfig, deps Deps, log *logrus.Entry) *Coordinator {
	log = log.WithField("component", "coordinator")
	return &Coordinator{
		cfg:        cfg,
		fetcher:    deps.Fetcher,
		listing:    parse.NewListingParser(cfg.Selectors.Listing, cfg.DetailURL),
		detail:     parse.NewDetailParser(cfg.Selectors.Detail),
		classifier: classify.New(classify.RulesFromConfig(cfg.Classifier), log.WithField("component", "classifier")),
		crawlLog:   deps.CrawlLog,
		sink:       deps.Sink,
		store:      deps.Store,
		images:     deps.Images,
		metrics:    deps.Metrics,
		log:        log,
	}
}

// Phase returns the state the coordinator is currently in
func (c *Coordinator) Phase() models.Phase {
	c.phaseMu.Lock()
	defer c.phaseMu.Unlock()
	return c.phase
}

func (c *Coordinator) setPhase(p models.Phase) {
	c.phaseMu.Lock()
	c.phase = p
	c.phaseMu.Unlock()
	if c.metrics != nil {
		c.metrics.SetPhase(p)
	}
	c.log.WithField("phase", p).Info("Entering phase")
}

// BuildUnits pairs pages with target article positions. An empty articles list means
// whole pages; otherwise both lists must have the same length.
func BuildUnits(pages, articles []int) ([]models.WorkUnit, error) {
	if len(pages) == 0 {
		return nil, fmt.Errorf("%w: no pages requested", utils.ErrConfigValidation)
	}
	if len(articles) > 0 && len(articles) != len(pages) {
		return nil, fmt.Errorf("%w: %d pages but %d articles; the lists must be parallel",
			utils.ErrConfigValidation, len(pages), len(articles))
	}
	units := make([]models.WorkUnit, len(pages))
	for i, page := range pages {
		if page <= 0 {
			return nil, fmt.Errorf("%w: invalid page number %d", utils.ErrConfigValidation, page)
		}
		units[i] = models.WorkUnit{Page: page}
		if len(articles) > 0 {
			if articles[i] <= 0 {
				return nil, fmt.Errorf("%w: invalid article position %d", utils.ErrConfigValidation, articles[i])
			}
			units[i].Article = articles[i]
		}
	}
	return units, nil
}

// Run crawls the requested pages (or page/article pairs), retries what the crawl log marks
// retryable and saves the final dataset. A retry pass aborted by an identity mismatch is
// not an error: the pre-retry dataset is saved and Report.RetryAborted is set.
func (c *Coordinator) Run(ctx context.Context, pages, articles []int) (Report, error) {
	start := time.Now()
	units, err := BuildUnits(pages, articles)
	if err != nil {
		return Report{}, err
	}
	workers := c.cfg.NumWorkers
	if len(articles) > 0 {
		workers = 1
	}

	meta := storage.NewCrawlMetadata(pages, articles, c.sink.Path())
	runLog := c.log.WithField("run_id", meta.RunID)
	runLog.Infof("Crawl starting: %d unit(s) with %d worker(s)", len(units), workers)

	// --- Dispatching / Merging ---
	ds := models.NewDataset()
	processed, attempted := c.dispatchAndMerge(ctx, units, workers, ds)
	meta.PagesProcessed = processed
	meta.UnitsAttempted = attempted
	if err := ctx.Err(); err != nil {
		return c.abort(ctx, ds, &meta, start, err)
	}

	return c.finishRun(ctx, ds, &meta, start, workers)
}

// Resolve continues a saved checkpoint: it first dispatches the requested units the run
// never reached, then classifies the checkpoint's crawl log, retries the retryable keys
// and pages, drops terminal ones and saves again.
func (c *Coordinator) Resolve(ctx context.Context, cp storage.Checkpoint) (Report, error) {
	start := time.Now()
	if cp.Dataset == nil {
		cp.Dataset = models.NewDataset()
	}
	meta := cp.Meta
	workers := c.cfg.NumWorkers
	if len(meta.ArticlesRequested) > 0 {
		workers = 1
	}
	pending := meta.PendingUnits()
	c.log.WithFields(logrus.Fields{
		"run_id":  meta.RunID,
		"records": cp.Dataset.Len(),
		"pending": len(pending),
	}).Info("Resolving checkpoint")

	if len(pending) > 0 {
		fresh := models.NewDataset()
		processed, attempted := c.dispatchAndMerge(ctx, pending, workers, fresh)
		changed := cp.Dataset.MergeDataset(fresh)
		c.log.Infof("Dispatched %d pending unit(s), %d record(s) added or completed", len(attempted), changed)
		meta.PagesProcessed = mergePages(meta.PagesProcessed, processed)
		meta.UnitsAttempted = append(meta.UnitsAttempted, attempted...)
		sortUnits(meta.UnitsAttempted)
		if err := ctx.Err(); err != nil {
			return c.abort(ctx, cp.Dataset, &meta, start, err)
		}
	}
	return c.finishRun(ctx, cp.Dataset, &meta, start, workers)
}

// finishRun takes a merged dataset through Classifying, Retrying and Finalizing
func (c *Coordinator) finishRun(ctx context.Context, ds *models.Dataset, meta *storage.CrawlMetadata, start time.Time, workers int) (Report, error) {
	// --- Classifying ---
	c.setPhase(models.PhaseClassifying)
	c.sink.Flush()
	logFile := meta.LogFile
	if logFile == "" {
		logFile = c.sink.Path()
	}
	res, _, err := c.classifier.ClassifyFile(logFile)
	if err != nil {
		// A malformed log would misclassify failures; keep the dataset and stop here
		c.log.Errorf("Crawl log could not be classified: %v", err)
		_, saveErr := c.save(context.WithoutCancel(ctx), ds, meta, c.Phase())
		if saveErr != nil {
			c.log.Errorf("Saving checkpoint after classification failure: %v", saveErr)
		}
		return c.report(ds, meta, start, retryStats{}, 0, ""), err
	}
	c.observeClassification(res)

	// --- Retrying ---
	c.setPhase(models.PhaseRetrying)
	stats, err := c.retryPass(ctx, ds, res, workers)
	if err != nil {
		return c.abort(ctx, ds, meta, start, err)
	}
	meta.RetryAborted = stats.aborted
	meta.PagesProcessed = mergePages(meta.PagesProcessed, stats.pages)

	// --- Finalizing ---
	c.setPhase(models.PhaseFinalizing)
	dropped := c.dropTerminal(ds, res)
	c.images.Wait()
	if err := ctx.Err(); err != nil {
		return c.abort(ctx, ds, meta, start, err)
	}
	c.applyImageFiles(ds)

	location, err := c.save(context.WithoutCancel(ctx), ds, meta, models.PhaseDone)
	if err != nil {
		return c.report(ds, meta, start, stats, dropped, ""), err
	}
	if err := c.export(ds); err != nil {
		c.log.Errorf("Export failed: %v", err)
	}
	c.setPhase(models.PhaseDone)

	rep := c.report(ds, meta, start, stats, dropped, location)
	rep.Log(c.log)
	return rep, nil
}

// abort saves whatever was merged so far when the run is cancelled
func (c *Coordinator) abort(ctx context.Context, ds *models.Dataset, meta *storage.CrawlMetadata, start time.Time, cause error) (Report, error) {
	c.log.Warnf("Crawl interrupted during %s: %v", c.Phase(), cause)
	c.images.Wait()
	c.applyImageFiles(ds)
	location, err := c.save(context.WithoutCancel(ctx), ds, meta, c.Phase())
	if err != nil {
		c.log.Errorf("Saving checkpoint after interruption: %v", err)
	}
	return c.report(ds, meta, start, retryStats{}, 0, location), cause
}

// dropTerminal removes stub-only records whose key was classified terminal. A record
// that did get its detail page is kept whatever the log says about earlier attempts.
func (c *Coordinator) dropTerminal(ds *models.Dataset, res classify.Result) int {
	var drop []models.RecordKey
	for _, key := range res.Terminal {
		if rec, ok := ds.Get(key); ok && !rec.Complete {
			drop = append(drop, key)
		}
	}
	n := ds.Drop(drop...)
	if n > 0 {
		c.log.Infof("Dropped %d terminal record(s)", n)
	}
	return n
}

// applyImageFiles records where downloaded images landed
func (c *Coordinator) applyImageFiles(ds *models.Dataset) {
	if c.images == nil {
		return
	}
	var updated []models.MovieRecord
	for _, rec := range ds.Records() {
		changed := false
		if ref, ok := c.localImage(rec.Thumbnail); ok {
			rec.Thumbnail = ref
			changed = true
		}
		if ref, ok := c.localImage(rec.Picture); ok {
			rec.Picture = ref
			changed = true
		}
		if changed {
			updated = append(updated, rec)
		}
	}
	ds.Merge(updated...)
}

func (c *Coordinator) localImage(ref *models.ImageRef) (*models.ImageRef, bool) {
	if ref == nil || ref.File != "" {
		return nil, false
	}
	file, ok := c.images.File(ref.Source)
	if !ok {
		return nil, false
	}
	return &models.ImageRef{Source: ref.Source, File: file}, true
}

// save writes the checkpoint with its metadata recording phase
func (c *Coordinator) save(ctx context.Context, ds *models.Dataset, meta *storage.CrawlMetadata, phase models.Phase) (string, error) {
	meta.Phase = phase
	meta.FinishedAt = time.Now().UTC()
	if c.metrics != nil {
		c.metrics.SetDataset(ds)
	}
	if c.store == nil {
		return "", nil
	}
	location, err := c.store.Save(ctx, storage.Checkpoint{Dataset: ds, Meta: *meta})
	if err != nil {
		return "", fmt.Errorf("saving dataset: %w", err)
	}
	c.log.WithField("location", location).Infof("Saved %d record(s)", ds.Len())
	return location, nil
}

func (c *Coordinator) observeClassification(res classify.Result) {
	if c.metrics == nil {
		return
	}
	c.metrics.RetryKeys.WithLabelValues(models.FailureRetryable.String()).Add(float64(len(res.Retryable)))
	c.metrics.RetryKeys.WithLabelValues(models.FailureTerminal.String()).Add(float64(len(res.Terminal)))
}

// mergePages returns the sorted union of two page lists
func mergePages(a, b []int) []int {
	seen := make(map[int]bool, len(a)+len(b))
	var out []int
	for _, p := range append(append([]int(nil), a...), b...) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Ints(out)
	return out
}
