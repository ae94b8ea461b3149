package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/empire-scraper/pkg/classify"
	"github.com/Sriram-PR/empire-scraper/pkg/config"
	"github.com/Sriram-PR/empire-scraper/pkg/crawllog"
	"github.com/Sriram-PR/empire-scraper/pkg/fetch"
	"github.com/Sriram-PR/empire-scraper/pkg/metrics"
	"github.com/Sriram-PR/empire-scraper/pkg/models"
	"github.com/Sriram-PR/empire-scraper/pkg/process"
	"github.com/Sriram-PR/empire-scraper/pkg/storage"
	"github.com/Sriram-PR/empire-scraper/pkg/utils"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

// fakeSite serves listing pages /movies/reviews/{page}/ and review pages
// /movies/{slug}/review/. Paths in failures answer 500 that many times first.
type fakeSite struct {
	mu         sync.Mutex
	articles   map[int]int                 // page -> article count; absent pages are 404
	titles     map[models.RecordKey]string // overrides "Movie PPP-AA"
	slugs      map[models.RecordKey]string // overrides "m-P-A"
	missing    map[string]bool             // review paths answering 404
	failures   map[string]int              // path -> remaining 500 answers
	hits       map[string]int
	pictures   bool              // Review pages carry a picture under /img/
	imageDelay time.Duration     // Latency of /img/ responses
	onHit      func(path string) // Called with the lock held before answering a page
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func newFakeSite() *fakeSite {
	return &fakeSite{
		articles: map[int]int{},
		titles:   map[models.RecordKey]string{},
		slugs:    map[models.RecordKey]string{},
		missing:  map[string]bool{},
		failures: map[string]int{},
		hits:     map[string]int{},
	}
}

func (s *fakeSite) title(key models.RecordKey) string {
	if t, ok := s.titles[key]; ok {
		return t
	}
	return "Movie " + string(key)
}

func (s *fakeSite) reviewPath(page, article int) string {
	key := models.NewRecordKey(page, article)
	slug, ok := s.slugs[key]
	if !ok {
		slug = fmt.Sprintf("m-%d-%d", page, article)
	}
	return "/movies/" + slug + "/review/"
}

func (s *fakeSite) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/img/") {
		time.Sleep(s.imageDelay)
		_, _ = w.Write(pngHeader)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p := r.URL.Path
	s.hits[p]++
	if s.onHit != nil {
		s.onHit(p)
	}
	if s.failures[p] > 0 {
		s.failures[p]--
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if strings.HasPrefix(p, "/movies/reviews/") {
		page, err := strconv.Atoi(strings.Trim(strings.TrimPrefix(p, "/movies/reviews/"), "/"))
		count, ok := s.articles[page]
		if err != nil || !ok {
			http.NotFound(w, r)
			return
		}
		var b strings.Builder
		b.WriteString("<html><body>")
		for a := 1; a <= count; a++ {
			fmt.Fprintf(&b, `<article><a href="%s"><p class="hdr no-marg gamma txt--black pad__top--half">%s</p><span class="stars--on">★★★</span></a></article>`,
				s.reviewPath(page, a), s.title(models.NewRecordKey(page, a)))
		}
		b.WriteString("</body></html>")
		_, _ = w.Write([]byte(b.String()))
		return
	}

	if strings.HasSuffix(p, "/review/") && !s.missing[p] {
		picture := ""
		if s.pictures {
			slug := strings.TrimSuffix(strings.TrimPrefix(p, "/movies/"), "/review/")
			picture = fmt.Sprintf(`<div class="imageWrapper imageWrapper--kenburns"><img src="http://%s/img/%s.png"></div>`, r.Host, slug)
		}
		_, _ = w.Write([]byte(`<html><body>` + picture + `
<div class="author">Critic</div>
<span class="stars--on"><i></i><i></i><i></i><i></i></span>
<ul class="list__keyline delta txt--mid-grey"><li>Running time</li><li>120 mins</li></ul>
<div class="article__text"><p>Good.</p></div>
</body></html>`))
		return
	}
	http.NotFound(w, r)
}

func (s *fakeSite) setOnHit(fn func(path string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onHit = fn
}

func (s *fakeSite) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

type harness struct {
	cfg    *config.AppConfig
	agg    *crawllog.Aggregator
	store  *storage.BadgerDatasetStore
	m      *metrics.Metrics
	images *process.ImageDownloader
	coord  *Coordinator
}

func newHarness(t *testing.T, baseURL string, mutate func(*config.AppConfig)) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.AppConfig{
		BaseURL:           baseURL,
		NumWorkers:        4,
		MaxAttempts:       1,
		DetailMaxAttempts: 2,
		InitialRetryDelay: time.Millisecond,
		MaxRetryDelay:     2 * time.Millisecond,
		StateDir:          dir,
		OutputDir:         filepath.Join(dir, "out"),
		ImageDir:          filepath.Join(dir, "images"),
	}
	if mutate != nil {
		mutate(cfg)
	}
	_, err := cfg.Validate()
	require.NoError(t, err)

	agg, err := crawllog.Create(cfg.CrawlLogPath(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = agg.Close() })

	log := testLogger()
	crawlLog := agg.NewLogger()
	f := fetch.NewFetcher(&http.Client{Timeout: 5 * time.Second}, cfg, crawlLog, log)
	m := metrics.New()
	f.UseObserver(m)
	store := storage.NewBadgerDatasetStore(cfg.CheckpointPath(), log)
	var images *process.ImageDownloader
	if cfg.ProcessImages {
		images = process.NewImageDownloader(f, cfg.ImageDir, cfg.NumImageWorkers, cfg.DetailMaxAttempts, log)
		images.UseObserver(m)
	}

	coord := New(cfg, Deps{Fetcher: f, CrawlLog: crawlLog, Sink: agg, Store: store, Images: images, Metrics: m}, log)
	return &harness{cfg: cfg, agg: agg, store: store, m: m, images: images, coord: coord}
}

func TestBuildUnits(t *testing.T) {
	units, err := BuildUnits([]int{446, 447, 68}, nil)
	require.NoError(t, err)
	assert.Equal(t, []models.WorkUnit{{Page: 446}, {Page: 447}, {Page: 68}}, units)

	units, err = BuildUnits([]int{1, 1}, []int{5, 7})
	require.NoError(t, err)
	assert.Equal(t, []models.WorkUnit{{Page: 1, Article: 5}, {Page: 1, Article: 7}}, units)

	_, err = BuildUnits(nil, nil)
	assert.Error(t, err)
	_, err = BuildUnits([]int{1, 2}, []int{5})
	assert.Error(t, err)
	_, err = BuildUnits([]int{0}, nil)
	assert.Error(t, err)
}

// 24 articles on page 1, page 2 empty, three review pages failing during dispatch
func TestCoordinator_DispatchThenRetryRecoversStubs(t *testing.T) {
	site := newFakeSite()
	site.articles[1] = 24
	site.articles[2] = 0
	failing := []int{4, 11, 19}
	for _, a := range failing {
		site.failures[site.reviewPath(1, a)] = 2 // Exhausts detail_max_attempts once
	}
	srv := httptest.NewServer(site)
	defer srv.Close()

	h := newHarness(t, srv.URL, nil)
	ctx := context.Background()

	ds := models.NewDataset()
	units, err := BuildUnits([]int{1, 2}, nil)
	require.NoError(t, err)
	pages, attempted := h.coord.dispatchAndMerge(ctx, units, 4, ds)

	assert.Equal(t, []int{1}, pages)
	assert.Equal(t, []models.WorkUnit{{Page: 1}, {Page: 2}}, attempted, "an empty page still counts as attempted")
	assert.Equal(t, 24, ds.Len())
	assert.Equal(t, 21, ds.CountComplete())
	for _, a := range failing {
		rec, ok := ds.Get(models.NewRecordKey(1, a))
		require.True(t, ok)
		assert.False(t, rec.Complete)
		assert.Equal(t, "Movie "+string(rec.Key), rec.TitleOrEmpty())
	}

	h.agg.Flush()
	res, _, err := classify.New(classify.RulesFromConfig(h.cfg.Classifier), testLogger()).ClassifyFile(h.agg.Path())
	require.NoError(t, err)
	assert.Equal(t, []models.RecordKey{"001-04", "001-11", "001-19"}, res.Retryable)
	assert.Empty(t, res.Terminal)

	stats, err := h.coord.retryPass(ctx, ds, res, 4)
	require.NoError(t, err)
	assert.False(t, stats.aborted)
	assert.Equal(t, 3, stats.keys)
	assert.Equal(t, 3, stats.recovered)
	assert.Equal(t, 24, ds.Len())
	assert.Equal(t, 24, ds.CountComplete())
}

func TestCoordinator_RunEndToEnd(t *testing.T) {
	site := newFakeSite()
	site.articles[1] = 5
	site.articles[2] = 0
	site.articles[3] = 2
	site.missing[site.reviewPath(1, 2)] = true             // 404: terminal
	site.slugs[models.NewRecordKey(1, 3)] = "55-lost-film" // Dead id block: terminal
	site.failures[site.reviewPath(1, 3)] = 10
	site.failures[site.reviewPath(1, 5)] = 2 // Recovers in the retry pass
	site.failures["/movies/reviews/3/"] = 1  // Whole listing retried

	srv := httptest.NewServer(site)
	defer srv.Close()

	h := newHarness(t, srv.URL, func(c *config.AppConfig) {
		c.ExportJSONL = true
		c.ExportTSV = true
	})
	rep, err := h.coord.Run(context.Background(), []int{1, 2, 3}, nil)
	require.NoError(t, err)

	assert.Equal(t, models.PhaseDone, h.coord.Phase())
	assert.False(t, rep.RetryAborted)
	assert.Equal(t, 2, rep.TerminalDropped)
	assert.Equal(t, 1, rep.RetriedKeys)
	assert.Equal(t, 1, rep.RetriedPages)
	assert.Equal(t, 3, rep.Recovered)
	assert.Equal(t, 3, rep.PagesRequested)
	assert.Equal(t, 2, rep.PagesProcessed)

	keys := rep.Dataset.Keys()
	assert.Equal(t, []models.RecordKey{"001-01", "001-04", "001-05", "003-01", "003-02"}, keys)
	assert.Equal(t, 5, rep.Dataset.CountComplete())

	// Every surviving key was either completed or never classified terminal
	for _, rec := range rep.Dataset.Records() {
		assert.True(t, rec.Complete, rec.Key)
	}

	cp, err := h.store.Load(context.Background(), rep.Location)
	require.NoError(t, err)
	assert.Equal(t, keys, cp.Dataset.Keys())
	assert.Equal(t, rep.RunID, cp.Meta.RunID)
	assert.Equal(t, models.PhaseDone, cp.Meta.Phase)
	assert.Equal(t, []int{1, 3}, cp.Meta.PagesProcessed)
	assert.Equal(t, []models.WorkUnit{{Page: 1}, {Page: 2}, {Page: 3}}, cp.Meta.UnitsAttempted)
	assert.Empty(t, cp.Meta.PendingUnits())

	jsonl, err := os.ReadFile(filepath.Join(h.cfg.OutputDir, JSONLFilename))
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(jsonl)), "\n"), 5)
	tsv, err := os.ReadFile(filepath.Join(h.cfg.OutputDir, TSVFilename))
	require.NoError(t, err)
	header := strings.SplitN(string(tsv), "\n", 2)[0]
	assert.NotContains(t, header, "introduction")
	assert.NotContains(t, header, "review_text")
	assert.NotContains(t, header, "thumbnail")

	assert.Equal(t, 3, site.hitCount(site.reviewPath(1, 5)), "two failed attempts, one retry")
	assert.Equal(t, 1, site.hitCount(site.reviewPath(1, 2)), "404 stops at once and is never retried")
	assert.Equal(t, 5.0, testutil.ToFloat64(h.m.DatasetRecords))
}

func TestCoordinator_SingleArticleTargets(t *testing.T) {
	site := newFakeSite()
	site.articles[1] = 10
	srv := httptest.NewServer(site)
	defer srv.Close()

	h := newHarness(t, srv.URL, nil)
	rep, err := h.coord.Run(context.Background(), []int{1, 1, 1}, []int{5, 7, 30})
	require.NoError(t, err)

	assert.Equal(t, []models.RecordKey{"001-05", "001-07"}, rep.Dataset.Keys())
	assert.Equal(t, 0, site.hitCount(site.reviewPath(1, 1)))
}

func mismatchDataset() *models.Dataset {
	dune, heat := "Dune", "Heat"
	ds := models.NewDataset()
	ds.Merge(
		models.NewStubRecord(models.ArticleStub{Key: "010-03", PageNumber: 10, ArticlePosition: 3, Title: &dune}),
		models.NewStubRecord(models.ArticleStub{Key: "010-04", PageNumber: 10, ArticlePosition: 4, Title: &heat}),
	)
	return ds
}

func TestCoordinator_RetryAbortsOnTitleMismatch(t *testing.T) {
	site := newFakeSite()
	site.articles[10] = 4
	site.titles["010-03"] = "Dune: Part Two"
	site.titles["010-04"] = "Heat"
	srv := httptest.NewServer(site)
	defer srv.Close()

	h := newHarness(t, srv.URL, nil)
	ds := mismatchDataset()
	res := classify.Result{Retryable: []models.RecordKey{"010-03", "010-04"}}

	stats, err := h.coord.retryPass(context.Background(), ds, res, 1)
	require.NoError(t, err)
	assert.True(t, stats.aborted)
	require.NotNil(t, stats.mismatch)
	assert.Equal(t, "010-03", stats.mismatch.Key)
	assert.Equal(t, "Dune", stats.mismatch.Expected)
	assert.Equal(t, "Dune: Part Two", stats.mismatch.Got)

	dune, _ := ds.Get("010-03")
	assert.Equal(t, "Dune", dune.TitleOrEmpty())
	assert.False(t, dune.Complete)
	heat, _ := ds.Get("010-04")
	assert.False(t, heat.Complete, "results of an aborted pass are discarded")

	h.agg.Flush()
	entries, err := crawllog.ReadFile(h.agg.Path())
	require.NoError(t, err)
	var found bool
	for _, e := range entries {
		if e.Field0 == crawllog.CodeIDMismatch {
			found = true
			assert.Equal(t, crawllog.LevelError, e.Level)
			assert.Equal(t, "Dune: Part Two", e.Field1)
			assert.Equal(t, "Dune", e.Field2)
		}
	}
	assert.True(t, found)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.IDMismatches))
}

func TestCoordinator_ResolveCheckpointKeepsDatasetOnMismatch(t *testing.T) {
	site := newFakeSite()
	site.articles[10] = 4
	site.titles["010-03"] = "Dune: Part Two"
	srv := httptest.NewServer(site)
	defer srv.Close()

	h := newHarness(t, srv.URL, nil)
	crawlLog := h.agg.NewLogger()
	crawlLog.Error(crawllog.Msg(crawllog.CodeRequestsGetFailed, "010-03", srv.URL+site.reviewPath(10, 3)))

	meta := storage.NewCrawlMetadata([]int{10}, nil, h.agg.Path())
	meta.UnitsAttempted = []models.WorkUnit{{Page: 10}}
	rep, err := h.coord.Resolve(context.Background(), storage.Checkpoint{Dataset: mismatchDataset(), Meta: meta})
	require.NoError(t, err)
	assert.True(t, rep.RetryAborted)
	assert.Equal(t, "010-03", rep.MismatchKey)

	cp, err := h.store.Load(context.Background(), rep.Location)
	require.NoError(t, err)
	dune, ok := cp.Dataset.Get("010-03")
	require.True(t, ok)
	assert.Equal(t, "Dune", dune.TitleOrEmpty())
	assert.True(t, cp.Meta.RetryAborted)
}

func TestCoordinator_MalformedLogIsSurfaced(t *testing.T) {
	site := newFakeSite()
	site.articles[1] = 1
	srv := httptest.NewServer(site)
	defer srv.Close()

	h := newHarness(t, srv.URL, nil)
	_, err := h.agg.Write([]byte("2024-01-01 00:00:00|a.go|f|1|ERROR|only-seven\n"))
	require.NoError(t, err)

	_, err = h.coord.Run(context.Background(), []int{1}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrLogFormat)
	assert.Equal(t, models.PhaseClassifying, h.coord.Phase())
}

func TestCoordinator_CancelledRunSavesCheckpoint(t *testing.T) {
	site := newFakeSite()
	site.articles[1] = 3
	srv := httptest.NewServer(site)
	defer srv.Close()

	h := newHarness(t, srv.URL, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := h.coord.Run(ctx, []int{1}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, rep.Records)
	assert.NotEmpty(t, rep.Location)
}

func TestCoordinator_RetryPassDownloadsImagesOfRecoveredRecords(t *testing.T) {
	site := newFakeSite()
	site.articles[1] = 1
	site.pictures = true
	site.imageDelay = 50 * time.Millisecond
	site.failures[site.reviewPath(1, 1)] = 2 // Fails dispatch, recovers on retry
	srv := httptest.NewServer(site)
	defer srv.Close()

	h := newHarness(t, srv.URL, func(c *config.AppConfig) { c.ProcessImages = true })
	rep, err := h.coord.Run(context.Background(), []int{1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Recovered)

	rec, ok := rep.Dataset.Get("001-01")
	require.True(t, ok)
	require.True(t, rec.Complete)
	require.NotNil(t, rec.Picture)
	require.NotEmpty(t, rec.Picture.File, "picture of a record completed by the retry pass is downloaded")
	assert.FileExists(t, filepath.Join(h.cfg.ImageDir, rec.Picture.File))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.ImagesTotal.WithLabelValues(process.ResultDownloaded)))
}

func TestCoordinator_ResolveDispatchesUnitsTheRunNeverReached(t *testing.T) {
	site := newFakeSite()
	site.articles[1] = 2
	site.articles[2] = 2
	site.articles[3] = 2
	srv := httptest.NewServer(site)
	defer srv.Close()

	h := newHarness(t, srv.URL, func(c *config.AppConfig) { c.NumWorkers = 1 })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	site.setOnHit(func(path string) {
		if path == "/movies/reviews/2/" {
			cancel()
		}
	})

	_, err := h.coord.Run(ctx, []int{1, 2, 3}, nil)
	require.ErrorIs(t, err, context.Canceled)

	cp, err := h.store.Load(context.Background(), h.cfg.CheckpointPath())
	require.NoError(t, err)
	assert.Equal(t, []models.RecordKey{"001-01", "001-02"}, cp.Dataset.Keys())
	assert.Equal(t, []models.WorkUnit{{Page: 1}}, cp.Meta.UnitsAttempted)
	assert.Equal(t, []models.WorkUnit{{Page: 2}, {Page: 3}}, cp.Meta.PendingUnits())

	site.setOnHit(nil)
	rep, err := h.coord.Resolve(context.Background(), cp)
	require.NoError(t, err)
	assert.Equal(t, 6, rep.Dataset.Len())
	assert.Equal(t, 6, rep.Dataset.CountComplete())
	assert.Equal(t, 1, site.hitCount("/movies/reviews/1/"), "attempted pages are not dispatched again")

	final, err := h.store.Load(context.Background(), rep.Location)
	require.NoError(t, err)
	assert.Equal(t, []models.WorkUnit{{Page: 1}, {Page: 2}, {Page: 3}}, final.Meta.UnitsAttempted)
	assert.Equal(t, []int{1, 2, 3}, final.Meta.PagesProcessed)
	assert.Equal(t, models.PhaseDone, final.Meta.Phase)
}

func TestCoordinator_CancelWhileFinalizingKeepsDataset(t *testing.T) {
	site := newFakeSite()
	site.articles[1] = 1
	site.pictures = true
	site.imageDelay = 500 * time.Millisecond
	srv := httptest.NewServer(site)
	defer srv.Close()

	h := newHarness(t, srv.URL, func(c *config.AppConfig) { c.ProcessImages = true })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for h.coord.Phase() != models.PhaseFinalizing && ctx.Err() == nil {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	_, err := h.coord.Run(ctx, []int{1}, nil)
	require.ErrorIs(t, err, context.Canceled)

	cp, err := h.store.Load(context.Background(), h.cfg.CheckpointPath())
	require.NoError(t, err)
	rec, ok := cp.Dataset.Get("001-01")
	require.True(t, ok, "the checkpoint survives a cancel during finalize")
	assert.True(t, rec.Complete)
	assert.Equal(t, models.PhaseFinalizing, cp.Meta.Phase)
}
