package crawler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Sriram-PR/empire-scraper/pkg/crawllog"
	"github.com/Sriram-PR/empire-scraper/pkg/models"
	"github.com/Sriram-PR/empire-scraper/pkg/process"
	"github.com/Sriram-PR/empire-scraper/pkg/utils"
)

// Unit result labels used for metrics
const (
	unitOK      = "ok"
	unitEmpty   = "empty"
	unitFailed  = "failed"
	unitAborted = "aborted"
)

// unitResult is what one worker hands back to the coordinator
type unitResult struct {
	unit    models.WorkUnit
	records []models.MovieRecord
	failed  bool // Listing fetch or parse failed; nothing is merged
}

// dispatchAndMerge runs every unit on a bounded pool and merges the results into ds.
// Returns the pages that yielded at least one record and the units that ran to completion;
// units cut short by cancellation are in neither.
func (c *Coordinator) dispatchAndMerge(ctx context.Context, units []models.WorkUnit, workers int, ds *models.Dataset) ([]int, []models.WorkUnit) {
	c.setPhase(models.PhaseDispatching)

	results := make(chan unitResult, workers)
	var collected []unitResult
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for r := range results {
			collected = append(collected, r)
		}
	}()

	var g errgroup.Group
	g.SetLimit(workers)
	for i, unit := range units {
		unit := unit
		workerLog := c.log.WithFields(logrus.Fields{"worker_id": i%workers + 1, "page": unit.Page})
		g.Go(func() error {
			r, err := c.runUnit(ctx, ctx, unit, workerLog)
			if err != nil {
				// Only cancellation ends a unit early; it leaves no result
				c.observeUnit(unitAborted, nil)
				return nil
			}
			results <- r
			return nil
		})
	}
	_ = g.Wait()
	close(results)
	<-collectorDone

	c.setPhase(models.PhaseMerging)
	var pages []int
	attempted := make([]models.WorkUnit, 0, len(collected))
	for _, r := range collected {
		attempted = append(attempted, r.unit)
		if r.failed || len(r.records) == 0 {
			continue
		}
		ds.Merge(r.records...)
		pages = append(pages, r.unit.Page)
	}
	c.log.WithFields(logrus.Fields{"records": ds.Len(), "complete": ds.CountComplete()}).Info("Merged unit results")
	sortUnits(attempted)
	return mergePages(nil, pages), attempted
}

// runUnit fetches one listing page and then, sequentially in article order, the detail page
// of every article on it (or only of unit.Article). A panic fails the unit, not the run.
// Image downloads are enqueued under imgCtx, which may outlive ctx.
// The only error returned is ctx's.
func (c *Coordinator) runUnit(ctx, imgCtx context.Context, unit models.WorkUnit, log *logrus.Entry) (res unitResult, err error) {
	res.unit = unit
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("PANIC in work unit %+v: %v\n%s", unit, r, string(debug.Stack()))
			res = unitResult{unit: unit, failed: true}
			err = nil
			c.observeUnit(unitFailed, nil)
		}
	}()

	stubs, ok, err := c.listStubs(ctx, unit, log)
	if err != nil {
		return res, err
	}
	if !ok {
		res.failed = true
		c.observeUnit(unitFailed, nil)
		return res, nil
	}
	if len(stubs) == 0 {
		c.observeUnit(unitEmpty, nil)
		return res, nil
	}

	for _, stub := range stubs {
		if stub.Thumbnail != nil {
			c.images.Enqueue(imgCtx, process.ImageJob{Key: stub.Key, Kind: process.KindThumbnail, Source: stub.Thumbnail.Source, Title: stub.TitleOrEmpty()})
		}
		rec, err := c.completeRecord(ctx, imgCtx, stub, log)
		if err != nil {
			return res, err
		}
		res.records = append(res.records, rec)
	}
	c.observeUnit(unitOK, res.records)
	return res, nil
}

// listStubs fetches and parses the listing page of unit. ok is false when the listing fetch
// failed; an empty slice with ok true means the page has no (matching) article.
func (c *Coordinator) listStubs(ctx context.Context, unit models.WorkUnit, log *logrus.Entry) ([]models.ArticleStub, bool, error) {
	pageURL := c.cfg.ListingURL(unit.Page)
	c.crawlLog.Info(crawllog.Msg(crawllog.CodeGetReviewPage, unit.Page, pageURL))

	body, err := c.fetcher.Fetch(ctx, pageURL, c.cfg.MaxAttempts)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, false, ctxErr
		}
		code := crawllog.CodeRequestFailed
		if errors.Is(err, utils.ErrNotFound) {
			code = crawllog.CodeNotFound
		}
		c.crawlLog.Error(crawllog.Msg(code, unit.Page, pageURL))
		log.WithField("error_type", utils.CategorizeError(err)).Warnf("Listing page failed: %v", err)
		return nil, false, nil
	}

	stubs, err := c.listing.Parse(body, unit.Page, pageURL)
	if err != nil {
		c.crawlLog.Info(crawllog.Msg(crawllog.CodeNonexistentPage, unit.Page, pageURL))
		log.Warnf("Listing page unparsable: %v", err)
		return nil, false, nil
	}
	if len(stubs) == 0 {
		c.crawlLog.Info(crawllog.Msg(crawllog.CodeNonexistentPage, unit.Page, pageURL))
		log.Info("Listing page has no articles")
		return nil, true, nil
	}

	if unit.Article > 0 {
		for _, s := range stubs {
			if s.ArticlePosition == unit.Article {
				return []models.ArticleStub{s}, true, nil
			}
		}
		key := models.NewRecordKey(unit.Page, unit.Article)
		c.crawlLog.Info(crawllog.Msg(crawllog.CodeNonexistentPage, key, pageURL))
		log.Infof("Article %d not on page (%d articles)", unit.Article, len(stubs))
		return nil, true, nil
	}
	log.Debugf("Found %d articles", len(stubs))
	return stubs, true, nil
}

// completeRecord fetches the stub's detail page. Any failure short of cancellation
// leaves a stub-only record; the crawl log says whether it is worth retrying.
func (c *Coordinator) completeRecord(ctx, imgCtx context.Context, stub models.ArticleStub, log *logrus.Entry) (models.MovieRecord, error) {
	rec := models.NewStubRecord(stub)
	if stub.ReviewURL == nil {
		log.WithField("key", stub.Key).Debug("Article has no review link, keeping stub")
		return rec, nil
	}
	reviewURL := *stub.ReviewURL
	keyLog := log.WithFields(logrus.Fields{"key": stub.Key, "url": reviewURL})
	c.crawlLog.Info(crawllog.Msg(crawllog.CodeGetReview, stub.Key, reviewURL))

	body, err := c.fetcher.Fetch(ctx, reviewURL, c.cfg.DetailMaxAttempts)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return rec, ctxErr
		}
		code := crawllog.CodeRequestsGetFailed
		if errors.Is(err, utils.ErrNotFound) {
			code = crawllog.CodeNotFound
		}
		c.crawlLog.Error(crawllog.Msg(code, stub.Key, reviewURL))
		keyLog.WithField("error_type", utils.CategorizeError(err)).Warnf("Review fetch failed, keeping stub: %v", err)
		return rec, nil
	}

	detail, err := c.detail.Parse(body)
	if err != nil {
		if errors.Is(err, utils.ErrMalformedPage) {
			c.crawlLog.Info(crawllog.Msg(crawllog.CodeNoInfoLeft, stub.Key, reviewURL))
			keyLog.Info("Review page has no info block, keeping stub")
			return rec, nil
		}
		c.crawlLog.Error(crawllog.Msg(crawllog.CodeRequestsGetFailed, stub.Key, reviewURL))
		keyLog.Warnf("Review page unparsable, keeping stub: %v", err)
		return rec, nil
	}

	if detail.Picture != nil {
		c.images.Enqueue(imgCtx, process.ImageJob{Key: stub.Key, Kind: process.KindPicture, Source: detail.Picture.Source})
	}
	return rec.WithDetail(detail, time.Now().UTC()), nil
}

func (c *Coordinator) observeUnit(result string, records []models.MovieRecord) {
	if c.metrics == nil {
		return
	}
	c.metrics.UnitsTotal.WithLabelValues(result).Inc()
	for _, r := range records {
		kind := "stub"
		if r.Complete {
			kind = "complete"
		}
		c.metrics.RecordsTotal.WithLabelValues(kind).Inc()
	}
}

func sortUnits(units []models.WorkUnit) {
	sort.Slice(units, func(i, j int) bool {
		if units[i].Page != units[j].Page {
			return units[i].Page < units[j].Page
		}
		return units[i].Article < units[j].Article
	})
}

// unitLabel names a unit in logs
func unitLabel(u models.WorkUnit) string {
	if u.Article > 0 {
		return string(models.NewRecordKey(u.Page, u.Article))
	}
	return fmt.Sprintf("page %d", u.Page)
}
