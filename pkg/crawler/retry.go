package crawler

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Sriram-PR/empire-scraper/pkg/classify"
	"github.com/Sriram-PR/empire-scraper/pkg/crawllog"
	"github.com/Sriram-PR/empire-scraper/pkg/models"
	"github.com/Sriram-PR/empire-scraper/pkg/utils"
)

type retryStats struct {
	keys      int   // Stub records re-driven
	pageUnits int   // Failed listing pages re-driven
	pages     []int // Re-driven pages that yielded records
	recovered int   // Records completed by the pass
	aborted   bool
	mismatch  *utils.IdentityMismatchError
}

// retryPass re-runs the single-article path for every retryable key that is still a stub,
// and the whole-page path for every retryable listing page that contributed nothing.
// Results are merged only if no retried record changed identity; on the first mismatch the
// pass is cancelled, everything it fetched is discarded and ds is left untouched.
// Image downloads run under ctx so they survive the pass's own cancellation.
func (c *Coordinator) retryPass(ctx context.Context, ds *models.Dataset, res classify.Result, workers int) (retryStats, error) {
	var stats retryStats

	type keyJob struct {
		key      models.RecordKey
		expected string
		unit     models.WorkUnit
	}
	var keyJobs []keyJob
	for _, key := range res.Retryable {
		rec, ok := ds.Get(key)
		if !ok || rec.Complete {
			continue
		}
		keyJobs = append(keyJobs, keyJob{
			key:      key,
			expected: rec.TitleOrEmpty(),
			unit:     models.WorkUnit{Page: rec.PageNumber, Article: rec.ArticlePosition},
		})
	}

	present := make(map[int]bool)
	for _, rec := range ds.Records() {
		present[rec.PageNumber] = true
	}
	var pageUnits []models.WorkUnit
	for _, page := range res.RetryablePages {
		if !present[page] {
			pageUnits = append(pageUnits, models.WorkUnit{Page: page})
		}
	}

	stats.keys, stats.pageUnits = len(keyJobs), len(pageUnits)
	if stats.keys == 0 && stats.pageUnits == 0 {
		c.log.Info("Nothing to retry")
		return stats, nil
	}
	c.log.WithFields(logrus.Fields{"keys": stats.keys, "pages": stats.pageUnits}).Info("Retry pass starting")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var mu sync.Mutex
	var retried []models.MovieRecord
	var retriedPages []int

	for _, job := range keyJobs {
		job := job
		jobLog := c.log.WithFields(logrus.Fields{"key": job.key, "retry": true})
		g.Go(func() error {
			r, err := c.runUnit(gctx, ctx, job.unit, jobLog)
			if err != nil {
				return err
			}
			for _, rec := range r.records {
				if got := rec.TitleOrEmpty(); got != job.expected {
					c.crawlLog.Error(crawllog.Msg(crawllog.CodeIDMismatch, got, job.expected))
					return &utils.IdentityMismatchError{Key: string(job.key), Expected: job.expected, Got: got}
				}
			}
			mu.Lock()
			retried = append(retried, r.records...)
			mu.Unlock()
			return nil
		})
	}
	for _, unit := range pageUnits {
		unit := unit
		unitLog := c.log.WithFields(logrus.Fields{"page": unit.Page, "retry": true})
		g.Go(func() error {
			r, err := c.runUnit(gctx, ctx, unit, unitLog)
			if err != nil {
				return err
			}
			if r.failed || len(r.records) == 0 {
				unitLog.Infof("Retry of %s yielded nothing", unitLabel(unit))
				return nil
			}
			mu.Lock()
			retried = append(retried, r.records...)
			retriedPages = append(retriedPages, unit.Page)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		var mismatch *utils.IdentityMismatchError
		if errors.As(err, &mismatch) {
			c.log.WithField("error_type", utils.CategorizeError(err)).Errorf("Retry pass aborted, dataset left as before: %v", err)
			if c.metrics != nil {
				c.metrics.IDMismatches.Inc()
			}
			stats.aborted = true
			stats.mismatch = mismatch
			return stats, nil
		}
		return stats, err
	}

	before := ds.CountComplete()
	ds.Merge(retried...)
	stats.recovered = ds.CountComplete() - before
	stats.pages = mergePages(nil, retriedPages)
	c.log.WithFields(logrus.Fields{"recovered": stats.recovered, "records": len(retried)}).Info("Retry pass merged")
	return stats, nil
}
