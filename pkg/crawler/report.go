package crawler

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/empire-scraper/pkg/models"
	"github.com/Sriram-PR/empire-scraper/pkg/storage"
)

// Report summarizes a crawl or resolve run
type Report struct {
	RunID           string        `yaml:"run_id"`
	Duration        time.Duration `yaml:"duration"`
	PagesRequested  int           `yaml:"pages_requested"`
	PagesProcessed  int           `yaml:"pages_processed"`
	Records         int           `yaml:"records"`
	Complete        int           `yaml:"complete"`
	Stubs           int           `yaml:"stubs"`
	RetriedKeys     int           `yaml:"retried_keys"`
	RetriedPages    int           `yaml:"retried_pages"`
	Recovered       int           `yaml:"recovered"`
	TerminalDropped int           `yaml:"terminal_dropped"`
	RetryAborted    bool          `yaml:"retry_aborted"`
	MismatchKey     string        `yaml:"mismatch_key,omitempty"`
	Location        string        `yaml:"location,omitempty"`

	Dataset *models.Dataset `yaml:"-"`
}

func (c *Coordinator) report(ds *models.Dataset, meta *storage.CrawlMetadata, start time.Time, stats retryStats, dropped int, location string) Report {
	rep := Report{
		RunID:           meta.RunID,
		Duration:        time.Since(start),
		PagesRequested:  len(meta.PagesRequested),
		PagesProcessed:  len(meta.PagesProcessed),
		Records:         ds.Len(),
		Complete:        ds.CountComplete(),
		RetriedKeys:     stats.keys,
		RetriedPages:    stats.pageUnits,
		Recovered:       stats.recovered,
		TerminalDropped: dropped,
		RetryAborted:    stats.aborted,
		Location:        location,
		Dataset:         ds,
	}
	rep.Stubs = rep.Records - rep.Complete
	if stats.mismatch != nil {
		rep.MismatchKey = stats.mismatch.Key
	}
	return rep
}

// Log writes the summary banner
func (r Report) Log(log *logrus.Entry) {
	summaryLog := log.WithField("run_id", r.RunID)
	summaryLog.Info("========================================================================")
	summaryLog.Info("CRAWL FINISHED")
	summaryLog.Infof("Duration:         %v", r.Duration)
	summaryLog.Infof("Pages:            %d processed of %d requested", r.PagesProcessed, r.PagesRequested)
	summaryLog.Infof("Records:          %d (%d complete, %d stub-only)", r.Records, r.Complete, r.Stubs)
	summaryLog.Infof("Retried:          %d key(s), %d page(s), %d recovered", r.RetriedKeys, r.RetriedPages, r.Recovered)
	summaryLog.Infof("Terminal dropped: %d", r.TerminalDropped)
	if r.RetryAborted {
		summaryLog.Warnf("Retry pass aborted on identity mismatch at %s", r.MismatchKey)
	}
	if r.Location != "" {
		summaryLog.Infof("Saved to:         %s", r.Location)
	}
	summaryLog.Info("========================================================================")
}
