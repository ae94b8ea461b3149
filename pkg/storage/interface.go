package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Sriram-PR/empire-scraper/pkg/models"
)

// CrawlMetadata describes the run that produced a checkpoint
type CrawlMetadata struct {
	RunID             string            `json:"run_id"`
	PagesRequested    []int             `json:"pages_requested"`
	ArticlesRequested []int             `json:"articles_requested,omitempty"` // Parallel to PagesRequested in single-article mode
	UnitsAttempted    []models.WorkUnit `json:"units_attempted"`              // Units that ran to completion, whatever they yielded
	PagesProcessed    []int             `json:"pages_processed"`              // Listing pages that yielded at least one article
	LogFile           string            `json:"log_file"`
	Phase             models.Phase      `json:"phase"`
	RetryAborted      bool              `json:"retry_aborted"`
	StartedAt         time.Time         `json:"started_at"`
	FinishedAt        time.Time         `json:"finished_at,omitempty"`
}

// NewCrawlMetadata starts the metadata for a fresh run with a random run id
func NewCrawlMetadata(pages, articles []int, logFile string) CrawlMetadata {
	return CrawlMetadata{
		RunID:             uuid.NewString(),
		PagesRequested:    append([]int(nil), pages...),
		ArticlesRequested: append([]int(nil), articles...),
		LogFile:           logFile,
		StartedAt:         time.Now().UTC(),
	}
}

// PendingUnits returns the requested units that never ran, in request order
func (m CrawlMetadata) PendingUnits() []models.WorkUnit {
	done := make(map[models.WorkUnit]bool, len(m.UnitsAttempted))
	for _, u := range m.UnitsAttempted {
		done[u] = true
	}
	var pending []models.WorkUnit
	for i, page := range m.PagesRequested {
		u := models.WorkUnit{Page: page}
		if len(m.ArticlesRequested) == len(m.PagesRequested) {
			u.Article = m.ArticlesRequested[i]
		}
		if !done[u] {
			done[u] = true
			pending = append(pending, u)
		}
	}
	return pending
}

// Checkpoint is everything needed to resume or finalize a crawl: the dataset plus its metadata.
// It holds no open handles and no coordinator state.
type Checkpoint struct {
	Dataset *models.Dataset
	Meta    CrawlMetadata
}

// DatasetStore persists checkpoints. Load(Save(c)) returns an equal checkpoint.
type DatasetStore interface {
	// Save writes the checkpoint, replacing any dataset previously saved there, and returns its location
	Save(ctx context.Context, cp Checkpoint) (location string, err error)

	// Load reads the checkpoint saved at location
	Load(ctx context.Context, location string) (Checkpoint, error)
}
