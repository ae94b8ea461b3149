package storage

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/empire-scraper/pkg/models"
	"github.com/Sriram-PR/empire-scraper/pkg/utils"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func sampleDataset() *models.Dataset {
	ds := models.NewDataset()
	essay := false
	complete := models.NewStubRecord(models.ArticleStub{
		Key:             models.NewRecordKey(10, 3),
		PageNumber:      10,
		ArticlePosition: 3,
		PageURL:         "https://www.empireonline.com/movies/reviews/10/",
		Title:           strPtr("Dune"),
		IsEssay:         &essay,
		ReviewURL:       strPtr("https://www.empireonline.com/movies/dune/review/"),
		Rating:          intPtr(4),
		Thumbnail:       &models.ImageRef{Source: "https://images.example/dune.jpg", File: "thumbnails/dune.jpg"},
	}).WithDetail(models.DetailFields{
		Author:             strPtr("Jane Critic"),
		ReleaseDate:        strPtr("2021-10-21"),
		RunningTimeMinutes: intPtr(155),
		ReviewText:         strPtr("One.\nTwo."),
	}, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	stub := models.NewStubRecord(models.ArticleStub{
		Key:             models.NewRecordKey(10, 4),
		PageNumber:      10,
		ArticlePosition: 4,
		Title:           strPtr("Heat"),
	})
	ds.Merge(complete, stub)
	return ds
}

func TestBadgerDatasetStore_RoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoint")
	store := NewBadgerDatasetStore(dir, testLogger())
	ctx := context.Background()

	meta := NewCrawlMetadata([]int{10, 11}, nil, "/state/crawl.log")
	meta.PagesProcessed = []int{10}
	meta.UnitsAttempted = []models.WorkUnit{{Page: 10}}
	meta.Phase = models.PhaseMerging
	meta.StartedAt = time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)
	original := Checkpoint{Dataset: sampleDataset(), Meta: meta}

	location, err := store.Save(ctx, original)
	require.NoError(t, err)
	assert.Equal(t, dir, location)

	loaded, err := store.Load(ctx, location)
	require.NoError(t, err)
	assert.Equal(t, original.Dataset.Records(), loaded.Dataset.Records())
	assert.Equal(t, original.Meta, loaded.Meta)
}

func TestBadgerDatasetStore_SaveReplacesPreviousRecords(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoint")
	store := NewBadgerDatasetStore(dir, testLogger())
	ctx := context.Background()

	ds := sampleDataset()
	_, err := store.Save(ctx, Checkpoint{Dataset: ds, Meta: NewCrawlMetadata(nil, nil, "")})
	require.NoError(t, err)

	ds.Drop("010-04")
	_, err = store.Save(ctx, Checkpoint{Dataset: ds, Meta: NewCrawlMetadata(nil, nil, "")})
	require.NoError(t, err)

	loaded, err := store.Load(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, []models.RecordKey{"010-03"}, loaded.Dataset.Keys())
}

func TestBadgerDatasetStore_EmptyDataset(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoint")
	store := NewBadgerDatasetStore(dir, testLogger())

	_, err := store.Save(context.Background(), Checkpoint{})
	require.NoError(t, err)

	loaded, err := store.Load(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 0, loaded.Dataset.Len())
}

func TestBadgerDatasetStore_LoadMissingLocation(t *testing.T) {
	store := NewBadgerDatasetStore(t.TempDir(), testLogger())
	_, err := store.Load(context.Background(), filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrFilesystem)
}

func TestNewCrawlMetadata(t *testing.T) {
	pages := []int{1, 2}
	a := NewCrawlMetadata(pages, nil, "log")
	b := NewCrawlMetadata(pages, nil, "log")

	assert.NotEqual(t, a.RunID, b.RunID)
	assert.Len(t, a.RunID, 36)
	pages[0] = 99
	assert.Equal(t, []int{1, 2}, a.PagesRequested, "pages are copied")
}

func TestBadgerDatasetStore_CancelledSaveKeepsPreviousCheckpoint(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoint")
	store := NewBadgerDatasetStore(dir, testLogger())
	first := NewCrawlMetadata([]int{10}, nil, "crawl.log")
	_, err := store.Save(context.Background(), Checkpoint{Dataset: sampleDataset(), Meta: first})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.Save(ctx, Checkpoint{Dataset: models.NewDataset(), Meta: NewCrawlMetadata(nil, nil, "")})
	require.ErrorIs(t, err, context.Canceled)

	loaded, err := store.Load(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, []models.RecordKey{"010-03", "010-04"}, loaded.Dataset.Keys())
	assert.Equal(t, first.RunID, loaded.Meta.RunID)
}

func TestBadgerDatasetStore_UncommittedRecordsAreIgnoredThenCleared(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoint")
	store := NewBadgerDatasetStore(dir, testLogger())
	ctx := context.Background()
	_, err := store.Save(ctx, Checkpoint{Dataset: sampleDataset(), Meta: NewCrawlMetadata(nil, nil, "")})
	require.NoError(t, err)

	// A save interrupted after its batch flushed but before its metadata committed
	db, err := store.open(dir)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey("interrupted", "099-01"), []byte(`{"key":"099-01"}`))
	}))
	store.close(db)

	loaded, err := store.Load(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, []models.RecordKey{"010-03", "010-04"}, loaded.Dataset.Keys())

	_, err = store.Save(ctx, loaded)
	require.NoError(t, err)

	db, err = store.open(dir)
	require.NoError(t, err)
	defer store.close(db)
	var keys []string
	require.NoError(t, db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(movieKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	}))
	assert.Len(t, keys, 2)
	for _, k := range keys {
		assert.NotContains(t, k, "interrupted")
	}
}

func TestCrawlMetadata_PendingUnits(t *testing.T) {
	meta := NewCrawlMetadata([]int{1, 2, 3, 2}, nil, "")
	meta.UnitsAttempted = []models.WorkUnit{{Page: 2}}
	assert.Equal(t, []models.WorkUnit{{Page: 1}, {Page: 3}}, meta.PendingUnits())

	targets := NewCrawlMetadata([]int{446, 446, 68}, []int{5, 1, 20}, "")
	targets.UnitsAttempted = []models.WorkUnit{{Page: 446, Article: 5}}
	assert.Equal(t, []models.WorkUnit{{Page: 446, Article: 1}, {Page: 68, Article: 20}}, targets.PendingUnits())

	targets.UnitsAttempted = append(targets.UnitsAttempted, targets.PendingUnits()...)
	assert.Empty(t, targets.PendingUnits())
}
