package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/empire-scraper/pkg/log"
	"github.com/Sriram-PR/empire-scraper/pkg/models"
	"github.com/Sriram-PR/empire-scraper/pkg/utils"
)

const (
	movieKeyPrefix = "movie:"          // Prefix for record keys in DB, followed by the generation
	metaKey        = "meta:crawl"      // Single key holding CrawlMetadata
	generationKey  = "meta:generation" // Generation whose records belong to the saved checkpoint
)

// BadgerDatasetStore implements DatasetStore with one BadgerDB directory per checkpoint.
// The database is opened for the duration of a Save or Load only, so a saved checkpoint
// can be loaded by a later process.
type BadgerDatasetStore struct {
	dir string
	log *logrus.Entry
}

// NewBadgerDatasetStore creates a store saving into dir
func NewBadgerDatasetStore(dir string, logger *logrus.Entry) *BadgerDatasetStore {
	return &BadgerDatasetStore{dir: dir, log: logger}
}

func (s *BadgerDatasetStore) open(path string) (*badger.DB, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("%w: cannot create checkpoint directory %s: %w", utils.ErrFilesystem, path, err)
	}
	opts := badger.DefaultOptions(path).
		WithLogger(log.NewBadgerLogrusAdapter(s.log)).
		WithNumVersionsToKeep(1)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger database at %s: %w", utils.ErrDatabase, path, err)
	}
	return db, nil
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
func (s *BadgerDatasetStore) dbUpdate(db *badger.DB, fn func(txn *badger.Txn) error) error {
	for i := 0; i < maxConflictRetries; i++ {
		err := db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

// Save implements DatasetStore. Records are written under a fresh generation and become
// visible only when the metadata naming that generation commits, so a failed or cancelled
// save leaves the previous checkpoint intact. Older generations are dropped afterwards.
func (s *BadgerDatasetStore) Save(ctx context.Context, cp Checkpoint) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if cp.Dataset == nil {
		cp.Dataset = models.NewDataset()
	}
	db, err := s.open(s.dir)
	if err != nil {
		return "", err
	}
	defer s.close(db)

	gen := uuid.NewString()
	wb := db.NewWriteBatch()
	defer wb.Cancel()
	for _, rec := range cp.Dataset.Records() {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		val, err := json.Marshal(rec)
		if err != nil {
			return "", fmt.Errorf("%w: marshal record %s: %w", utils.ErrDatabase, rec.Key, err)
		}
		if err := wb.Set(recordKey(gen, rec.Key), val); err != nil {
			return "", fmt.Errorf("%w: writing record %s: %w", utils.ErrDatabase, rec.Key, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return "", fmt.Errorf("%w: flushing records: %w", utils.ErrDatabase, err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	metaVal, err := json.Marshal(cp.Meta)
	if err != nil {
		return "", fmt.Errorf("%w: marshal crawl metadata: %w", utils.ErrDatabase, err)
	}
	err = s.dbUpdate(db, func(txn *badger.Txn) error {
		if err := txn.Set([]byte(metaKey), metaVal); err != nil {
			return err
		}
		return txn.Set([]byte(generationKey), []byte(gen))
	})
	if err != nil {
		return "", fmt.Errorf("%w: writing crawl metadata: %w", utils.ErrDatabase, err)
	}

	if err := s.dropStale(db, gen); err != nil {
		s.log.Warnf("Stale checkpoint records left in place: %v", err)
	}
	s.compact(db)
	s.log.WithFields(logrus.Fields{
		"location": s.dir,
		"records":  cp.Dataset.Len(),
		"complete": cp.Dataset.CountComplete(),
		"run_id":   cp.Meta.RunID,
	}).Info("Checkpoint saved")
	return s.dir, nil
}

// dropStale removes the records of every generation other than current, including
// leftovers of saves that never committed
func (s *BadgerDatasetStore) dropStale(db *badger.DB, current string) error {
	var stale [][]byte
	seen := make(map[string]bool)
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(movieKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			gen, _, _ := strings.Cut(strings.TrimPrefix(string(it.Item().Key()), movieKeyPrefix), ":")
			if gen != current && !seen[gen] {
				seen[gen] = true
				stale = append(stale, []byte(movieKeyPrefix+gen+":"))
			}
		}
		return nil
	})
	if err != nil || len(stale) == 0 {
		return err
	}
	return db.DropPrefix(stale...)
}

// recordKey is movie:<generation>:<record key>
func recordKey(gen string, key models.RecordKey) []byte {
	return []byte(movieKeyPrefix + gen + ":" + string(key))
}

// Load implements DatasetStore
func (s *BadgerDatasetStore) Load(ctx context.Context, location string) (Checkpoint, error) {
	if _, err := os.Stat(location); err != nil {
		return Checkpoint{}, fmt.Errorf("%w: checkpoint '%s': %w", utils.ErrFilesystem, location, err)
	}
	db, err := s.open(location)
	if err != nil {
		return Checkpoint{}, err
	}
	defer s.close(db)

	cp := Checkpoint{Dataset: models.NewDataset()}
	err = db.View(func(txn *badger.Txn) error {
		if item, errGet := txn.Get([]byte(metaKey)); errGet == nil {
			if errVal := item.Value(func(val []byte) error { return json.Unmarshal(val, &cp.Meta) }); errVal != nil {
				return fmt.Errorf("decoding crawl metadata: %w", errVal)
			}
		} else if !errors.Is(errGet, badger.ErrKeyNotFound) {
			return errGet
		}

		item, errGet := txn.Get([]byte(generationKey))
		switch {
		case errors.Is(errGet, badger.ErrKeyNotFound):
			return nil // Nothing committed yet
		case errGet != nil:
			return errGet
		}
		gen, errVal := item.ValueCopy(nil)
		if errVal != nil {
			return fmt.Errorf("reading checkpoint generation: %w", errVal)
		}

		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(movieKeyPrefix + string(gen) + ":")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var rec models.MovieRecord
			if errVal := item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); errVal != nil {
				return fmt.Errorf("decoding record '%s': %w", string(item.Key()), errVal)
			}
			cp.Dataset.Merge(rec)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Checkpoint{}, err
		}
		return Checkpoint{}, fmt.Errorf("%w: loading checkpoint '%s': %w", utils.ErrDatabase, location, err)
	}

	s.log.WithFields(logrus.Fields{
		"location": location,
		"records":  cp.Dataset.Len(),
		"run_id":   cp.Meta.RunID,
	}).Info("Checkpoint loaded")
	return cp, nil
}

// compact reclaims value log space left by replaced records
func (s *BadgerDatasetStore) compact(db *badger.DB) {
	var err error
	for err == nil {
		err = db.RunValueLogGC(0.5)
	}
	if !errors.Is(err, badger.ErrNoRewrite) {
		s.log.Debugf("BadgerDB GC skipped: %v", err)
	}
}

func (s *BadgerDatasetStore) close(db *badger.DB) {
	if err := db.Close(); err != nil {
		s.log.Errorf("Error closing BadgerDB: %v", err)
	}
}
