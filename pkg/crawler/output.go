package crawler

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/Sriram-PR/empire-scraper/pkg/models"
	"github.com/Sriram-PR/empire-scraper/pkg/utils"
)

// Export filenames inside output_dir
const (
	JSONLFilename = "reviews.jsonl"
	TSVFilename   = "reviews.tsv"
)

// tsvHeader lists the summary columns. Introduction, review text and thumbnail are left
// out to keep the sheet small; the JSONL export carries everything.
var tsvHeader = []string{
	"key", "page_number", "article_position", "title", "is_essay", "rating", "review_url",
	"author", "date_published", "last_update_date", "release_date", "certificate",
	"running_time_minutes", "review_rating", "picture", "complete",
}

func (c *Coordinator) export(ds *models.Dataset) error {
	if !c.cfg.ExportJSONL && !c.cfg.ExportTSV {
		return nil
	}
	if err := os.MkdirAll(c.cfg.OutputDir, 0755); err != nil {
		return fmt.Errorf("%w: creating output dir '%s': %w", utils.ErrFilesystem, c.cfg.OutputDir, err)
	}
	if c.cfg.ExportJSONL {
		path := filepath.Join(c.cfg.OutputDir, JSONLFilename)
		if err := WriteJSONL(path, ds); err != nil {
			return err
		}
		c.log.Infof("JSONL export written: %s", path)
	}
	if c.cfg.ExportTSV {
		path := filepath.Join(c.cfg.OutputDir, TSVFilename)
		if err := WriteTSV(path, ds); err != nil {
			return err
		}
		c.log.Infof("TSV export written: %s", path)
	}
	return nil
}

// WriteJSONL writes one JSON object per record, ordered by key
func WriteJSONL(path string, ds *models.Dataset) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: creating JSONL file '%s': %w", utils.ErrFilesystem, path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("%w: closing JSONL file '%s': %w", utils.ErrFilesystem, path, cerr)
		}
	}()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, rec := range ds.Records() {
		if err := enc.Encode(rec); err != nil {
			return utils.WrapErrorf(err, "encoding record %s", rec.Key)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("%w: writing JSONL file '%s': %w", utils.ErrFilesystem, path, err)
	}
	return nil
}

// WriteTSV writes the summary sheet, ordered by key. Nil fields are empty cells.
func WriteTSV(path string, ds *models.Dataset) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: creating TSV file '%s': %w", utils.ErrFilesystem, path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("%w: closing TSV file '%s': %w", utils.ErrFilesystem, path, cerr)
		}
	}()

	w := csv.NewWriter(f)
	w.Comma = '\t'
	if err := w.Write(tsvHeader); err != nil {
		return fmt.Errorf("%w: writing TSV header: %w", utils.ErrFilesystem, err)
	}
	for _, rec := range ds.Records() {
		if err := w.Write(tsvRow(rec)); err != nil {
			return fmt.Errorf("%w: writing TSV row %s: %w", utils.ErrFilesystem, rec.Key, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("%w: flushing TSV file '%s': %w", utils.ErrFilesystem, path, err)
	}
	return nil
}

func tsvRow(r models.MovieRecord) []string {
	picture := ""
	if r.Picture != nil {
		picture = r.Picture.Source
		if r.Picture.File != "" {
			picture = r.Picture.File
		}
	}
	return []string{
		string(r.Key),
		strconv.Itoa(r.PageNumber),
		strconv.Itoa(r.ArticlePosition),
		str(r.Title),
		boolStr(r.IsEssay),
		intStr(r.Rating),
		str(r.ReviewURL),
		str(r.Author),
		str(r.DatePublished),
		str(r.LastUpdateDate),
		str(r.ReleaseDate),
		str(r.Certificate),
		intStr(r.RunningTimeMinutes),
		intStr(r.ReviewRating),
		picture,
		strconv.FormatBool(r.Complete),
	}
}

func str(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func intStr(n *int) string {
	if n == nil {
		return ""
	}
	return strconv.Itoa(*n)
}

func boolStr(b *bool) string {
	if b == nil {
		return ""
	}
	return strconv.FormatBool(*b)
}
