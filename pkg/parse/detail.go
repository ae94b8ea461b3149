package parse

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/Sriram-PR/empire-scraper/pkg/config"
	"github.com/Sriram-PR/empire-scraper/pkg/models"
	"github.com/Sriram-PR/empire-scraper/pkg/utils"
)

// ErrAbsentInfo means the review page has no info block; the record must not be completed from it
var ErrAbsentInfo = fmt.Errorf("%w: review info block missing", utils.ErrMalformedPage)

// Info block labels
const (
	labelReleaseDate = "Release date"
	labelRunningTime = "Running time"
	labelCertificate = "Certificate"

	releaseDateLayout = "02 Jan 2006"
)

// DetailParser extracts review fields from a detail page
type DetailParser struct {
	sel config.DetailSelectors
}

// NewDetailParser creates a DetailParser
func NewDetailParser(sel config.DetailSelectors) *DetailParser {
	return &DetailParser{sel: sel}
}

// Parse extracts every detail field independently; a missing author does not stop the rating.
// Returns ErrAbsentInfo when the info block is missing entirely.
func (p *DetailParser) Parse(html []byte) (models.DetailFields, error) {
	var d models.DetailFields
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return d, fmt.Errorf("%w: detail HTML: %w", utils.ErrParsing, err)
	}

	info := doc.Find(p.sel.InfoBlock)
	if info.Length() == 0 {
		return d, ErrAbsentInfo
	}
	applyInfoBlock(&d, textNodes(info.First()))

	d.ReviewRating = starCount(doc.Find(p.sel.StarsOn))
	d.Author = textPtr(doc.Find(p.sel.Author))
	d.DatePublished = datePrefix(doc.Find(p.sel.DatePublished), "datetime")
	d.LastUpdateDate = datePrefix(doc.Find(p.sel.LastUpdate).Last(), "datetime")
	d.Introduction = textPtr(doc.Find(p.sel.Introduction))
	d.ReviewText = joinParagraphs(doc.Find(p.sel.ReviewBody))
	if src := attrPtr(doc.Find(p.sel.Picture), "src"); src != nil {
		d.Picture = &models.ImageRef{Source: *src}
	}
	return d, nil
}

// applyInfoBlock pairs consecutive label/value texts. Unknown labels are ignored.
func applyInfoBlock(d *models.DetailFields, texts []string) {
	for i := 0; i+1 < len(texts); i += 2 {
		label, value := texts[i], texts[i+1]
		switch label {
		case labelReleaseDate:
			d.ReleaseDate = isoDate(value)
		case labelRunningTime:
			d.RunningTimeMinutes = minutes(value)
		case labelCertificate:
			v := value
			d.Certificate = &v
		}
	}
}

// isoDate reformats "02 Jan 2006" as "2006-01-02"; unparsable dates become nil
func isoDate(value string) *string {
	t, err := time.Parse(releaseDateLayout, strings.TrimSpace(value))
	if err != nil {
		return nil
	}
	s := t.Format("2006-01-02")
	return &s
}

// minutes keeps only the digits of a running time like "155 mins"
func minutes(value string) *int {
	digits := digitsOnly(value)
	if digits == "" {
		return nil
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return nil
	}
	return &n
}

func joinParagraphs(s *goquery.Selection) *string {
	if s.Length() == 0 {
		return nil
	}
	paragraphs := make([]string, 0, s.Length())
	s.Each(func(_ int, p *goquery.Selection) {
		paragraphs = append(paragraphs, strings.TrimSpace(p.Text()))
	})
	joined := strings.Join(paragraphs, "\n")
	return &joined
}
