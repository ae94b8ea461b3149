package parse

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/Sriram-PR/empire-scraper/pkg/config"
	"github.com/Sriram-PR/empire-scraper/pkg/models"
	"github.com/Sriram-PR/empire-scraper/pkg/utils"
)

// EssayPrefix marks long-form essays among the reviews
const EssayPrefix = "EMPIRE ESSAY"

// ListingParser extracts one ArticleStub per article on a listing page
type ListingParser struct {
	sel     config.ListingSelectors
	resolve func(href string) string
}

// NewListingParser creates a ListingParser. resolve turns a link href into an absolute review URL.
func NewListingParser(sel config.ListingSelectors, resolve func(href string) string) *ListingParser {
	return &ListingParser{sel: sel, resolve: resolve}
}

// Parse returns the stubs in article order; positions and keys are 1-based.
// Missing sub-elements leave the matching field nil. Zero stubs means the page holds no articles.
func (p *ListingParser) Parse(html []byte, page int, pageURL string) ([]models.ArticleStub, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("%w: listing HTML: %w", utils.ErrParsing, err)
	}

	var stubs []models.ArticleStub
	doc.Find(p.sel.Article).Each(func(i int, article *goquery.Selection) {
		position := i + 1
		stub := models.ArticleStub{
			Key:             models.NewRecordKey(page, position),
			PageNumber:      page,
			ArticlePosition: position,
			PageURL:         pageURL,
		}

		if title := textPtr(article.Find(p.sel.Title)); title != nil {
			stub.Title = title
			essay := strings.HasPrefix(*title, EssayPrefix)
			stub.IsEssay = &essay
		}
		if href := attrPtr(article.Find(p.sel.Link), "href"); href != nil {
			u := p.resolve(*href)
			stub.ReviewURL = &u
		}
		stub.Rating = starCount(article.Find(p.sel.StarsOn))
		if src := attrPtr(article.Find(p.sel.Thumbnail), "src"); src != nil {
			stub.Thumbnail = &models.ImageRef{Source: *src}
		}

		stubs = append(stubs, stub)
	})
	return stubs, nil
}
