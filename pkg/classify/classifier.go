package classify

import (
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/empire-scraper/pkg/crawllog"
	"github.com/Sriram-PR/empire-scraper/pkg/models"
)

// Result splits the failures recorded in a crawl log. Every slice is sorted.
type Result struct {
	Retryable      []models.RecordKey `yaml:"retryable_keys"`
	Terminal       []models.RecordKey `yaml:"terminal_keys"`
	RetryablePages []int              `yaml:"retryable_pages"`
	TerminalPages  []int              `yaml:"terminal_pages"`
	TerminalURLs   []string           `yaml:"terminal_urls"`
}

// IsTerminal reports whether key was classified terminal
func (r Result) IsTerminal(key models.RecordKey) bool {
	i := sort.Search(len(r.Terminal), func(i int) bool { return r.Terminal[i] >= key })
	return i < len(r.Terminal) && r.Terminal[i] == key
}

// Classifier turns ERROR lines of a crawl log into retryable and terminal record keys
type Classifier struct {
	rules Rules
	log   *logrus.Entry
}

// New creates a Classifier
func New(rules Rules, log *logrus.Entry) *Classifier {
	return &Classifier{rules: rules, log: log}
}

// Classify reads entries in log order. Only ERROR lines are analyzed.
//
// field1 of an ERROR line is one of three things: a record key (a review fetch failed),
// a bare page number (a listing fetch failed) or an attempt counter "#n" written by the
// fetcher. Mismatch lines carry titles there and are skipped. Keys and pages keep their most recent classification. Fetcher lines classify
// the URL in field2; a URL that is ever terminal makes every key fetched from it terminal.
func (c *Classifier) Classify(entries []crawllog.Entry) Result {
	keyClass := make(map[models.RecordKey]models.FailureClass)
	pageClass := make(map[int]models.FailureClass)
	terminalURLs := make(map[string]bool)
	keyURLs := make(map[models.RecordKey]string)
	pageURLs := make(map[int]string)
	errorLines, mismatches := 0, 0

	for _, e := range entries {
		if e.Field0 == crawllog.CodeIDMismatch {
			mismatches++
			continue
		}
		// Remember which URL belongs to which key, from INFO lines too
		if key, ok := recordKey(e.Field1); ok && e.Field2 != "" {
			keyURLs[key] = e.Field2
		} else if page, ok := pageNumber(e.Field1); ok && e.Field2 != "" {
			pageURLs[page] = e.Field2
		}

		if e.Level != crawllog.LevelError {
			continue
		}
		errorLines++
		class := c.rules.Analyze(e.Field0, e.Field1, e.Field2)

		switch {
		case strings.HasPrefix(e.Field1, "#"):
			if class == models.FailureTerminal {
				terminalURLs[e.Field2] = true
			}
		default:
			if key, ok := recordKey(e.Field1); ok {
				keyClass[key] = class
			} else if page, ok := pageNumber(e.Field1); ok {
				pageClass[page] = class
			} else {
				c.log.WithField("line", e.Line).Debugf("ERROR line without key or page: %s|%s", e.Field0, e.Field1)
			}
		}
	}

	for key := range keyClass {
		if terminalURLs[keyURLs[key]] {
			keyClass[key] = models.FailureTerminal
		}
	}
	for page := range pageClass {
		if terminalURLs[pageURLs[page]] {
			pageClass[page] = models.FailureTerminal
		}
	}

	var res Result
	for key, class := range keyClass {
		if class == models.FailureTerminal {
			res.Terminal = append(res.Terminal, key)
		} else {
			res.Retryable = append(res.Retryable, key)
		}
	}
	for page, class := range pageClass {
		if class == models.FailureTerminal {
			res.TerminalPages = append(res.TerminalPages, page)
		} else {
			res.RetryablePages = append(res.RetryablePages, page)
		}
	}
	for u := range terminalURLs {
		res.TerminalURLs = append(res.TerminalURLs, u)
	}
	sortKeys(res.Retryable)
	sortKeys(res.Terminal)
	sort.Ints(res.RetryablePages)
	sort.Ints(res.TerminalPages)
	sort.Strings(res.TerminalURLs)

	c.log.WithFields(logrus.Fields{
		"error_lines":     errorLines,
		"retryable_keys":  len(res.Retryable),
		"terminal_keys":   len(res.Terminal),
		"retryable_pages": len(res.RetryablePages),
		"terminal_pages":  len(res.TerminalPages),
		"id_mismatches":   mismatches,
	}).Info("Classified crawl log")
	return res
}

// ClassifyFile reads and classifies the crawl log at path. A malformed line is returned
// as *utils.LogFormatError and nothing is classified.
func (c *Classifier) ClassifyFile(path string) (Result, []crawllog.Entry, error) {
	entries, err := crawllog.ReadFile(path)
	if err != nil {
		return Result{}, nil, err
	}
	return c.Classify(entries), entries, nil
}

func recordKey(s string) (models.RecordKey, bool) {
	if !strings.Contains(s, "-") {
		return "", false
	}
	page, article, err := models.ParseRecordKey(s)
	if err != nil {
		return "", false
	}
	return models.NewRecordKey(page, article), true
}

func pageNumber(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func sortKeys(keys []models.RecordKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
}
