package classify

import (
	"strings"

	"github.com/Sriram-PR/empire-scraper/pkg/config"
	"github.com/Sriram-PR/empire-scraper/pkg/models"
)

// Rules are the terminal-failure predicates. Everything they do not match is retryable.
type Rules struct {
	DeadIDPrefixes []string // A URL segment with one of these prefixes names a permanently removed review
	DeadIDSegment  int      // Index into strings.Split(url, "/") holding the review slug
	MaxURLSlashes  int      // URLs with more slashes than this are malformed
	NotFoundCodes  []string // Outcome codes meaning the resource is gone
}

// RulesFromConfig copies the classifier settings; call after AppConfig.Validate
func RulesFromConfig(c config.ClassifierSettings) Rules {
	return Rules{
		DeadIDPrefixes: c.DeadIDPrefixes,
		DeadIDSegment:  c.DeadIDSegment,
		MaxURLSlashes:  c.MaxURLSlashes,
		NotFoundCodes:  c.NotFoundCodes,
	}
}

// DefaultRules returns the predicates observed on the review site
func DefaultRules() Rules {
	var c config.ClassifierSettings
	c.ApplyDefaults()
	return RulesFromConfig(c)
}

// Analyze classifies one ERROR line from its three message fields
func (r Rules) Analyze(code, _, url string) models.FailureClass {
	if r.deadID(url) {
		return models.FailureTerminal
	}
	if r.MaxURLSlashes > 0 && strings.Count(url, "/") > r.MaxURLSlashes {
		return models.FailureTerminal
	}
	for _, c := range r.NotFoundCodes {
		if code == c {
			return models.FailureTerminal
		}
	}
	return models.FailureRetryable
}

func (r Rules) deadID(url string) bool {
	segments := strings.Split(url, "/")
	if r.DeadIDSegment < 0 || r.DeadIDSegment >= len(segments) {
		return false
	}
	seg := segments[r.DeadIDSegment]
	for _, p := range r.DeadIDPrefixes {
		if p != "" && strings.HasPrefix(seg, p) {
			return true
		}
	}
	return false
}
