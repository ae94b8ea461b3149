package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Sriram-PR/empire-scraper/pkg/utils"
)

const (
	DefaultBaseURL             = "https://www.empireonline.com"
	DefaultListingPathTemplate = "/movies/reviews/%d/"
	DefaultUserAgent           = "Mozilla/5.0 (X11; Linux x86_64) empire-scraper/1.0"
	DefaultCrawlLogFilename    = "crawl.log"
)

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	// BaseURL
	if c.BaseURL == "" {
		warnings = append(warnings, fmt.Sprintf("base_url is empty, defaulting to '%s'", DefaultBaseURL))
		c.BaseURL = DefaultBaseURL
	}
	u, parseErr := url.Parse(c.BaseURL)
	if parseErr != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return warnings, fmt.Errorf("%w: base_url %q must be an absolute http(s) URL", utils.ErrConfigValidation, c.BaseURL)
	}

	// ListingPathTemplate
	if c.ListingPathTemplate == "" {
		c.ListingPathTemplate = DefaultListingPathTemplate
	}
	if strings.Count(c.ListingPathTemplate, "%d") != 1 {
		return warnings, fmt.Errorf("%w: listing_path_template %q needs exactly one %%d", utils.ErrConfigValidation, c.ListingPathTemplate)
	}

	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}

	// NumWorkers
	if c.NumWorkers <= 0 {
		warnings = append(warnings, "num_workers should be > 0, defaulting to 4")
		c.NumWorkers = 4
	}

	// Attempts
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.DetailMaxAttempts <= 0 {
		warnings = append(warnings, fmt.Sprintf(
			"detail_max_attempts not specified or invalid, defaulting to max_attempts (%d)",
			c.MaxAttempts))
		c.DetailMaxAttempts = c.MaxAttempts
	}

	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}

	// Retry delays
	if c.InitialRetryDelay < 0 {
		warnings = append(warnings, "initial_retry_delay cannot be negative, setting to 0")
		c.InitialRetryDelay = 0
	}
	if c.InitialRetryDelay == 0 {
		c.InitialRetryDelay = 500 * time.Millisecond
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 10 * time.Second
	}
	if c.InitialRetryDelay > c.MaxRetryDelay {
		warnings = append(warnings, fmt.Sprintf(
			"initial_retry_delay (%v) > max_retry_delay (%v), using max_retry_delay for initial",
			c.InitialRetryDelay, c.MaxRetryDelay))
		c.InitialRetryDelay = c.MaxRetryDelay
	}

	if c.RequestsPerSecond < 0 {
		warnings = append(warnings, "requests_per_second cannot be negative, disabling rate limit")
		c.RequestsPerSecond = 0
	}

	// Proxies
	if c.UseProxies && c.ProxyFile == "" {
		warnings = append(warnings, "use_proxies is true but proxy_file is empty, connecting directly")
		c.UseProxies = false
	}

	// Images
	if c.NumImageWorkers <= 0 {
		c.NumImageWorkers = c.NumWorkers
	}
	if c.ImageDir == "" {
		c.ImageDir = "./images"
		if c.ProcessImages {
			warnings = append(warnings, "process_images is true but image_dir is empty, defaulting to './images'")
		}
	}

	// StateDir
	if c.StateDir == "" {
		warnings = append(warnings, "state_dir is empty, defaulting to './crawler_state'")
		c.StateDir = "./crawler_state"
	}

	// OutputDir
	if c.OutputDir == "" {
		warnings = append(warnings, "output_dir is empty, defaulting to './output'")
		c.OutputDir = "./output"
	}

	if c.CrawlLogFilename == "" {
		c.CrawlLogFilename = DefaultCrawlLogFilename
	}

	c.validateHTTPClientSettings()
	c.Selectors.applyDefaults()
	warnings = append(warnings, c.Classifier.ApplyDefaults()...)

	return warnings, nil
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = c.NumWorkers
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
}

func (s *SelectorConfig) applyDefaults() {
	l := &s.Listing
	setDefault(&l.Article, "article")
	setDefault(&l.Title, "p.hdr.no-marg.gamma.txt--black.pad__top--half")
	setDefault(&l.Link, "a")
	setDefault(&l.StarsOn, "span.stars--on")
	setDefault(&l.Thumbnail, "img")

	d := &s.Detail
	setDefault(&d.InfoBlock, "ul.list__keyline.delta.txt--mid-grey")
	setDefault(&d.StarsOn, "span.stars--on")
	setDefault(&d.Author, "div.author")
	setDefault(&d.DatePublished, "time.datePublished")
	setDefault(&d.LastUpdate, "time:has(strong)")
	setDefault(&d.Introduction, "h2.gamma.gamma--tall.txt--black")
	setDefault(&d.ReviewBody, "div.article__text p")
	setDefault(&d.Picture, "div.imageWrapper.imageWrapper--kenburns img")
}

// ApplyDefaults fills unset heuristics with the values observed on the review site
func (c *ClassifierSettings) ApplyDefaults() (warnings []string) {
	if len(c.DeadIDPrefixes) == 0 {
		c.DeadIDPrefixes = []string{"55"}
	}
	if c.DeadIDSegment <= 0 {
		c.DeadIDSegment = 4
	}
	if c.MaxURLSlashes <= 0 {
		c.MaxURLSlashes = 6
	}
	if c.MaxURLSlashes < 3 {
		warnings = append(warnings, fmt.Sprintf(
			"classifier.max_url_slashes (%d) marks every absolute URL terminal", c.MaxURLSlashes))
	}
	if len(c.NotFoundCodes) == 0 {
		c.NotFoundCodes = []string{"404"}
	}
	return warnings
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}
