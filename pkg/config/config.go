package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// AppConfig holds the global application configuration
type AppConfig struct {
	BaseURL             string             `yaml:"base_url"`
	ListingPathTemplate string             `yaml:"listing_path_template,omitempty"` // fmt template taking the page number
	UserAgent           string             `yaml:"user_agent,omitempty"`
	NumWorkers          int                `yaml:"num_workers"`
	MaxAttempts         int                `yaml:"max_attempts,omitempty"`        // Listing page fetches
	DetailMaxAttempts   int                `yaml:"detail_max_attempts,omitempty"` // Review page fetches
	RequestTimeout      time.Duration      `yaml:"request_timeout,omitempty"`
	InitialRetryDelay   time.Duration      `yaml:"initial_retry_delay,omitempty"`
	MaxRetryDelay       time.Duration      `yaml:"max_retry_delay,omitempty"`
	RequestsPerSecond   float64            `yaml:"requests_per_second,omitempty"` // 0 = unlimited
	RespectRobots       bool               `yaml:"respect_robots,omitempty"`
	UseProxies          bool               `yaml:"use_proxies,omitempty"`
	ProxyFile           string             `yaml:"proxy_file,omitempty"`
	ProcessImages       bool               `yaml:"process_images,omitempty"`
	ImageDir            string             `yaml:"image_dir,omitempty"`
	NumImageWorkers     int                `yaml:"num_image_workers,omitempty"`
	StateDir            string             `yaml:"state_dir"`
	OutputDir           string             `yaml:"output_dir"`
	CrawlLogFilename    string             `yaml:"crawl_log_filename,omitempty"`
	MirrorCrawlLog      bool               `yaml:"mirror_crawl_log,omitempty"` // Also echo crawl log lines to stderr
	ExportJSONL         bool               `yaml:"export_jsonl,omitempty"`
	ExportTSV           bool               `yaml:"export_tsv,omitempty"`
	MetricsAddr         string             `yaml:"metrics_addr,omitempty"`
	HTTPClientSettings  HTTPClientConfig   `yaml:"http_client_settings,omitempty"`
	Selectors           SelectorConfig     `yaml:"selectors,omitempty"`
	Classifier          ClassifierSettings `yaml:"classifier,omitempty"`
}

// HTTPClientConfig holds settings for the shared HTTP client
type HTTPClientConfig struct {
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections per host
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`       // Timeout for idle connections
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`   // Timeout for TLS handshake
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"` // Timeout for 100-continue
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"`     // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`          // Connection dial timeout
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`       // TCP keep-alive interval
}

// SelectorConfig groups the CSS selectors for both page kinds
type SelectorConfig struct {
	Listing ListingSelectors `yaml:"listing,omitempty"`
	Detail  DetailSelectors  `yaml:"detail,omitempty"`
}

// ListingSelectors locate article metadata on a listing page
type ListingSelectors struct {
	Article   string `yaml:"article,omitempty"`
	Title     string `yaml:"title,omitempty"`
	Link      string `yaml:"link,omitempty"`
	StarsOn   string `yaml:"stars_on,omitempty"`
	Thumbnail string `yaml:"thumbnail,omitempty"`
}

// DetailSelectors locate review fields on a detail page
type DetailSelectors struct {
	InfoBlock     string `yaml:"info_block,omitempty"`
	StarsOn       string `yaml:"stars_on,omitempty"`
	Author        string `yaml:"author,omitempty"`
	DatePublished string `yaml:"date_published,omitempty"`
	LastUpdate    string `yaml:"last_update,omitempty"`
	Introduction  string `yaml:"introduction,omitempty"`
	ReviewBody    string `yaml:"review_body,omitempty"`
	Picture       string `yaml:"picture,omitempty"`
}

// ClassifierSettings holds the terminal-failure heuristics
type ClassifierSettings struct {
	DeadIDPrefixes []string `yaml:"dead_id_prefixes,omitempty"`
	DeadIDSegment  int      `yaml:"dead_id_segment,omitempty"` // Index into strings.Split(url, "/")
	MaxURLSlashes  int      `yaml:"max_url_slashes,omitempty"` // More slashes than this is a malformed URL
	NotFoundCodes  []string `yaml:"not_found_codes,omitempty"`
}

// ListingURL builds the listing page URL for a page number
func (c *AppConfig) ListingURL(page int) string {
	return strings.TrimRight(c.BaseURL, "/") + fmt.Sprintf(c.ListingPathTemplate, page)
}

// DetailURL resolves a review link found on a listing page. Absolute links are returned as is.
func (c *AppConfig) DetailURL(href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	return strings.TrimRight(c.BaseURL, "/") + href
}

// CrawlLogPath returns where the structured crawl log for this run lives
func (c *AppConfig) CrawlLogPath() string {
	return filepath.Join(c.StateDir, c.CrawlLogFilename)
}

// CheckpointPath returns the badger directory holding the saved dataset
func (c *AppConfig) CheckpointPath() string {
	return filepath.Join(c.StateDir, "checkpoint")
}
