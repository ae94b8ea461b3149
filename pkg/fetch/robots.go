package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"
)

// RobotsChecker fetches, caches and evaluates robots.txt per host
type RobotsChecker struct {
	client    *http.Client
	userAgent string
	cache     map[string]*robotstxt.RobotsData // host -> parsed data, nil means allow all
	mu        sync.Mutex
	log       *logrus.Entry
}

// NewRobotsChecker creates a RobotsChecker
func NewRobotsChecker(client *http.Client, userAgent string, log *logrus.Entry) *RobotsChecker {
	return &RobotsChecker{
		client:    client,
		userAgent: userAgent,
		cache:     make(map[string]*robotstxt.RobotsData),
		log:       log,
	}
}

// Allowed reports whether userAgent may fetch rawURL. Unreachable or unparsable robots.txt allows everything.
func (rc *RobotsChecker) Allowed(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	data := rc.robotsFor(ctx, u)
	if data == nil {
		return true
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return data.TestAgent(path, rc.userAgent)
}

func (rc *RobotsChecker) robotsFor(ctx context.Context, target *url.URL) *robotstxt.RobotsData {
	host := target.Host
	rc.mu.Lock()
	defer rc.mu.Unlock() // Held across the fetch so each host is fetched once
	if data, found := rc.cache[host]; found {
		return data
	}

	robotsURL := (&url.URL{Scheme: target.Scheme, Host: host, Path: "/robots.txt"}).String()
	hostLog := rc.log.WithField("robots_url", robotsURL)
	hostLog.Info("Fetching robots.txt...")

	data := rc.fetch(ctx, robotsURL, hostLog)
	rc.cache[host] = data
	return data
}

func (rc *RobotsChecker) fetch(ctx context.Context, robotsURL string, log *logrus.Entry) *robotstxt.RobotsData {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		log.Errorf("Error creating request: %v", err)
		return nil
	}
	req.Header.Set("User-Agent", rc.userAgent)
	resp, err := rc.client.Do(req)
	if err != nil {
		log.Warnf("Fetching robots.txt failed, allowing all: %v", err)
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Warnf("Error reading robots.txt body, allowing all: %v", err)
		return nil
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		log.Warnf("Error parsing robots.txt, allowing all: %v", err)
		return nil
	}
	return data
}
