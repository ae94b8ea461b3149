package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/empire-scraper/pkg/config"
	"github.com/Sriram-PR/empire-scraper/pkg/crawllog"
	"github.com/Sriram-PR/empire-scraper/pkg/utils"
)

// Outcomes passed to an Observer, one per attempt
const (
	OutcomeSuccess   = "success"
	OutcomeNotFound  = "not_found"
	OutcomeStatus    = "http_status"
	OutcomeNetwork   = "network"
	OutcomeBodyRead  = "body_read"
	OutcomeForbidden = "robots"
)

// Observer receives per-attempt fetch outcomes, typically for metrics
type Observer interface {
	ObserveFetch(outcome string, elapsed time.Duration)
}

// Fetcher performs bounded-retry GETs. Every attempt outcome goes to the crawl log as
// code|#attempt|url so the failure classifier can read field2 as the URL.
type Fetcher struct {
	client       *http.Client
	userAgent    string
	initialDelay time.Duration
	maxDelay     time.Duration
	limiter      *RateLimiter
	robots       *RobotsChecker
	observer     Observer
	crawlLog     logrus.FieldLogger
	log          *logrus.Entry
}

// NewFetcher creates a Fetcher writing outcome lines to crawlLog
func NewFetcher(client *http.Client, cfg *config.AppConfig, crawlLog logrus.FieldLogger, log *logrus.Entry) *Fetcher {
	return &Fetcher{
		client:       client,
		userAgent:    cfg.UserAgent,
		initialDelay: cfg.InitialRetryDelay,
		maxDelay:     cfg.MaxRetryDelay,
		crawlLog:     crawlLog,
		log:          log,
	}
}

// UseRateLimiter paces every attempt through rl
func (f *Fetcher) UseRateLimiter(rl *RateLimiter) { f.limiter = rl }

// UseRobots refuses URLs disallowed by the host's robots.txt
func (f *Fetcher) UseRobots(rc *RobotsChecker) { f.robots = rc }

// UseObserver reports every attempt outcome to o
func (f *Fetcher) UseObserver(o Observer) { f.observer = o }

// Fetch GETs url up to maxAttempts times and returns the body of the first 200 response.
// A 404 stops immediately with ErrNotFound. Exhausting the attempts returns ErrRetryFailed
// wrapping the last cause. Context errors are returned as is and are never logged as failures.
func (f *Fetcher) Fetch(ctx context.Context, url string, maxAttempts int) ([]byte, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	reqLog := f.log.WithField("url", url)

	if f.robots != nil && !f.robots.Allowed(ctx, url) {
		f.crawlLog.Warn(crawllog.Msg(crawllog.CodeRobotsDisallowed, crawllog.Attempt(0), url))
		f.observe(OutcomeForbidden, 0)
		return nil, fmt.Errorf("%w: %s", utils.ErrRobotsDisallowed, url)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if attempt > 1 {
			delay := backoffDelay(attempt-1, f.initialDelay, f.maxDelay)
			reqLog.WithFields(logrus.Fields{"attempt": attempt, "max_attempts": maxAttempts, "delay": delay}).Debug("Retrying request...")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if err := f.limiter.Wait(ctx, url); err != nil {
			return nil, err
		}

		body, status, err := f.attempt(ctx, url)
		switch {
		case err == nil && status == http.StatusOK:
			if attempt > 1 {
				f.crawlLog.Info(crawllog.Msg(crawllog.CodeSuccessfulAttempt, crawllog.Attempt(attempt), url))
			}
			return body, nil

		case err == nil && status == http.StatusNotFound:
			f.crawlLog.Error(crawllog.Msg(crawllog.CodeNotFound, crawllog.Attempt(attempt), url))
			return nil, fmt.Errorf("%w: %s", utils.ErrNotFound, url)

		case err == nil:
			f.crawlLog.Info(crawllog.Msg(crawllog.CodeStatusPrefix+strconv.Itoa(status), crawllog.Attempt(attempt), url))
			lastErr = fmt.Errorf("%w: status %d", utils.ErrHTTPStatus, status)

		default:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			f.crawlLog.Info(crawllog.Msg(err.Error(), crawllog.Attempt(attempt), url))
			lastErr = err
		}

		f.crawlLog.Info(crawllog.Msg(crawllog.CodeUnsuccessful, crawllog.Attempt(attempt), url))
		reqLog.WithField("attempt", attempt).Debugf("Attempt failed: %v", lastErr)
	}

	f.crawlLog.Error(crawllog.Msg(crawllog.CodeUnsuccessful, crawllog.Attempt(maxAttempts), url))
	reqLog.Warnf("All %d attempts failed. Last error: %v", maxAttempts, lastErr)
	return nil, fmt.Errorf("%w: %w", utils.ErrRetryFailed, lastErr)
}

// attempt performs one GET. A non-nil error means no usable status was obtained.
func (f *Fetcher) attempt(ctx context.Context, url string) ([]byte, int, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", utils.ErrRequestCreation, err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		f.observe(OutcomeNetwork, time.Since(start))
		return nil, 0, fmt.Errorf("%w: %w", utils.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode == http.StatusNotFound {
			f.observe(OutcomeNotFound, time.Since(start))
		} else {
			f.observe(OutcomeStatus, time.Since(start))
		}
		return nil, resp.StatusCode, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		f.observe(OutcomeBodyRead, time.Since(start))
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, 0, err
		}
		return nil, 0, fmt.Errorf("%w: %w", utils.ErrResponseBodyRead, err)
	}
	f.observe(OutcomeSuccess, time.Since(start))
	return body, resp.StatusCode, nil
}

func (f *Fetcher) observe(outcome string, elapsed time.Duration) {
	if f.observer != nil {
		f.observer.ObserveFetch(outcome, elapsed)
	}
}

// backoffDelay is initial * 2^(retry-1) capped at max, with +/- 10% jitter
func backoffDelay(retry int, initial, max time.Duration) time.Duration {
	delay := time.Duration(float64(initial) * math.Pow(2, float64(retry-1)))
	if delay <= 0 || delay > max {
		delay = max
	}
	if delay <= 0 {
		return 0
	}
	var jitter time.Duration
	if window := int64(delay) / 5; window > 0 {
		jitter = time.Duration(rand.Int63n(window)) - delay/10
	}
	if delay+jitter < 0 {
		return 0
	}
	return delay + jitter
}
