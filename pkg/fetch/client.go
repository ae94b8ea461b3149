package fetch

import (
	"errors"
	"net"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/empire-scraper/pkg/config"
)

// NewClient creates the HTTP client shared by every crawl worker.
// With a non-empty proxy pool each request goes through a randomly picked proxy.
func NewClient(cfg *config.AppConfig, proxies *ProxyPool, log *logrus.Entry) *http.Client {
	h := cfg.HTTPClientSettings

	dialer := &net.Dialer{
		Timeout:   h.DialerTimeout,
		KeepAlive: h.DialerKeepAlive,
	}

	transport := &http.Transport{
		Proxy:                  http.ProxyFromEnvironment,
		DialContext:            dialer.DialContext,
		ForceAttemptHTTP2:      true,
		MaxIdleConns:           h.MaxIdleConns,
		MaxIdleConnsPerHost:    h.MaxIdleConnsPerHost,
		IdleConnTimeout:        h.IdleConnTimeout,
		TLSHandshakeTimeout:    h.TLSHandshakeTimeout,
		ExpectContinueTimeout:  h.ExpectContinueTimeout,
		MaxResponseHeaderBytes: 1 << 20,
	}
	if h.ForceAttemptHTTP2 != nil {
		transport.ForceAttemptHTTP2 = *h.ForceAttemptHTTP2
	}
	if proxies.Len() > 0 {
		transport.Proxy = proxies.ProxyFunc()
		log.Infof("Routing requests through %d proxies", proxies.Len())
	}

	return &http.Client{
		Timeout:   cfg.RequestTimeout, // Per attempt
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			log.Debugf("Redirecting: %s -> %s (hop %d)", via[len(via)-1].URL, req.URL, len(via))
			return nil
		},
	}
}
