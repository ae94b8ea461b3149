package fetch

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/Sriram-PR/empire-scraper/pkg/utils"
)

// ProxyPool hands out a uniformly random proxy for every outgoing request
type ProxyPool struct {
	proxies []*url.URL
	mu      sync.Mutex // rand.Rand is not safe for concurrent use
	rnd     *rand.Rand
}

// NewProxyPool builds a pool from "host:port" or full proxy URLs
func NewProxyPool(addrs []string, seed int64) (*ProxyPool, error) {
	p := &ProxyPool{rnd: rand.New(rand.NewSource(seed))}
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if !strings.Contains(a, "://") {
			a = "http://" + a
		}
		u, err := url.Parse(a)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("%w: invalid proxy URL %q", utils.ErrParsing, a)
		}
		p.proxies = append(p.proxies, u)
	}
	return p, nil
}

// LoadProxyFile reads a semicolon separated CSV whose header has an "ip" column
func LoadProxyFile(path string, seed int64) (*ProxyPool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening proxy file '%s': %w", utils.ErrFilesystem, path, err)
	}
	defer f.Close()
	addrs, err := readProxyCSV(f)
	if err != nil {
		return nil, fmt.Errorf("proxy file '%s': %w", path, err)
	}
	return NewProxyPool(addrs, seed)
}

func readProxyCSV(r io.Reader) ([]string, error) {
	cr := csv.NewReader(r)
	cr.Comma = ';'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: reading CSV header: %w", utils.ErrParsing, err)
	}
	ipCol := -1
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(h), "ip") {
			ipCol = i
			break
		}
	}
	if ipCol < 0 {
		return nil, fmt.Errorf("%w: CSV header has no 'ip' column", utils.ErrParsing)
	}

	var addrs []string
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: reading CSV row: %w", utils.ErrParsing, err)
		}
		if ipCol < len(row) && strings.TrimSpace(row[ipCol]) != "" {
			addrs = append(addrs, row[ipCol])
		}
	}
	return addrs, nil
}

// Len returns the number of proxies
func (p *ProxyPool) Len() int {
	if p == nil {
		return 0
	}
	return len(p.proxies)
}

// Pick returns a random proxy, or nil to connect directly when the pool is empty
func (p *ProxyPool) Pick() *url.URL {
	if p.Len() == 0 {
		return nil
	}
	p.mu.Lock()
	i := p.rnd.Intn(len(p.proxies))
	p.mu.Unlock()
	return p.proxies[i]
}

// ProxyFunc adapts the pool to http.Transport.Proxy
func (p *ProxyPool) ProxyFunc() func(*http.Request) (*url.URL, error) {
	return func(*http.Request) (*url.URL, error) {
		return p.Pick(), nil
	}
}
