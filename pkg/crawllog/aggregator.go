package crawllog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/empire-scraper/pkg/utils"
)

type request struct {
	line  []byte
	flush chan struct{} // Non-nil for a Flush barrier
}

// Aggregator owns the crawl log file. Every line written from any goroutine travels
// over one channel to a single writer goroutine, so lines never interleave.
type Aggregator struct {
	path string
	file *os.File
	buf  *bufio.Writer
	tee  io.Writer

	mu     sync.RWMutex // Guards closed against the channel close
	closed bool
	queue  chan request
	done   chan struct{}
	err    error // First write error, read after done
}

// Open starts an aggregator appending to path. A non-nil tee receives a copy of every line.
func Open(path string, tee io.Writer) (*Aggregator, error) {
	return start(path, tee, os.O_APPEND)
}

// Create starts an aggregator on an emptied log at path, for a fresh crawl run
func Create(path string, tee io.Writer) (*Aggregator, error) {
	return start(path, tee, os.O_TRUNC)
}

func start(path string, tee io.Writer, mode int) (*Aggregator, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("%w: creating crawl log dir: %w", utils.ErrFilesystem, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|mode, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening crawl log '%s': %w", utils.ErrFilesystem, path, err)
	}
	a := &Aggregator{
		path:  path,
		file:  f,
		buf:   bufio.NewWriter(f),
		tee:   tee,
		queue: make(chan request, 256),
		done:  make(chan struct{}),
	}
	go a.run()
	return a, nil
}

func (a *Aggregator) run() {
	defer close(a.done)
	for req := range a.queue {
		if req.flush != nil {
			a.record(a.buf.Flush())
			close(req.flush)
			continue
		}
		_, err := a.buf.Write(req.line)
		a.record(err)
		if a.tee != nil {
			_, _ = a.tee.Write(req.line)
		}
	}
	a.record(a.buf.Flush())
	a.record(a.file.Close())
}

func (a *Aggregator) record(err error) {
	if err != nil && a.err == nil {
		a.err = err
	}
}

// Write queues one formatted line. p is copied; logrus reuses its buffer.
func (a *Aggregator) Write(p []byte) (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return 0, os.ErrClosed
	}
	line := make([]byte, len(p))
	copy(line, p)
	a.queue <- request{line: line}
	return len(p), nil
}

// Flush blocks until every line queued before the call is on disk.
func (a *Aggregator) Flush() {
	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		return
	}
	ch := make(chan struct{})
	a.queue <- request{flush: ch}
	a.mu.RUnlock()
	<-ch
}

// Close drains the queue, closes the file and returns the first write error seen.
func (a *Aggregator) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return a.err
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	<-a.done
	if a.err != nil {
		return fmt.Errorf("%w: writing crawl log '%s': %w", utils.ErrFilesystem, a.path, a.err)
	}
	return nil
}

// Path returns the log file location
func (a *Aggregator) Path() string { return a.path }

// NewLogger returns a logrus logger that formats crawl log lines and sends them to this aggregator.
func (a *Aggregator) NewLogger() *logrus.Logger {
	return NewLogger(a)
}

// NewLogger builds a crawl logger writing pipe-formatted lines to out.
func NewLogger(out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&PipeFormatter{TimestampFormat: TimestampFormat})
	l.SetReportCaller(true)
	l.SetLevel(logrus.InfoLevel)
	return l
}
