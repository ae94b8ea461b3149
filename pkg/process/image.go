package process

import (
	"context"
	"crypto/sha256"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/Sriram-PR/empire-scraper/pkg/models"
	"github.com/Sriram-PR/empire-scraper/pkg/utils"
)

// ImageKind selects the subdirectory of image_dir an image lands in
type ImageKind string

const (
	KindThumbnail ImageKind = "thumbnails"
	KindPicture   ImageKind = "pictures"
)

// Image download results reported to an ImageObserver
const (
	ResultDownloaded = "downloaded"
	ResultSkipped    = "skipped"
	ResultFailed     = "failed"
)

// PlaceholderMarker appears in the URL of the site's "no photo" image
const PlaceholderMarker = "no-photo"

// Getter fetches a URL body with bounded retries; *fetch.Fetcher satisfies it
type Getter interface {
	Fetch(ctx context.Context, url string, maxAttempts int) ([]byte, error)
}

// ImageObserver receives one result per enqueued image
type ImageObserver interface {
	ObserveImage(result string)
}

// ImageJob describes one image belonging to a record
type ImageJob struct {
	Key    models.RecordKey
	Kind   ImageKind
	Source string
	Title  string // Used in thumbnail filenames, may be empty
}

// ImageDownloader saves record images in the background. Enqueue never blocks
// the caller; Wait drains every outstanding download.
type ImageDownloader struct {
	getter      Getter
	dir         string
	maxAttempts int
	sem         *semaphore.Weighted
	wg          sync.WaitGroup
	mu          sync.Mutex
	files       map[string]string // source URL -> path relative to dir
	observer    ImageObserver
	log         *logrus.Entry
}

// NewImageDownloader creates a downloader writing below dir with at most workers concurrent downloads
func NewImageDownloader(getter Getter, dir string, workers, maxAttempts int, log *logrus.Entry) *ImageDownloader {
	if workers <= 0 {
		workers = 1
	}
	return &ImageDownloader{
		getter:      getter,
		dir:         dir,
		maxAttempts: maxAttempts,
		sem:         semaphore.NewWeighted(int64(workers)),
		files:       make(map[string]string),
		log:         log.WithField("component", "images"),
	}
}

// UseObserver reports every job result to o
func (d *ImageDownloader) UseObserver(o ImageObserver) { d.observer = o }

// Enqueue starts downloading job in the background. Returns false when the job
// is skipped outright (empty or placeholder source, unsupported scheme).
func (d *ImageDownloader) Enqueue(ctx context.Context, job ImageJob) bool {
	if d == nil {
		return false
	}
	if !Downloadable(job.Source) {
		d.observe(ResultSkipped)
		return false
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.log.WithField("image_url", job.Source).Errorf("PANIC in image download: %v\n%s", r, string(debug.Stack()))
				d.observe(ResultFailed)
			}
		}()

		if err := d.sem.Acquire(ctx, 1); err != nil {
			d.observe(ResultSkipped)
			return
		}
		defer d.sem.Release(1)

		rel, err := d.download(ctx, job)
		if err != nil {
			d.log.WithFields(logrus.Fields{"key": job.Key, "image_url": job.Source}).Warnf("Image download failed: %v", err)
			d.observe(ResultFailed)
			return
		}
		d.mu.Lock()
		d.files[job.Source] = rel
		d.mu.Unlock()
		d.observe(ResultDownloaded)
	}()
	return true
}

// Wait blocks until every enqueued download has finished
func (d *ImageDownloader) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

// File returns the local path, relative to the image dir, of a downloaded source URL
func (d *ImageDownloader) File(source string) (string, bool) {
	if d == nil {
		return "", false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	rel, ok := d.files[source]
	return rel, ok
}

// Downloadable reports whether source names a real image worth fetching
func Downloadable(source string) bool {
	if source == "" || strings.Contains(source, PlaceholderMarker) {
		return false
	}
	u, err := url.Parse(source)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func (d *ImageDownloader) download(ctx context.Context, job ImageJob) (string, error) {
	body, err := d.getter.Fetch(ctx, job.Source, d.maxAttempts)
	if err != nil {
		return "", err
	}

	u, err := url.Parse(job.Source)
	if err != nil {
		return "", fmt.Errorf("%w: image URL '%s': %w", utils.ErrParsing, job.Source, err)
	}
	name := localFilename(job, u, http.DetectContentType(body))
	rel := filepath.ToSlash(filepath.Join(string(job.Kind), name))

	dir := filepath.Join(d.dir, string(job.Kind))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("%w: creating image directory '%s': %w", utils.ErrFilesystem, dir, err)
	}
	full := filepath.Join(dir, name)
	if err := os.WriteFile(full, body, 0644); err != nil {
		return "", fmt.Errorf("%w: writing image file '%s': %w", utils.ErrFilesystem, full, err)
	}
	d.log.WithFields(logrus.Fields{"key": job.Key, "file": rel}).Debug("Saved image")
	return rel, nil
}

// localFilename is key[_title]_hash.ext; the hash keeps two images of one record apart
func localFilename(job ImageJob, u *url.URL, contentType string) string {
	base := string(job.Key)
	if job.Kind == KindThumbnail && job.Title != "" {
		base += "_" + job.Title
	}
	base = utils.SanitizeFilename(base)
	hash := fmt.Sprintf("%x", sha256.Sum256([]byte(job.Source)))[:8]
	return fmt.Sprintf("%s_%s%s", base, hash, extensionFor(u.Path, contentType))
}

// extensionFor prefers the content sniffed from the body, then the URL's own extension
func extensionFor(urlPath, contentType string) string {
	mimeType, _, err := mime.ParseMediaType(contentType)
	if err == nil {
		switch mimeType {
		case "image/jpeg":
			return ".jpg"
		case "image/png":
			return ".png"
		case "image/gif":
			return ".gif"
		case "image/webp":
			return ".webp"
		}
	}
	if ext := strings.ToLower(path.Ext(urlPath)); ext != "" && len(ext) <= 5 {
		return ext
	}
	return ".jpg"
}

func (d *ImageDownloader) observe(result string) {
	if d.observer != nil {
		d.observer.ObserveImage(result)
	}
}
