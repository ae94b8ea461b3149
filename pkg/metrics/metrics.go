// Package metrics exposes crawl progress as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/empire-scraper/pkg/models"
)

// Metrics holds the crawl collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	FetchAttempts   *prometheus.CounterVec
	FetchDuration   *prometheus.HistogramVec
	UnitsTotal      *prometheus.CounterVec
	RecordsTotal    *prometheus.CounterVec
	RetryKeys       *prometheus.CounterVec
	IDMismatches    prometheus.Counter
	ImagesTotal     *prometheus.CounterVec
	Phase           *prometheus.GaugeVec
	DatasetRecords  prometheus.Gauge
	DatasetComplete prometheus.Gauge
}

// New registers every collector on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		FetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_fetch_attempts_total",
			Help: "HTTP fetch attempts, labeled by outcome.",
		}, []string{"outcome"}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scraper_fetch_duration_seconds",
			Help:    "Duration of single fetch attempts, labeled by outcome.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"outcome"}),
		UnitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_work_units_total",
			Help: "Work units processed, labeled by result.",
		}, []string{"result"}),
		RecordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_records_total",
			Help: "Records produced by work units, labeled by kind (complete or stub).",
		}, []string{"kind"}),
		RetryKeys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_classified_keys_total",
			Help: "Record keys classified from the crawl log, labeled by class.",
		}, []string{"class"}),
		IDMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scraper_id_mismatches_total",
			Help: "Retry passes aborted because a retried title differed from its stub.",
		}),
		ImagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_images_total",
			Help: "Image downloads, labeled by result.",
		}, []string{"result"}),
		Phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scraper_phase",
			Help: "1 for the phase the coordinator is in, 0 otherwise.",
		}, []string{"phase"}),
		DatasetRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scraper_dataset_records",
			Help: "Records currently in the dataset.",
		}),
		DatasetComplete: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scraper_dataset_complete_records",
			Help: "Records in the dataset carrying detail fields.",
		}),
	}
	reg.MustRegister(
		m.FetchAttempts, m.FetchDuration, m.UnitsTotal, m.RecordsTotal, m.RetryKeys,
		m.IDMismatches, m.ImagesTotal, m.Phase, m.DatasetRecords, m.DatasetComplete,
	)
	return m
}

// Registry returns the registry backing these metrics
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveFetch implements fetch.Observer
func (m *Metrics) ObserveFetch(outcome string, elapsed time.Duration) {
	m.FetchAttempts.WithLabelValues(outcome).Inc()
	m.FetchDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveImage implements process.ImageObserver
func (m *Metrics) ObserveImage(result string) {
	m.ImagesTotal.WithLabelValues(result).Inc()
}

// SetPhase marks p as the only active phase
func (m *Metrics) SetPhase(p models.Phase) {
	for _, ph := range []models.Phase{
		models.PhaseDispatching, models.PhaseMerging, models.PhaseClassifying,
		models.PhaseRetrying, models.PhaseFinalizing, models.PhaseDone,
	} {
		v := 0.0
		if ph == p {
			v = 1
		}
		m.Phase.WithLabelValues(ph.String()).Set(v)
	}
}

// SetDataset records the dataset size
func (m *Metrics) SetDataset(ds *models.Dataset) {
	m.DatasetRecords.Set(float64(ds.Len()))
	m.DatasetComplete.Set(float64(ds.CountComplete()))
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled
func (m *Metrics) Serve(ctx context.Context, addr string, log *logrus.Entry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infof("Serving metrics at http://%s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorf("Metrics server failed: %v", err)
	}
}
