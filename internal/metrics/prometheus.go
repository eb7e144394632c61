// Package metrics provides Prometheus metrics for the lookup store.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Recreation metrics
	RecreationsTotal   *prometheus.CounterVec
	RecreationDuration *prometheus.HistogramVec
	BatchesWritten     *prometheus.CounterVec
	BatchRetries       *prometheus.CounterVec
	RowsWritten        *prometheus.CounterVec
	OrphansDeleted     *prometheus.CounterVec

	// Cache metrics
	CacheHits         *prometheus.CounterVec
	CacheMisses       *prometheus.CounterVec
	CacheLoads        *prometheus.CounterVec
	CacheLoadDuration *prometheus.HistogramVec
	CacheEntries      *prometheus.GaugeVec
	DecodeSkips       *prometheus.CounterVec

	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
}

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// NewMetrics creates metrics and registers them with reg. A nil registerer
// leaves the metrics unregistered, which tests rely on.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RecreationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hlameta_recreations_total",
				Help: "Total number of dataset recreations by outcome",
			},
			[]string{"dataset", "status"},
		),
		RecreationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hlameta_recreation_duration_seconds",
				Help:    "Duration of dataset recreations",
				Buckets: durationBuckets,
			},
			[]string{"dataset"},
		),
		BatchesWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hlameta_batches_written_total",
				Help: "Total number of batches written to generation tables",
			},
			[]string{"dataset"},
		),
		BatchRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hlameta_batch_retries_total",
				Help: "Total number of retried batch writes and page reads",
			},
			[]string{"dataset", "operation"},
		),
		RowsWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hlameta_rows_written_total",
				Help: "Total number of rows written to generation tables",
			},
			[]string{"dataset"},
		),
		OrphansDeleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hlameta_orphan_tables_deleted_total",
				Help: "Total number of unreferenced generation tables deleted",
			},
			[]string{"dataset"},
		),
		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hlameta_cache_hits_total",
				Help: "Total number of lookups served from a loaded cache entry",
			},
			[]string{"dataset"},
		),
		CacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hlameta_cache_misses_total",
				Help: "Total number of lookups that had to wait for a load",
			},
			[]string{"dataset"},
		),
		CacheLoads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hlameta_cache_loads_total",
				Help: "Total number of full table loads by outcome",
			},
			[]string{"dataset", "status"},
		),
		CacheLoadDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hlameta_cache_load_duration_seconds",
				Help:    "Duration of full table loads",
				Buckets: durationBuckets,
			},
			[]string{"dataset"},
		),
		CacheEntries: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hlameta_cache_entries",
				Help: "Number of entries held per loaded (dataset, version)",
			},
			[]string{"dataset", "version"},
		),
		DecodeSkips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hlameta_decode_skips_total",
				Help: "Total number of rows skipped during a load because they failed to decode",
			},
			[]string{"dataset", "reason"},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hlameta_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hlameta_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"method", "route"},
		),
		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "hlameta_http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
		),
	}
}

// RecordRecreation records the outcome of a recreation
func (m *Metrics) RecordRecreation(dataset string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.RecreationsTotal.WithLabelValues(dataset, status).Inc()
	m.RecreationDuration.WithLabelValues(dataset).Observe(duration.Seconds())
}

// RecordBatch records one successful batch write
func (m *Metrics) RecordBatch(dataset string, rows int) {
	m.BatchesWritten.WithLabelValues(dataset).Inc()
	m.RowsWritten.WithLabelValues(dataset).Add(float64(rows))
}

// RecordRetry records a retried store operation
func (m *Metrics) RecordRetry(dataset, operation string) {
	m.BatchRetries.WithLabelValues(dataset, operation).Inc()
}

// RecordCacheLoad records the outcome of a full table load
func (m *Metrics) RecordCacheLoad(dataset string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.CacheLoads.WithLabelValues(dataset, status).Inc()
	m.CacheLoadDuration.WithLabelValues(dataset).Observe(duration.Seconds())
}

// RecordHTTPRequest records metrics for an HTTP request
func (m *Metrics) RecordHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// MetricsServer provides a separate HTTP server for Prometheus metrics
type MetricsServer struct {
	server *http.Server
	logger *zap.Logger
}

// NewMetricsServer creates a new metrics server exposing gatherer at path
func NewMetricsServer(port int, path string, gatherer prometheus.Gatherer, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &MetricsServer{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start starts the metrics server
func (ms *MetricsServer) Start() error {
	ms.logger.Info("Starting metrics server", zap.String("addr", ms.server.Addr))
	if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the metrics server
func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}
