// Package metrics provides Prometheus metrics collection for Thorium.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for a Thorium component.
type Metrics struct {
	// Cursor engine (C2)
	CursorPagesServed  *prometheus.CounterVec
	CursorPageDuration *prometheus.HistogramVec
	CursorRowsReturned *prometheus.HistogramVec

	// Census (C1)
	CensusDriftCorrections *prometheus.CounterVec

	// Job queue (C8)
	QueueDepth       *prometheus.GaugeVec
	JobsClaimedTotal *prometheus.CounterVec
	JobsExpiredTotal *prometheus.CounterVec

	// Reaction state machine (C7)
	ReactionTransitionsTotal *prometheus.CounterVec
	ReactionsActive          *prometheus.GaugeVec

	// Argument materializer (C9)
	ArgvMaterializationFailuresTotal *prometheus.CounterVec

	// Blob store (C11)
	BlobUploadsTotal    *prometheus.CounterVec
	BlobUploadDuration  *prometheus.HistogramVec
	BlobUploadBytes     *prometheus.CounterVec

	// Store errors
	ErrorsTotal *prometheus.CounterVec

	// Component health
	ComponentUptime prometheus.Gauge
	ComponentInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered against
// the default Prometheus registry.
func New(component string) *Metrics {
	return NewWithRegistry(component, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry.
func NewWithRegistry(component string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		CursorPagesServed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "thorium_cursor_pages_served_total",
				Help: "Total number of internal pages fetched by the cursor engine",
			},
			[]string{"component", "group"},
		),
		CursorPageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "thorium_cursor_page_duration_seconds",
				Help:    "Duration of a single cursor page fetch",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"component", "group"},
		),
		CursorRowsReturned: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "thorium_cursor_rows_returned",
				Help:    "Number of rows returned per cursor page after dedupe",
				Buckets: prometheus.LinearBuckets(0, 10, 15),
			},
			[]string{"component", "group"},
		),

		CensusDriftCorrections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "thorium_census_drift_corrections_total",
				Help: "Total number of opportunistic census counter repairs",
			},
			[]string{"group", "stream"},
		),

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "thorium_queue_depth",
				Help: "Current number of jobs waiting on a claim key",
			},
			[]string{"group", "pipeline", "image"},
		),
		JobsClaimedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "thorium_jobs_claimed_total",
				Help: "Total number of jobs claimed by worker nodes",
			},
			[]string{"node", "cluster"},
		),
		JobsExpiredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "thorium_jobs_expired_total",
				Help: "Total number of jobs whose deadline elapsed before completion",
			},
			[]string{"group", "pipeline"},
		),

		ReactionTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "thorium_reaction_transitions_total",
				Help: "Total number of reaction state machine transitions",
			},
			[]string{"from", "to"},
		),
		ReactionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "thorium_reactions_active",
				Help: "Current number of reactions in a non-terminal state",
			},
			[]string{"group", "pipeline"},
		),

		ArgvMaterializationFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "thorium_argv_materialization_failures_total",
				Help: "Total number of scan_args failures in the agent argument materializer",
			},
			[]string{"image", "reason"},
		),

		BlobUploadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "thorium_blob_uploads_total",
				Help: "Total number of blob uploads, by bucket and status",
			},
			[]string{"bucket", "status"},
		),
		BlobUploadDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "thorium_blob_upload_duration_seconds",
				Help:    "Duration of a blob upload including CaRT encoding",
				Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"bucket"},
		),
		BlobUploadBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "thorium_blob_upload_bytes_total",
				Help: "Total bytes uploaded to blob storage",
			},
			[]string{"bucket"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "thorium_errors_total",
				Help: "Total number of errors surfaced as ServiceError, by code",
			},
			[]string{"component", "code"},
		),

		ComponentUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "thorium_component_uptime_seconds",
				Help: "Component uptime in seconds",
			},
		),
		ComponentInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "thorium_component_info",
				Help: "Component build and environment information",
			},
			[]string{"component", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.CursorPagesServed,
			m.CursorPageDuration,
			m.CursorRowsReturned,
			m.CensusDriftCorrections,
			m.QueueDepth,
			m.JobsClaimedTotal,
			m.JobsExpiredTotal,
			m.ReactionTransitionsTotal,
			m.ReactionsActive,
			m.ArgvMaterializationFailuresTotal,
			m.BlobUploadsTotal,
			m.BlobUploadDuration,
			m.BlobUploadBytes,
			m.ErrorsTotal,
			m.ComponentUptime,
			m.ComponentInfo,
		)
	}

	m.ComponentInfo.WithLabelValues(component, "1.0.0", environment()).Set(1)

	return m
}

// RecordCursorPage records one page fetched by the cursor engine.
func (m *Metrics) RecordCursorPage(component, group string, rows int, duration time.Duration) {
	m.CursorPagesServed.WithLabelValues(component, group).Inc()
	m.CursorPageDuration.WithLabelValues(component, group).Observe(duration.Seconds())
	m.CursorRowsReturned.WithLabelValues(component, group).Observe(float64(rows))
}

// RecordCensusRepair records an opportunistic census counter correction.
func (m *Metrics) RecordCensusRepair(group, stream string) {
	m.CensusDriftCorrections.WithLabelValues(group, stream).Inc()
}

// SetQueueDepth sets the current number of jobs waiting on a claim key.
func (m *Metrics) SetQueueDepth(group, pipeline, image string, depth int) {
	m.QueueDepth.WithLabelValues(group, pipeline, image).Set(float64(depth))
}

// RecordJobClaim records a worker's successful claim.
func (m *Metrics) RecordJobClaim(node, cluster string, claimed int) {
	m.JobsClaimedTotal.WithLabelValues(node, cluster).Add(float64(claimed))
}

// RecordJobExpired records a job that missed its deadline.
func (m *Metrics) RecordJobExpired(group, pipeline string) {
	m.JobsExpiredTotal.WithLabelValues(group, pipeline).Inc()
}

// RecordReactionTransition records a reaction state machine transition.
func (m *Metrics) RecordReactionTransition(from, to string) {
	m.ReactionTransitionsTotal.WithLabelValues(from, to).Inc()
}

// SetReactionsActive sets the current count of non-terminal reactions.
func (m *Metrics) SetReactionsActive(group, pipeline string, count int) {
	m.ReactionsActive.WithLabelValues(group, pipeline).Set(float64(count))
}

// RecordArgvMaterializationFailure records a scan_args failure.
func (m *Metrics) RecordArgvMaterializationFailure(image, reason string) {
	m.ArgvMaterializationFailuresTotal.WithLabelValues(image, reason).Inc()
}

// RecordBlobUpload records a completed or failed blob upload.
func (m *Metrics) RecordBlobUpload(bucket, status string, bytes int64, duration time.Duration) {
	m.BlobUploadsTotal.WithLabelValues(bucket, status).Inc()
	m.BlobUploadDuration.WithLabelValues(bucket).Observe(duration.Seconds())
	if status == "success" {
		m.BlobUploadBytes.WithLabelValues(bucket).Add(float64(bytes))
	}
}

// RecordError records an error surfaced to a caller, keyed by ServiceError code.
func (m *Metrics) RecordError(component, code string) {
	m.ErrorsTotal.WithLabelValues(component, code).Inc()
}

// UpdateUptime updates the component uptime gauge.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ComponentUptime.Set(time.Since(startTime).Seconds())
}

// Helper functions

func environment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("THORIUM_ENV")))
	if env == "" {
		return "development"
	}
	return env
}

func isProduction() bool {
	return environment() == "production"
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !isProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(component string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(component)
	}
	return globalMetrics
}

// Global returns the global metrics instance.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
