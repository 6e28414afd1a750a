// Package telemetry unifies OpenTelemetry tracing and Prometheus metrics.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/JakeFAU/crawl-frontier/internal/config"
)

// --- CUSTOM METRIC DEFINITIONS ---

var (
	dispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frontier_dispatched_total",
			Help: "Jobs dispatched, labeled by source.",
		},
		[]string{"source"},
	)

	dispatchErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frontier_dispatch_errors_total",
			Help: "Failed dispatch attempts, labeled by source.",
		},
		[]string{"source"},
	)

	rateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frontier_rate_limited_total",
			Help: "Dispatch attempts rejected by the token bucket, labeled by source.",
		},
		[]string{"source"},
	)

	claimedRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frontier_claimed_rows_total",
			Help: "Frontier rows leased by claims, labeled by source.",
		},
		[]string{"source"},
	)

	leaderGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "frontier_leader",
			Help: "1 while this instance holds the dispatch leadership.",
		},
	)

	outboxPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frontier_outbox_published_total",
			Help: "Outbox messages acknowledged by the transport, labeled by topic.",
		},
		[]string{"topic"},
	)

	outboxFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frontier_outbox_failed_total",
			Help: "Outbox publish failures, labeled by topic.",
		},
		[]string{"topic"},
	)

	outboxDead = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "frontier_outbox_dead",
			Help: "Outbox messages parked after exhausting their attempts.",
		},
	)

	resultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frontier_results_total",
			Help: "Result events applied, labeled by source and outcome.",
		},
		[]string{"source", "outcome"},
	)

	duplicateResultsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "frontier_duplicate_results_total",
			Help: "Result events skipped because their id was already processed.",
		},
	)

	leasesReleasedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frontier_leases_released_total",
			Help: "Frontier leases cleared, labeled by reason.",
		},
		[]string{"reason"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

var (
	initOnce  sync.Once
	traceProv *sdktrace.TracerProvider
	meterProv *metric.MeterProvider
	initErr   error
)

// --- INITIALIZATION ---

// InitTelemetry sets up tracing (Google Cloud Trace when a project is set)
// and bridges OpenTelemetry metrics onto the default Prometheus registry.
func InitTelemetry(ctx context.Context, cfg config.TelemetryConfig) (*sdktrace.TracerProvider, *metric.MeterProvider, error) {
	initOnce.Do(func() {
		res, err := resource.New(ctx,
			resource.WithAttributes(
				semconv.ServiceName(cfg.ServiceName),
				semconv.ServiceVersion(cfg.ServiceVersion),
			),
		)
		if err != nil {
			initErr = fmt.Errorf("failed to create resource: %w", err)
			return
		}

		opts := []sdktrace.TracerProviderOption{
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		}
		if cfg.ProjectID != "" {
			traceExporter, err := texporter.New(texporter.WithProjectID(cfg.ProjectID))
			if err != nil {
				initErr = fmt.Errorf("failed to create google trace exporter: %w", err)
				return
			}
			opts = append(opts, sdktrace.WithBatcher(traceExporter))
		}

		tp := sdktrace.NewTracerProvider(opts...)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(
			propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
		)

		promExporter, err := otelprom.New(
			otelprom.WithRegisterer(prometheus.DefaultRegisterer),
		)
		if err != nil {
			initErr = fmt.Errorf("failed to create prometheus exporter: %w", err)
			return
		}

		mp := metric.NewMeterProvider(
			metric.WithResource(res),
			metric.WithReader(promExporter),
		)
		otel.SetMeterProvider(mp)
		traceProv = tp
		meterProv = mp
	})
	return traceProv, meterProv, initErr
}

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- HELPER FUNCTIONS ---

// ObserveDispatched records n jobs dispatched for source.
func ObserveDispatched(source string, n int) {
	dispatchedTotal.WithLabelValues(source).Add(float64(n))
}

// ObserveDispatchError records a failed dispatch for source.
func ObserveDispatchError(source string) {
	dispatchErrorsTotal.WithLabelValues(source).Inc()
}

// ObserveRateLimited records a token bucket rejection for source.
func ObserveRateLimited(source string) {
	rateLimitedTotal.WithLabelValues(source).Inc()
}

// ObserveClaimed records n rows leased for source.
func ObserveClaimed(source string, n int) {
	claimedRowsTotal.WithLabelValues(source).Add(float64(n))
}

// SetLeader exports the leadership state of this instance.
func SetLeader(leading bool) {
	if leading {
		leaderGauge.Set(1)
		return
	}
	leaderGauge.Set(0)
}

// ObserveOutboxPublished records an acknowledged publish.
func ObserveOutboxPublished(topic string) {
	outboxPublishedTotal.WithLabelValues(topic).Inc()
}

// ObserveOutboxFailed records a failed publish.
func ObserveOutboxFailed(topic string) {
	outboxFailedTotal.WithLabelValues(topic).Inc()
}

// SetOutboxDead exports the current dead message count.
func SetOutboxDead(n int64) {
	outboxDead.Set(float64(n))
}

// ObserveResult records an applied result event.
func ObserveResult(source, outcome string) {
	resultsTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveDuplicateResult records a result skipped by the idempotency ledger.
func ObserveDuplicateResult() {
	duplicateResultsTotal.Inc()
}

// ObserveLeasesReleased records n leases cleared for reason.
func ObserveLeasesReleased(reason string, n int64) {
	if n <= 0 {
		return
	}
	leasesReleasedTotal.WithLabelValues(reason).Add(float64(n))
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
