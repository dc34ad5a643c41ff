// Package metrics exposes Prometheus collectors for the monitor process:
// tick throughput, queue depths, HTTP errors, backoff state, and alerts
// per style (spec §11, ambient stack).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the monitor registers. Construct one with
// NewMetrics; tests build a namespaced instance directly to avoid registry
// collisions.
type Metrics struct {
	TicksTotal          *prometheus.CounterVec
	TickDuration        *prometheus.HistogramVec
	RawQueueDepth       prometheus.Gauge
	ProcessedQueueDepth prometheus.Gauge
	HTTPErrorsTotal     *prometheus.CounterVec
	SecurityActions     *prometheus.CounterVec
	BackoffIntervalSecs *prometheus.GaugeVec
	AlertsTotal         *prometheus.CounterVec
	RentaParaMejorar    *prometheus.HistogramVec
	AuctionsActive      prometheus.Gauge
}

// NewMetrics registers collectors under namespace on the default registry.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		TicksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ticks_total",
				Help:      "Total number of Collector ticks processed by the Engine.",
			},
			[]string{"auction"},
		),
		TickDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tick_duration_seconds",
				Help:      "Time spent deriving metrics and alert decisions for one tick.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"auction"},
		),
		RawQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "raw_queue_depth",
				Help:      "Current number of buffered raw-event queue entries.",
			},
		),
		ProcessedQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "processed_queue_depth",
				Help:      "Current number of buffered processed-event queue entries.",
			},
		),
		HTTPErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_errors_total",
				Help:      "Total HTTP errors observed by a Collector, by status code.",
			},
			[]string{"auction", "status"},
		),
		SecurityActions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "security_actions_total",
				Help:      "Total SecurityPolicy actions taken, by kind (backoff, stop).",
			},
			[]string{"auction", "action"},
		),
		BackoffIntervalSecs: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "backoff_interval_seconds",
				Help:      "Current backoff poll interval per auction.",
			},
			[]string{"auction"},
		),
		AlertsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_total",
				Help:      "Total alert decisions emitted, by style.",
			},
			[]string{"auction", "style"},
		),
		RentaParaMejorar: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "renta_para_mejorar",
				Help:      "Distribution of the margin-if-improved-to-beat-minimum metric.",
				Buckets:   []float64{-0.5, -0.25, -0.1, 0, 0.1, 0.2, 0.3, 0.5, 1},
			},
			[]string{"auction"},
		),
		AuctionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "auctions_active",
				Help:      "Number of auctions currently in RUNNING state.",
			},
		),
	}
}

// RecordTick increments the tick counter and observes its processing
// duration in seconds for auction.
func (m *Metrics) RecordTick(auction string, seconds float64) {
	m.TicksTotal.WithLabelValues(auction).Inc()
	m.TickDuration.WithLabelValues(auction).Observe(seconds)
}

// RecordHTTPError increments the HTTP error counter for auction/status.
func (m *Metrics) RecordHTTPError(auction, status string) {
	m.HTTPErrorsTotal.WithLabelValues(auction, status).Inc()
}

// RecordSecurityAction increments the security-action counter and, for
// BACKOFF, updates the gauge tracking the current interval.
func (m *Metrics) RecordSecurityAction(auction, action string, intervalSeconds float64) {
	m.SecurityActions.WithLabelValues(auction, action).Inc()
	if action == "BACKOFF" {
		m.BackoffIntervalSecs.WithLabelValues(auction).Set(intervalSeconds)
	}
}

// RecordAlert increments the alert counter for auction/style and, when
// rentaParaMejorar is non-nil, observes it in the margin histogram.
func (m *Metrics) RecordAlert(auction, style string, rentaParaMejorar *float64) {
	m.AlertsTotal.WithLabelValues(auction, style).Inc()
	if rentaParaMejorar != nil {
		m.RentaParaMejorar.WithLabelValues(auction).Observe(*rentaParaMejorar)
	}
}

// SetQueueDepths updates the two queue-depth gauges.
func (m *Metrics) SetQueueDepths(raw, processed int) {
	m.RawQueueDepth.Set(float64(raw))
	m.ProcessedQueueDepth.Set(float64(processed))
}

// SetAuctionsActive updates the active-auction gauge.
func (m *Metrics) SetAuctionsActive(n int) {
	m.AuctionsActive.Set(float64(n))
}

// Handler returns the standard Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
