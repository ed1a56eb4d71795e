// Package metrics exposes Prometheus collectors for the scraping service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	admissionsTotal            *prometheus.CounterVec
	inFlight                   *prometheus.GaugeVec
	intervalWaitSeconds        *prometheus.HistogramVec
	hostDelaySeconds           *prometheus.HistogramVec
	cacheLookupsTotal          *prometheus.CounterVec
	providerCallsTotal         *prometheus.CounterVec
	providerCallSeconds        *prometheus.HistogramVec
	sessionRotationsTotal      *prometheus.CounterVec
	challengesTotal            *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"method", "route"},
		)

		admissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_admissions_total",
				Help: "Concurrency gate admissions, labeled by provider and outcome (granted, busy, canceled).",
			},
			[]string{"provider", "outcome"},
		)

		inFlight = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scraper_in_flight",
				Help: "Provider operations currently holding a concurrency slot.",
			},
			[]string{"provider"},
		)

		intervalWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_interval_wait_seconds",
				Help:    "Time slot holders spent waiting for the minimum request interval.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"provider"},
		)

		hostDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_host_delay_seconds",
				Help:    "Histogram of per-host pacing waits in the HTTP fetcher.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_cache_lookups_total",
				Help: "Result cache lookups, labeled by provider and result (hit, negative_hit, miss, expired).",
			},
			[]string{"provider", "result"},
		)

		providerCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_provider_calls_total",
				Help: "Provider operations, labeled by provider, operation and status.",
			},
			[]string{"provider", "op", "status"},
		)

		providerCallSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_provider_call_seconds",
				Help:    "Latency of provider operations.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "op"},
		)

		sessionRotationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_session_rotations_total",
				Help: "Browser session rotations, labeled by traffic class and reason.",
			},
			[]string{"class", "reason"},
		)

		challengesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_challenges_total",
				Help: "Anti-automation challenge pages detected, labeled by fetcher.",
			},
			[]string{"fetcher"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveAdmission counts a concurrency gate decision.
func ObserveAdmission(provider, outcome string) {
	admissionsTotal.WithLabelValues(provider, outcome).Inc()
}

// SetInFlight records the number of held slots for a provider.
func SetInFlight(provider string, n int) {
	inFlight.WithLabelValues(provider).Set(float64(n))
}

// ObserveIntervalWait records time spent honoring the minimum request interval.
func ObserveIntervalWait(provider string, d time.Duration) {
	intervalWaitSeconds.WithLabelValues(provider).Observe(d.Seconds())
}

// ObserveHostDelay records the duration of a per-host pacing wait.
func ObserveHostDelay(host string, d time.Duration) {
	hostDelaySeconds.WithLabelValues(host).Observe(d.Seconds())
}

// ObserveCacheLookup counts a result cache lookup.
func ObserveCacheLookup(provider, result string) {
	cacheLookupsTotal.WithLabelValues(provider, result).Inc()
}

// ObserveProviderCall records a provider search or detail operation.
func ObserveProviderCall(provider, op, status string, d time.Duration) {
	providerCallsTotal.WithLabelValues(provider, op, status).Inc()
	providerCallSeconds.WithLabelValues(provider, op).Observe(d.Seconds())
}

// ObserveSessionRotation counts a browser session rotation.
func ObserveSessionRotation(class, reason string) {
	sessionRotationsTotal.WithLabelValues(class, reason).Inc()
}

// ObserveChallenge counts a detected challenge page.
func ObserveChallenge(fetcher string) {
	challengesTotal.WithLabelValues(fetcher).Inc()
}
