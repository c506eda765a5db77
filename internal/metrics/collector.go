// Package metrics exposes Prometheus instruments for the relay and implements
// the observer hooks of the orchestrator, cooldown guard, session manager and
// task poller.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/manash/imgrelay/internal/poller"
)

const DefaultNamespace = "imgrelay"

type Collector struct {
	registry *prometheus.Registry

	providerAttempts *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	cooldownDecision *prometheus.CounterVec
	sessionOutcomes  *prometheus.CounterVec
	pollAttempts     *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector registers every instrument on a private registry, so several
// collectors can coexist in one process.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.providerAttempts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_attempts_total",
			Help:      "Backend attempts by provider, operation and outcome",
		},
		[]string{"provider", "op", "status"},
	)

	c.providerDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_attempt_duration_seconds",
			Help:      "Backend attempt duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 180},
		},
		[]string{"provider", "op"},
	)

	c.cooldownDecision = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cooldown_decisions_total",
			Help:      "Cooldown guard decisions by outcome",
		},
		[]string{"outcome"},
	)

	c.sessionOutcomes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "edit_sessions_total",
			Help:      "Image collection session lifecycle events",
		},
		[]string{"outcome"},
	)

	c.pollAttempts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_poll_attempts_total",
			Help:      "Async task status queries by observed status",
		},
		[]string{"status"},
	)

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	return c
}

func (c *Collector) ObserveAttempt(provider, op string, success bool, elapsed time.Duration) {
	status := "failure"
	if success {
		status = "success"
	}
	c.providerAttempts.WithLabelValues(provider, op, status).Inc()
	c.providerDuration.WithLabelValues(provider, op).Observe(elapsed.Seconds())
}

func (c *Collector) ObserveCooldown(outcome string) {
	c.cooldownDecision.WithLabelValues(outcome).Inc()
}

func (c *Collector) ObserveSession(outcome string) {
	c.sessionOutcomes.WithLabelValues(outcome).Inc()
}

// ObservePoll matches poller.Poller.OnAttempt.
func (c *Collector) ObservePoll(status poller.Status) {
	c.pollAttempts.WithLabelValues(status.String()).Inc()
}

func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorLog: zap.NewStdLog(c.logger),
	})
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
