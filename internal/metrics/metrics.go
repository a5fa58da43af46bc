// Package metrics provides Prometheus collectors and the echo middleware that
// feeds them.
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// LLMBuckets spans typical local inference latencies, 100ms to 120s.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

// Upstream attempt outcomes.
const (
	OutcomeOK             = "ok"
	OutcomeHTTPError      = "http_error"
	OutcomeTransportError = "transport_error"
	OutcomeBadResponse    = "bad_response"
)

var (
	// RequestsTotal counts inbound HTTP requests by method, route and status code.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ollama_adapter_requests_total",
			Help: "Inbound requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration records inbound request duration in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ollama_adapter_request_duration_seconds",
			Help:    "Inbound request duration",
			Buckets: LLMBuckets,
		},
		[]string{"method", "path"},
	)

	// UpstreamAttemptsTotal counts individual backend call attempts, retries included.
	UpstreamAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ollama_adapter_upstream_attempts_total",
			Help: "Backend call attempts",
		},
		[]string{"endpoint", "outcome"},
	)

	// UpstreamLatency records per-attempt backend latency in seconds.
	UpstreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ollama_adapter_upstream_latency_seconds",
			Help:    "Backend attempt latency",
			Buckets: LLMBuckets,
		},
		[]string{"endpoint"},
	)

	// TokensTotal counts tokens reported by the backend.
	TokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ollama_adapter_tokens_total",
			Help: "Token count",
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		UpstreamAttemptsTotal,
		UpstreamLatency,
		TokensTotal,
	)
}

// ObserveUpstream records one backend attempt.
func ObserveUpstream(endpoint, outcome string, elapsed time.Duration) {
	UpstreamAttemptsTotal.WithLabelValues(endpoint, outcome).Inc()
	UpstreamLatency.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// ObserveTokens records prompt and completion token counts of one completion.
// Non-positive counts are ignored; counters cannot decrease.
func ObserveTokens(prompt, completion int) {
	if prompt > 0 {
		TokensTotal.WithLabelValues("prompt").Add(float64(prompt))
	}
	if completion > 0 {
		TokensTotal.WithLabelValues("completion").Add(float64(completion))
	}
}

// Middleware records request count and latency. The route template is used as
// the path label so unknown URLs do not explode label cardinality.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)
			if err != nil {
				// Render now so the committed status is the one recorded.
				c.Error(err)
			}
			status := c.Response().Status

			path := c.Path()
			if path == "" {
				path = "unmatched"
			}

			RequestsTotal.WithLabelValues(c.Request().Method, path, strconv.Itoa(status)).Inc()
			RequestDuration.WithLabelValues(c.Request().Method, path).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
