package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRegistered(t *testing.T) {
	ObserveUpstream("/api/tags", OutcomeOK, 10*time.Millisecond)
	ObserveTokens(1, 2)
	RequestsTotal.WithLabelValues("GET", "/seed", "200").Inc()
	RequestDuration.WithLabelValues("GET", "/seed").Observe(0.1)

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	expected := map[string]bool{
		"ollama_adapter_requests_total":           false,
		"ollama_adapter_request_duration_seconds": false,
		"ollama_adapter_upstream_attempts_total":  false,
		"ollama_adapter_upstream_latency_seconds": false,
		"ollama_adapter_tokens_total":             false,
	}
	for _, mf := range families {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}
	for name, found := range expected {
		assert.True(t, found, "metric %s not registered", name)
	}
}

func TestObserveTokens(t *testing.T) {
	prompt := testutil.ToFloat64(TokensTotal.WithLabelValues("prompt"))
	completion := testutil.ToFloat64(TokensTotal.WithLabelValues("completion"))

	ObserveTokens(7, 11)

	assert.Equal(t, prompt+7, testutil.ToFloat64(TokensTotal.WithLabelValues("prompt")))
	assert.Equal(t, completion+11, testutil.ToFloat64(TokensTotal.WithLabelValues("completion")))
}

func TestObserveTokens_IgnoresNonPositive(t *testing.T) {
	prompt := testutil.ToFloat64(TokensTotal.WithLabelValues("prompt"))
	completion := testutil.ToFloat64(TokensTotal.WithLabelValues("completion"))

	require.NotPanics(t, func() { ObserveTokens(-1, 0) })
	ObserveTokens(-3, 5)

	assert.Equal(t, prompt, testutil.ToFloat64(TokensTotal.WithLabelValues("prompt")))
	assert.Equal(t, completion+5, testutil.ToFloat64(TokensTotal.WithLabelValues("completion")))
}

func TestMiddleware_RecordsStatus(t *testing.T) {
	e := echo.New()
	e.Use(Middleware())
	e.GET("/ok", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/fail", func(c echo.Context) error { return errors.New("boom") })
	e.GET("/teapot", func(c echo.Context) error { return echo.NewHTTPError(http.StatusTeapot, "short and stout") })

	tests := []struct {
		path   string
		status string
	}{
		{"/ok", "200"},
		{"/fail", "500"},
		{"/teapot", "418"},
	}
	for _, tt := range tests {
		before := testutil.ToFloat64(RequestsTotal.WithLabelValues(http.MethodGet, tt.path, tt.status))

		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

		after := testutil.ToFloat64(RequestsTotal.WithLabelValues(http.MethodGet, tt.path, tt.status))
		assert.Equal(t, before+1, after, tt.path)
	}
}
