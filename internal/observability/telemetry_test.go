package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_MetricsExposed(t *testing.T) {
	tel, err := New(Config{ServiceName: "threatmesh", LogLevel: "debug", LogFormat: "console"})
	require.NoError(t, err)
	defer tel.Shutdown(context.Background())

	tel.Metrics().ReportsAccepted.WithLabelValues("malware").Inc()

	rr := httptest.NewRecorder()
	tel.MetricsHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), `threatmesh_reports_accepted_total{threat_type="malware"} 1`))
}

func TestNew_RejectsUnknownLogLevel(t *testing.T) {
	_, err := New(Config{ServiceName: "threatmesh", LogLevel: "verbose"})
	assert.ErrorContains(t, err, "failed to build logger")
}

func TestStartSystemMetricsCollector_SamplesImmediately(t *testing.T) {
	tel, err := New(Config{ServiceName: "threatmesh"})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tel.StartSystemMetricsCollector(ctx)

	assert.Greater(t, testutil.ToFloat64(tel.Metrics().GoroutineCount), 0.0)
	assert.Greater(t, testutil.ToFloat64(tel.Metrics().MemoryUsage), 0.0)
}

func TestNewMetrics_IndependentRegistries(t *testing.T) {
	a := NewMetrics(prometheus.NewRegistry())
	b := NewMetrics(prometheus.NewRegistry())

	a.CatchUps.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.CatchUps))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.CatchUps))
}

func TestHTTPMiddleware_UsesRoutePattern(t *testing.T) {
	m := NewNopMetrics()

	r := chi.NewRouter()
	r.Use(m.HTTPMiddleware)
	r.Get("/api/v1/events/{fingerprint}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/events/abc", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/api/v1/events/{fingerprint}", "404")))
}
