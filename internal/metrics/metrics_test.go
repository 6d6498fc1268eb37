package metrics

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	switch {
	case out.Counter != nil:
		return out.GetCounter().GetValue()
	case out.Gauge != nil:
		return out.GetGauge().GetValue()
	}
	t.Fatalf("unsupported metric type")
	return 0
}

func TestStatusBucket(t *testing.T) {
	assert.Equal(t, "1xx", statusBucket(101))
	assert.Equal(t, "2xx", statusBucket(204))
	assert.Equal(t, "3xx", statusBucket(304))
	assert.Equal(t, "4xx", statusBucket(422))
	assert.Equal(t, "5xx", statusBucket(503))
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/alerts/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	before := value(t, HTTPRequestsTotal.WithLabelValues("GET", "/alerts/{id}", "4xx"))

	for _, id := range []string{"a", "b", "c"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/alerts/"+id, nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	}

	after := value(t, HTTPRequestsTotal.WithLabelValues("GET", "/alerts/{id}", "4xx"))
	assert.Equal(t, 3.0, after-before)
}

func TestHandlerExposesKestrelMetrics(t *testing.T) {
	AssessmentsTotal.WithLabelValues("APPROVE", "LOW", "rules_only").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "kestrel_assessments_total"))
}

type fakeStats struct{ open int }

func (f fakeStats) Stats() sql.DBStats { return sql.DBStats{OpenConnections: f.open, InUse: 1} }

func TestDBStatsCollector(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		StartDBStatsCollector(ctx, fakeStats{open: 4}, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		var out dto.Metric
		_ = DBOpenConnections.Write(&out)
		return out.GetGauge().GetValue() == 4
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
