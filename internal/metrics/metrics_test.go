package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNew(reg)

	m.RunStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsActive))

	m.ObserveRequest("image", 2*time.Second)
	m.ObserveRequest("image", time.Second)
	m.ObserveRequest("empty", time.Second)
	m.RunFinished("completed")

	assert.Equal(t, 0.0, testutil.ToFloat64(m.runsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("image")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("empty")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("completed")))
}

func TestMustNew_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := MustNew(reg)
	second := MustNew(reg)

	first.ObserveRequest("image", time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(second.requests.WithLabelValues("image")))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RunStarted()
		m.ObserveRequest("image", time.Second)
		m.RunFinished("aborted")
	})
}

func TestNewServer_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	MustNew(reg).RunStarted()

	srv := NewServer(":0", reg)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sticker_generation_runs_active 1")

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
