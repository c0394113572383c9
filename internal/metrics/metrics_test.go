package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.Armed("t")
	m.Fired("t", true)
	m.StoreOp("file", "save", 0.1, nil)
	assert.Nil(t, m.Registry())
}

func TestTimeoutCounters(t *testing.T) {
	t.Parallel()
	m := New()
	m.Armed("t")
	m.Armed("t")
	m.Cancelled("t")
	m.Fired("t", false)
	m.Fired("t", true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TimeoutArmed.WithLabelValues("t")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.TimeoutActive.WithLabelValues("t")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TimeoutFired.WithLabelValues("t", "true")))

	m.StoreOp("sqlite", "save", 0.001, errors.New("x"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreOps.WithLabelValues("sqlite", "save", "error")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	t.Parallel()
	m := New()
	m.SignalReceived("http", 3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `sigwatch_source_signals_total{source="http"} 3`))
}
