package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SessionOpened()
	m.Relayed("call-ended", "dropped")
	m.DirectoryOp("claim", 409)
	m.GaugeFunc("x", "x", func() float64 { return 1 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestCountersAndExposition(t *testing.T) {
	m := New()
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	m.Relayed("incoming-request", "delivered")
	m.RateLimited()
	m.DirectoryOp("claim", 200)
	m.DirectoryOp("claim", 409)
	m.GaugeFunc("online_identities", "Identities bound to a session.", func() float64 { return 7 })

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.relayed.WithLabelValues("incoming-request", "delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.directory.WithLabelValues("claim", "4xx")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "syrja_online_identities 7")
	assert.Contains(t, string(body), "syrja_rate_limited_total 1")
}
