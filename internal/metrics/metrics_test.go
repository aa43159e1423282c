package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	m := New()

	m.Sweep("swept")
	m.Sweep("swept")
	m.Swept("escrow", 5_000_000)
	m.Swept("creator", 0)
	m.Claim("settle", "success")
	m.WorkerRun("prune", errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SweepOutcomes.WithLabelValues("swept")))
	assert.Equal(t, 5_000_000.0, testutil.ToFloat64(m.SweptLamports.WithLabelValues("escrow")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClaimOutcomes.WithLabelValues("settle", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkerRuns.WithLabelValues("prune", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.SweptLamports), "zero amounts are not recorded")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Sweep("swept")
		m.SweepBatch(time.Second)
		m.Claimed("native", 1)
		m.Request("/health", "200", time.Millisecond)
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.Request("/health", "200", 10*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `reward_settlement_http_requests_total{route="/health",status="200"} 1`))
}
