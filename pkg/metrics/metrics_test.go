package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ExchangeDone(OutcomeOK, 20*time.Millisecond)
	m.ExchangeDone(OutcomeCacheHit, 0)
	m.ExchangeDone(OutcomeFailed, time.Second)
	m.WorkerDone("done")
	m.TaskDropped()
	m.TaskDropped()
	m.SetQueueDepth(3)
	m.SetMatrixEntries(7)
	m.SetRegistryHosts(2)
	m.EdgeSeen("used_network")
	m.Served("ok")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.exchanges.WithLabelValues(OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exchanges.WithLabelValues(OutcomeCacheHit)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.droppedTasks))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.queueDepth))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.matrixEntries))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.registryHosts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.edges.WithLabelValues("used_network")))

	// Cache hits do not reach the network and are not timed.
	families, err := reg.Gather()
	require.NoError(t, err)
	var observed uint64
	for _, mf := range families {
		if mf.GetName() == "lineagesketch_exchange_duration_seconds" {
			observed = mf.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	assert.Equal(t, uint64(2), observed)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ExchangeDone(OutcomeOK, time.Second)
		m.Served("ok")
		m.WorkerDone("failed")
		m.TaskDropped()
		m.SetQueueDepth(1)
		m.SetMatrixEntries(1)
		m.SetRegistryHosts(1)
		m.EdgeSeen("ignored")
	})
}

func TestMetrics_Handler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.TaskDropped()

	rec := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "lineagesketch_worker_dropped_total 1"), body)
}
