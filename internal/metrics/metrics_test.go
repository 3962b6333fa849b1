package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	c, err := NewCollector(prometheus.NewRegistry())
	require.NoError(t, err)
	return c
}

func TestNewCollector(t *testing.T) {
	collector := newTestCollector(t)

	assert.NotNil(t, collector.dispatches, "dispatches counter should be initialized")
	assert.NotNil(t, collector.retries, "retries counter should be initialized")
	assert.NotNil(t, collector.failures, "failures counter should be initialized")
	assert.NotNil(t, collector.duration, "duration histogram should be initialized")
	assert.NotNil(t, collector.busyKeys, "busy gauge should be initialized")
}

func TestNewCollector_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewCollector(reg)
	require.NoError(t, err)

	_, err = NewCollector(reg)
	assert.Error(t, err, "registering twice on one registry must fail")
}

func TestRecordDispatch(t *testing.T) {
	c := newTestCollector(t)

	c.RecordDispatch("completed")
	c.RecordDispatch("completed")
	c.RecordDispatch("rejected")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.dispatches.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.dispatches.WithLabelValues("rejected")))
}

func TestRecordRetryFailureEviction(t *testing.T) {
	c := newTestCollector(t)

	for i := 0; i < 3; i++ {
		c.RecordRetry()
	}
	c.RecordFailure("user_facing")
	c.RecordEviction()
	c.RecordSyncRequest(false)
	c.RecordSyncRequest(true)
	c.RecordSyncRequest(true)

	assert.Equal(t, 3.0, testutil.ToFloat64(c.retries))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.failures.WithLabelValues("user_facing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.evictions))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.syncRequests.WithLabelValues("initial")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.syncRequests.WithLabelValues("follow_up")))
}

func TestRecordDuration(t *testing.T) {
	c := newTestCollector(t)

	latencies := []time.Duration{time.Millisecond, 10 * time.Millisecond, time.Second}
	for _, d := range latencies {
		c.RecordDuration(d)
	}
	assert.Equal(t, 1, testutil.CollectAndCount(c.duration))
}

func TestUpdateQueueStats(t *testing.T) {
	c := newTestCollector(t)

	tests := []struct {
		busy, queued int
	}{
		{0, 0},
		{3, 10},
		{1, 2},
	}
	for _, tt := range tests {
		c.UpdateQueueStats(tt.busy, tt.queued)
		assert.Equal(t, float64(tt.busy), testutil.ToFloat64(c.busyKeys))
		assert.Equal(t, float64(tt.queued), testutil.ToFloat64(c.queuedCalls))
	}
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordDispatch("completed")
		c.RecordDuration(time.Second)
		c.RecordRetry()
		c.RecordFailure("fault")
		c.RecordEviction()
		c.RecordSyncRequest(true)
		c.UpdateQueueStats(1, 1)
	})
}

func TestHandler(t *testing.T) {
	c := newTestCollector(t)
	c.RecordDispatch("fresh")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `actionguard_dispatch_total{status="fresh"} 1`))
}
