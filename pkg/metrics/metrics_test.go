package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRecords(t *testing.T) {
	c := NewCollector("metrics-test")
	c.RecordsRead(10)
	c.RecordsFiltered(1)
	c.RecordsSuppressed(2)
	c.RecordsRejected(3)
	c.BatchCommitted(4, 20*time.Millisecond)
	c.Retry("commit")
	c.SetQueueDepth(2)
	c.SetState(3)
	c.SetDedupEntries(7)
	c.SetDedupProbeLength(1.25)

	assert.Equal(t, 10.0, testutil.ToFloat64(Records.WithLabelValues("metrics-test", OutcomeRead)))
	assert.Equal(t, 4.0, testutil.ToFloat64(Records.WithLabelValues("metrics-test", OutcomeLanded)))
	assert.Equal(t, 1.0, testutil.ToFloat64(BatchesCommitted.WithLabelValues("metrics-test")))
	assert.Equal(t, 3.0, testutil.ToFloat64(RecordsRejected.WithLabelValues("metrics-test")))
	assert.Equal(t, 1.0, testutil.ToFloat64(Retries.WithLabelValues("metrics-test", "commit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(QueueDepth.WithLabelValues("metrics-test")))
	assert.Equal(t, 3.0, testutil.ToFloat64(PipelineState.WithLabelValues("metrics-test")))
	assert.Equal(t, 7.0, testutil.ToFloat64(DedupEntries.WithLabelValues("metrics-test")))
	assert.Equal(t, 1.25, testutil.ToFloat64(DedupProbeLength.WithLabelValues("metrics-test")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	NewCollector("handler-test").BatchCommitted(1, time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `duckbridge_batches_committed_total{pipeline="handler-test"} 1`))
}
