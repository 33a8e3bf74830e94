package service

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricsSnapshot(t *testing.T) {
	var m Metrics
	m.RecordRequestStart()
	m.RecordRequestStart()
	m.RecordRequestDone(4*time.Millisecond, true)
	m.RecordRequestDone(2*time.Millisecond, false)
	m.RecordBatch(BatchStats{Requests: 2, Records: 5, QueueWait: time.Millisecond, Inference: 3 * time.Millisecond})
	m.RecordBatch(BatchStats{Requests: 1, Records: 1, Inference: time.Millisecond, Err: errors.New("boom")})
	m.RecordDecisions(6, 2)
	m.RecordReload()

	s := m.Snapshot()
	assert.EqualValues(t, 2, s.RequestsTotal)
	assert.EqualValues(t, 1, s.RequestsFailed)
	assert.Zero(t, s.InFlight)
	assert.InDelta(t, 3.0, s.AvgLatencyMillis, 1e-9)
	assert.EqualValues(t, 2, s.BatchesTotal)
	assert.EqualValues(t, 1, s.BatchErrorsTotal)
	assert.EqualValues(t, 5, s.BatchSizeMax)
	assert.InDelta(t, 3.0, s.MaxInferenceMillis, 1e-9)
	assert.InDelta(t, 2.0, s.AvgInferenceMillis, 1e-9)
	assert.EqualValues(t, 2, s.PositiveTotal)
	assert.EqualValues(t, 1, s.ModelReloads)
}

func TestPrometheusText(t *testing.T) {
	text := MetricsSnapshot{RequestsTotal: 7, BatchesTotal: 2, BatchRecordsTotal: 5, CacheHits: 3}.PrometheusText()

	assert.Contains(t, text, "# TYPE apply_model_requests_total counter\napply_model_requests_total 7\n")
	assert.Contains(t, text, "apply_model_batch_size_avg 2.500000\n")
	assert.Contains(t, text, "apply_model_cache_hits_total 3\n")
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		assert.True(t, strings.HasPrefix(line, "# ") || strings.HasPrefix(line, "apply_model_"), line)
	}
}
