package service

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// durationStat accumulates a running sum and maximum.
type durationStat struct {
	count atomic.Int64
	total atomic.Int64
	max   atomic.Int64
}

func (d *durationStat) observe(value time.Duration) {
	nanos := max(value.Nanoseconds(), 0)
	d.count.Add(1)
	d.total.Add(nanos)
	for {
		current := d.max.Load()
		if nanos <= current || d.max.CompareAndSwap(current, nanos) {
			return
		}
	}
}

func (d *durationStat) avgMillis() float64 {
	count := d.count.Load()
	if count == 0 {
		return 0
	}
	return float64(d.total.Load()) / float64(count) / float64(time.Millisecond)
}

func (d *durationStat) maxMillis() float64 {
	return float64(d.max.Load()) / float64(time.Millisecond)
}

// Metrics is the in-process counter set behind /metrics.
type Metrics struct {
	requests       atomic.Int64
	requestsFailed atomic.Int64
	inflight       atomic.Int64
	requestLatency durationStat

	batches      atomic.Int64
	batchErrors  atomic.Int64
	batchRecords atomic.Int64
	batchMax     atomic.Int64
	queueWait    durationStat
	inference    durationStat

	records  atomic.Int64
	positive atomic.Int64
	reloads  atomic.Int64
}

type MetricsSnapshot struct {
	RequestsTotal      int64
	RequestsFailed     int64
	InFlight           int64
	AvgLatencyMillis   float64
	BatchesTotal       int64
	BatchErrorsTotal   int64
	BatchRecordsTotal  int64
	BatchSizeMax       int64
	AvgQueueMillis     float64
	MaxQueueMillis     float64
	AvgInferenceMillis float64
	MaxInferenceMillis float64
	RecordsTotal       int64
	PositiveTotal      int64
	ModelReloads       int64
	CacheHits          int64
	CacheMisses        int64
}

func (m *Metrics) RecordRequestStart() {
	m.requests.Add(1)
	m.inflight.Add(1)
}

func (m *Metrics) RecordRequestDone(latency time.Duration, success bool) {
	m.inflight.Add(-1)
	m.requestLatency.observe(latency)
	if !success {
		m.requestsFailed.Add(1)
	}
}

// RecordDecisions counts scored records and how many crossed the threshold.
func (m *Metrics) RecordDecisions(records int, positive int) {
	m.records.Add(int64(records))
	m.positive.Add(int64(positive))
}

func (m *Metrics) RecordReload() {
	m.reloads.Add(1)
}

func (m *Metrics) RecordBatch(stats BatchStats) {
	size := int64(max(stats.Records, 0))
	m.batches.Add(1)
	m.batchRecords.Add(size)
	for {
		current := m.batchMax.Load()
		if size <= current || m.batchMax.CompareAndSwap(current, size) {
			break
		}
	}
	m.queueWait.observe(stats.QueueWait)
	m.inference.observe(stats.Inference)
	if stats.Err != nil {
		m.batchErrors.Add(1)
	}
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		RequestsTotal:      m.requests.Load(),
		RequestsFailed:     m.requestsFailed.Load(),
		InFlight:           m.inflight.Load(),
		AvgLatencyMillis:   m.requestLatency.avgMillis(),
		BatchesTotal:       m.batches.Load(),
		BatchErrorsTotal:   m.batchErrors.Load(),
		BatchRecordsTotal:  m.batchRecords.Load(),
		BatchSizeMax:       m.batchMax.Load(),
		AvgQueueMillis:     m.queueWait.avgMillis(),
		MaxQueueMillis:     m.queueWait.maxMillis(),
		AvgInferenceMillis: m.inference.avgMillis(),
		MaxInferenceMillis: m.inference.maxMillis(),
		RecordsTotal:       m.records.Load(),
		PositiveTotal:      m.positive.Load(),
		ModelReloads:       m.reloads.Load(),
	}
}

// PrometheusText renders the snapshot in the text exposition format.
func (s MetricsSnapshot) PrometheusText() string {
	avgBatch := 0.0
	if s.BatchesTotal > 0 {
		avgBatch = float64(s.BatchRecordsTotal) / float64(s.BatchesTotal)
	}
	var b strings.Builder
	counter := func(name string, help string, value int64) {
		fmt.Fprintf(&b, "# HELP apply_model_%s %s\n# TYPE apply_model_%s counter\napply_model_%s %d\n", name, help, name, name, value)
	}
	gauge := func(name string, help string, value float64) {
		fmt.Fprintf(&b, "# HELP apply_model_%s %s\n# TYPE apply_model_%s gauge\napply_model_%s %.6f\n", name, help, name, name, value)
	}
	counter("requests_total", "Predict requests received.", s.RequestsTotal)
	counter("requests_failed_total", "Predict requests that returned an error.", s.RequestsFailed)
	gauge("inflight", "Predict requests currently waiting for scores.", float64(s.InFlight))
	gauge("request_latency_ms_avg", "Mean predict latency.", s.AvgLatencyMillis)
	counter("batches_total", "Library calls made by the batcher.", s.BatchesTotal)
	counter("batch_errors_total", "Library calls that failed.", s.BatchErrorsTotal)
	gauge("batch_size_avg", "Mean records per library call.", avgBatch)
	gauge("batch_size_max", "Largest batch scored.", float64(s.BatchSizeMax))
	gauge("queue_latency_ms_avg", "Mean time a request waited for its batch.", s.AvgQueueMillis)
	gauge("queue_latency_ms_max", "Longest time a request waited for its batch.", s.MaxQueueMillis)
	gauge("inference_latency_ms_avg", "Mean library call duration.", s.AvgInferenceMillis)
	gauge("inference_latency_ms_max", "Longest library call duration.", s.MaxInferenceMillis)
	counter("records_total", "Records scored and classified.", s.RecordsTotal)
	counter("positive_decisions_total", "Records classified as the positive class.", s.PositiveTotal)
	counter("reloads_total", "Successful model reloads.", s.ModelReloads)
	counter("cache_hits_total", "Records answered from the score cache.", s.CacheHits)
	counter("cache_misses_total", "Records sent to the model.", s.CacheMisses)
	return b.String()
}
