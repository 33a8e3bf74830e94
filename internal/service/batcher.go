package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrQueueFull      = errors.New("request queue is full")
	ErrBatcherStopped = errors.New("batcher is stopped")
)

type batchItem struct {
	ctx      context.Context
	records  []Record
	enqueued time.Time
	result   chan batchResult
}

type batchResult struct {
	scores []float64
	err    error
}

type BatcherConfig struct {
	// MaxBatchSize caps the number of records per library call. A single
	// submission larger than the cap is still scored in one call.
	MaxBatchSize int
	BatchWindow  time.Duration
	QueueSize    int
	OnBatch      func(BatchStats)
	Logger       *zap.Logger
	Hooks        TelemetryHooks
}

// Batcher coalesces concurrent submissions into one Score call. Scores are
// batch-invariant, so each caller gets exactly what a solo call would return.
type Batcher struct {
	scorer Scorer
	cfg    BatcherConfig

	queue    chan batchItem
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *zap.Logger
	hooks    TelemetryHooks
}

func NewBatcher(scorer Scorer, cfg BatcherConfig) (*Batcher, error) {
	if scorer == nil {
		return nil, errors.New("scorer must not be nil")
	}
	if cfg.MaxBatchSize <= 0 {
		return nil, fmt.Errorf("max batch size must be > 0")
	}
	if cfg.BatchWindow <= 0 {
		return nil, fmt.Errorf("batch window must be > 0")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hooks := cfg.Hooks
	if hooks == nil {
		hooks = NopTelemetryHooks{}
	}
	return &Batcher{
		scorer: scorer,
		cfg:    cfg,
		queue:  make(chan batchItem, cfg.QueueSize),
		stop:   make(chan struct{}),
		logger: logger,
		hooks:  hooks,
	}, nil
}

func (b *Batcher) Start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.run()
	}()
}

func (b *Batcher) Stop() {
	b.stopOnce.Do(func() {
		close(b.stop)
	})
	b.wg.Wait()
}

func (b *Batcher) Submit(ctx context.Context, records []Record) ([]float64, error) {
	resultCh := make(chan batchResult, 1)
	item := batchItem{
		ctx:      ctx,
		records:  records,
		enqueued: time.Now(),
		result:   resultCh,
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.stop:
		return nil, ErrBatcherStopped
	default:
	}

	select {
	case b.queue <- item:
	default:
		return nil, ErrQueueFull
	}

	select {
	case result := <-resultCh:
		return result.scores, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.stop:
		return nil, ErrBatcherStopped
	}
}

func (b *Batcher) run() {
	for {
		select {
		case <-b.stop:
			return
		case first := <-b.queue:
			b.processBatch(first)
		}
	}
}

func (b *Batcher) processBatch(first batchItem) {
	batch := []batchItem{first}
	recordCount := len(first.records)
	timer := time.NewTimer(b.cfg.BatchWindow)
	defer timer.Stop()

collectLoop:
	for recordCount < b.cfg.MaxBatchSize {
		select {
		case <-b.stop:
			b.failAll(batch, ErrBatcherStopped)
			return
		case next := <-b.queue:
			batch = append(batch, next)
			recordCount += len(next.records)
		case <-timer.C:
			break collectLoop
		}
	}

	live := batch[:0]
	for _, item := range batch {
		if item.ctx.Err() != nil {
			item.result <- batchResult{err: item.ctx.Err()}
			continue
		}
		live = append(live, item)
	}
	batch = live
	if len(batch) == 0 {
		return
	}

	records := make([]Record, 0, recordCount)
	for _, item := range batch {
		records = append(records, item.records...)
	}

	stats := BatchStats{Requests: len(batch), Records: len(records)}
	batchStart := time.Now()
	for _, item := range batch {
		stats.QueueWait += max(batchStart.Sub(item.enqueued), 0)
	}
	stats.QueueWait /= time.Duration(len(batch))

	scores, err := b.scorer.Score(context.Background(), records)
	stats.Inference = time.Since(batchStart)
	if err == nil && len(scores) != len(records) {
		err = fmt.Errorf(
			"%w: scorer returned %d scores for %d records",
			ErrBackendProtocol,
			len(scores),
			len(records),
		)
	}
	stats.Err = err
	if b.cfg.OnBatch != nil {
		b.cfg.OnBatch(stats)
	}
	b.hooks.OnBatch(context.Background(), stats)

	fields := []zap.Field{
		zap.String("scorer", b.scorer.Name()),
		zap.Int("requests", stats.Requests),
		zap.Int("records", stats.Records),
		zap.Float64("queue_wait_ms", durationMillis(stats.QueueWait)),
		zap.Float64("inference_ms", durationMillis(stats.Inference)),
	}
	if err != nil {
		b.logger.Error("batch_failed", append(fields, zap.Error(err))...)
		b.failAll(batch, err)
		return
	}
	b.logger.Debug("batch_done", fields...)

	offset := 0
	for _, item := range batch {
		end := offset + len(item.records)
		out := make([]float64, len(item.records))
		copy(out, scores[offset:end])
		item.result <- batchResult{scores: out}
		offset = end
	}
}

func (b *Batcher) failAll(batch []batchItem, err error) {
	for _, item := range batch {
		item.result <- batchResult{err: err}
	}
}

func durationMillis(value time.Duration) float64 {
	if value < 0 {
		return 0.0
	}
	return float64(value) / float64(time.Millisecond)
}
