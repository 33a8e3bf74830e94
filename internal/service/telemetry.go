package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// BatchStats describes one coalesced library call.
type BatchStats struct {
	Requests  int
	Records   int
	QueueWait time.Duration
	Inference time.Duration
	Err       error
}

// TelemetryHooks observes the predict path. Implementations must not block.
type TelemetryHooks interface {
	OnPredictStart(ctx context.Context, requestID string, records int)
	OnPredictDone(ctx context.Context, requestID string, status int, elapsed time.Duration, err error)
	OnBatch(ctx context.Context, stats BatchStats)
}

type NopTelemetryHooks struct{}

func (NopTelemetryHooks) OnPredictStart(context.Context, string, int) {}

func (NopTelemetryHooks) OnPredictDone(context.Context, string, int, time.Duration, error) {}

func (NopTelemetryHooks) OnBatch(context.Context, BatchStats) {}

// LogTelemetryHooks turns every hook into a debug-level event.
type LogTelemetryHooks struct {
	Logger *zap.Logger
}

func (h LogTelemetryHooks) OnPredictStart(_ context.Context, requestID string, records int) {
	h.Logger.Debug("predict_start", zap.String("request_id", requestID), zap.Int("records", records))
}

func (h LogTelemetryHooks) OnPredictDone(
	_ context.Context,
	requestID string,
	status int,
	elapsed time.Duration,
	err error,
) {
	h.Logger.Debug(
		"predict_done",
		zap.String("request_id", requestID),
		zap.Int("status", status),
		zap.Duration("elapsed", elapsed),
		zap.Error(err),
	)
}

func (h LogTelemetryHooks) OnBatch(_ context.Context, stats BatchStats) {
	h.Logger.Debug(
		"batch_scored",
		zap.Int("requests", stats.Requests),
		zap.Int("records", stats.Records),
		zap.Duration("queue_wait", stats.QueueWait),
		zap.Duration("inference", stats.Inference),
		zap.Error(stats.Err),
	)
}
