package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type HTTPServiceConfig struct {
	Formatter      Formatter
	MaxBatchSize   int
	BatchWindow    time.Duration
	QueueSize      int
	PredictTimeout time.Duration
	// CacheSize enables the score cache when > 0.
	CacheSize int
	Logger    *zap.Logger
	Hooks     TelemetryHooks
}

// HTTPService serves predictions from a Scorer it does not own; closing the
// service stops the batcher but leaves the model to its owner.
type HTTPService struct {
	scorer  Scorer
	cache   *CachedScorer
	batcher *Batcher
	metrics *Metrics

	formatter      Formatter
	predictTimeout time.Duration
	reqCounter     atomic.Uint64
	logger         *zap.Logger
	hooks          TelemetryHooks
}

func NewHTTPService(scorer Scorer, cfg HTTPServiceConfig) (*HTTPService, error) {
	if scorer == nil {
		return nil, errors.New("scorer must not be nil")
	}
	if err := cfg.Formatter.Validate(); err != nil {
		return nil, fmt.Errorf("invalid formatter: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hooks := cfg.Hooks
	if hooks == nil {
		hooks = NopTelemetryHooks{}
	}

	var cache *CachedScorer
	batchScorer := scorer
	if cfg.CacheSize > 0 {
		var err error
		cache, err = NewCachedScorer(scorer, cfg.CacheSize)
		if err != nil {
			return nil, err
		}
		batchScorer = cache
	}

	metrics := &Metrics{}
	batcher, err := NewBatcher(batchScorer, BatcherConfig{
		MaxBatchSize: cfg.MaxBatchSize,
		BatchWindow:  cfg.BatchWindow,
		QueueSize:    cfg.QueueSize,
		Logger:       logger,
		Hooks:        hooks,
		OnBatch:      metrics.RecordBatch,
	})
	if err != nil {
		return nil, err
	}
	batcher.Start()
	return &HTTPService{
		scorer:         scorer,
		cache:          cache,
		batcher:        batcher,
		metrics:        metrics,
		formatter:      cfg.Formatter,
		predictTimeout: cfg.PredictTimeout,
		logger:         logger,
		hooks:          hooks,
	}, nil
}

func (s *HTTPService) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/model", s.handleModel)
	mux.HandleFunc("/predict", s.handlePredict)
}

// ModelReloaded is registered with ModelWatcher.OnReload.
func (s *HTTPService) ModelReloaded(model *Model) {
	if s.cache != nil {
		s.cache.Purge()
	}
	s.metrics.RecordReload()
	s.logger.Info("http_model_swapped", zap.Int("tree_count", model.TreeCount()))
}

func (s *HTTPService) Close() error {
	s.batcher.Stop()
	return nil
}

func (s *HTTPService) Snapshot() MetricsSnapshot {
	snapshot := s.metrics.Snapshot()
	if s.cache != nil {
		snapshot.CacheHits, snapshot.CacheMisses = s.cache.Stats()
	}
	return snapshot
}

func (s *HTTPService) handleHealth(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		http.Error(writer, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	response := map[string]string{
		"status":  "ok",
		"backend": s.scorer.Name(),
	}
	writeJSON(writer, http.StatusOK, response)
}

func (s *HTTPService) handleMetrics(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		http.Error(writer, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writer.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = writer.Write([]byte(s.Snapshot().PrometheusText()))
}

func (s *HTTPService) handleModel(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		http.Error(writer, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(writer, http.StatusOK, s.scorer.Info())
}

func (s *HTTPService) handlePredict(writer http.ResponseWriter, request *http.Request) {
	start := time.Now()
	if request.Method != http.MethodPost {
		http.Error(writer, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body PredictRequest
	decoder := json.NewDecoder(request.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		http.Error(writer, fmt.Sprintf("invalid request payload: %v", err), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(body.RequestID) == "" {
		if reqID := requestIDFrom(request); reqID != "" {
			body.RequestID = reqID
		} else {
			body.RequestID = fmt.Sprintf("req-%d", s.reqCounter.Add(1))
		}
	}

	fail := func(statusCode int, err error) {
		s.hooks.OnPredictDone(request.Context(), body.RequestID, statusCode, time.Since(start), err)
		http.Error(writer, err.Error(), statusCode)
	}

	formatter := s.formatter
	if body.Threshold != nil {
		formatter = formatter.WithThreshold(*body.Threshold)
		if err := formatter.Validate(); err != nil {
			fail(http.StatusBadRequest, err)
			return
		}
	}
	if len(body.Records) == 0 {
		fail(http.StatusBadRequest, errors.New("request has no records"))
		return
	}
	if err := ValidateRecords(s.scorer.Info(), body.Records); err != nil {
		fail(http.StatusBadRequest, err)
		return
	}
	s.hooks.OnPredictStart(request.Context(), body.RequestID, len(body.Records))

	scores, predictErr := s.Predict(request.Context(), body.Records)
	if predictErr != nil {
		statusCode := statusForPredictError(predictErr)
		s.logger.Error(
			"predict_request_failed",
			zap.String("request_id", body.RequestID),
			zap.Int("status", statusCode),
			zap.Error(predictErr),
		)
		fail(statusCode, predictErr)
		return
	}

	predictions := formatter.FormatAll(scores)
	positive := 0
	for _, prediction := range predictions {
		if prediction.Positive {
			positive++
		}
	}
	s.metrics.RecordDecisions(len(predictions), positive)
	s.hooks.OnPredictDone(request.Context(), body.RequestID, http.StatusOK, time.Since(start), nil)
	writeJSON(writer, http.StatusOK, PredictResponse{
		RequestID:   body.RequestID,
		Backend:     s.scorer.Name(),
		Predictions: predictions,
		LatencyMS:   durationMillis(time.Since(start)),
	})
}

// Predict submits records to the batcher and returns their raw scores.
func (s *HTTPService) Predict(ctx context.Context, records []Record) ([]float64, error) {
	if s.predictTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.predictTimeout)
		defer cancel()
	}
	s.metrics.RecordRequestStart()
	start := time.Now()
	scores, err := s.batcher.Submit(ctx, records)
	s.metrics.RecordRequestDone(time.Since(start), err == nil)
	return scores, err
}

func statusForPredictError(err error) int {
	switch {
	case errors.Is(err, ErrShapeMismatch):
		return http.StatusBadRequest
	case errors.Is(err, ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	case errors.Is(err, ErrModelClosed),
		errors.Is(err, ErrBatcherStopped),
		errors.Is(err, ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrUnsupportedDimension):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrPrediction), errors.Is(err, ErrBackendProtocol):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(writer http.ResponseWriter, statusCode int, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(statusCode)
	_ = json.NewEncoder(writer).Encode(payload)
}
