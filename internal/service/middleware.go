package service

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type contextKey string

// RequestIDKey holds the request ID set by RequestIDMiddleware.
const RequestIDKey contextKey = "request_id"

const requestIDHeader = "X-Request-ID"

// Chain wraps h so the first middleware runs outermost.
func Chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// RequestIDMiddleware reuses the caller's X-Request-ID or assigns a UUID.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, reqID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), RequestIDKey, reqID)))
	})
}

func requestIDFrom(r *http.Request) string {
	reqID, _ := r.Context().Value(RequestIDKey).(string)
	return reqID
}

// LoggingMiddleware emits one http_request event per request.
func LoggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)

			level := zap.InfoLevel
			if recorder.status >= http.StatusInternalServerError {
				level = zap.WarnLevel
			}
			logger.Log(level, "http_request",
				zap.String("request_id", requestIDFrom(r)),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", recorder.status),
				zap.Int("bytes", recorder.written),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// RecoveryMiddleware turns a handler panic into a 500.
func RecoveryMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if recovered := recover(); recovered != nil {
					logger.Error("http_panic_recovered",
						zap.String("request_id", requestIDFrom(r)),
						zap.String("panic", fmt.Sprint(recovered)),
						zap.ByteString("stack", debug.Stack()),
					)
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	n, err := s.ResponseWriter.Write(p)
	s.written += n
	return n, err
}
