package search

import (
	"context"
	"net/http/httptrace"
	"time"

	"github.com/lamim/retrieval-eval/internal/debug"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey int

const (
	debugLoggerKey contextKey = iota
	conditionLogKey
)

// WithDebugLogger returns a context with the debug logger attached
func WithDebugLogger(ctx context.Context, logger *debug.Logger) context.Context {
	return context.WithValue(ctx, debugLoggerKey, logger)
}

// DebugLoggerFromContext retrieves the debug logger from context
func DebugLoggerFromContext(ctx context.Context) *debug.Logger {
	if logger, ok := ctx.Value(debugLoggerKey).(*debug.Logger); ok {
		return logger
	}
	return nil
}

// WithConditionLog returns a context with the current condition log attached
func WithConditionLog(ctx context.Context, entry *debug.ConditionLog) context.Context {
	return context.WithValue(ctx, conditionLogKey, entry)
}

// ConditionLogFromContext retrieves the condition log from context
func ConditionLogFromContext(ctx context.Context) *debug.ConditionLog {
	if entry, ok := ctx.Value(conditionLogKey).(*debug.ConditionLog); ok {
		return entry
	}
	return nil
}

func fromContext(ctx context.Context) (*debug.Logger, *debug.ConditionLog) {
	logger := DebugLoggerFromContext(ctx)
	entry := ConditionLogFromContext(ctx)
	if !logger.IsEnabled() || entry == nil {
		return nil, nil
	}
	return logger, entry
}

// LogRequest logs an HTTP request via the debug logger if available in context.
func LogRequest(ctx context.Context, method, url string, headers map[string]string, body string) {
	if logger, entry := fromContext(ctx); logger != nil {
		logger.LogRequest(entry, method, url, headers, body)
	}
}

// LogResponse logs an HTTP response via the debug logger if available in context.
func LogResponse(ctx context.Context, statusCode int, headers map[string]string, body string, bodySize int, duration time.Duration) {
	if logger, entry := fromContext(ctx); logger != nil {
		logger.LogResponse(entry, statusCode, headers, body, bodySize, duration)
	}
}

// NewTraceContext returns a client trace for timing breakdown when debug
// logging is active, and a finalize function that is always safe to call.
func NewTraceContext(ctx context.Context) (*httptrace.ClientTrace, *debug.TimingBreakdown, func()) {
	logger, entry := fromContext(ctx)
	if logger == nil {
		return nil, nil, func() {}
	}
	return logger.NewTraceContext(entry)
}

// HeadersToMap converts http.Header to a map for logging.
func HeadersToMap(headers map[string][]string) map[string]string {
	if headers == nil {
		return nil
	}
	result := make(map[string]string, len(headers))
	for k, v := range headers {
		if len(v) > 0 {
			result[k] = v[0]
		}
	}
	return result
}
