// Package debug records a JSON trace of each evaluated condition: the search
// request and response, extraction misses and errors.
package debug

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http/httptrace"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

const debugSchemaVersion = 2

// Status values of a condition log.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

const (
	requestPreviewLimit  = 500
	responsePreviewLimit = 1000
)

// sensitiveHeaders are replaced with a placeholder before being recorded.
var sensitiveHeaders = map[string]struct{}{
	"authorization": {},
	"x-api-key":     {},
	"cookie":        {},
}

// TimingBreakdown captures detailed HTTP timing using httptrace
type TimingBreakdown struct {
	DNSLookup       time.Duration `json:"dns_lookup"`
	TCPConnection   time.Duration `json:"tcp_connection"`
	TLSHandshake    time.Duration `json:"tls_handshake"`
	TimeToFirstByte time.Duration `json:"time_to_first_byte"`
	TotalDuration   time.Duration `json:"total_duration"`
}

// Logger handles debug logging for one evaluation run
type Logger struct {
	mu          sync.RWMutex
	enabled     bool
	fullCapture bool
	session     *Session
	outputPath  string
	nextID      int
}

// Session represents the entire debug session
type Session struct {
	SchemaVersion int                    `json:"schema_version"`
	StartTime     time.Time              `json:"start_time"`
	EndTime       *time.Time             `json:"end_time,omitempty"`
	SystemInfo    map[string]interface{} `json:"system_info"`
	Conditions    []*ConditionLog        `json:"-"`
}

// RunLog is the serialized form of all condition logs of a session.
type RunLog struct {
	SchemaVersion int             `json:"schema_version"`
	Conditions    []*ConditionLog `json:"conditions"`
}

// ConditionLog contains debug data for a single condition
type ConditionLog struct {
	ID          string                 `json:"id"`
	ConditionID int                    `json:"condition_id"`
	Status      string                 `json:"status"`
	StartTime   time.Time              `json:"start_time"`
	EndTime     *time.Time             `json:"end_time,omitempty"`
	Duration    time.Duration          `json:"duration"`
	Requests    []RequestLog           `json:"requests"`
	Response    *ResponseLog           `json:"response,omitempty"`
	Misses      []string               `json:"extraction_misses,omitempty"`
	Errors      []ErrorLog             `json:"errors"`
	Metadata    map[string]interface{} `json:"metadata"`

	timing *TimingBreakdown
}

// RequestLog captures HTTP request details
type RequestLog struct {
	Timestamp   time.Time         `json:"timestamp"`
	Method      string            `json:"method"`
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers,omitempty"`
	BodyPreview string            `json:"body_preview,omitempty"`
	BodyFull    string            `json:"body_full,omitempty"`
}

// ResponseLog captures HTTP response details
type ResponseLog struct {
	Timestamp   time.Time         `json:"timestamp"`
	StatusCode  int               `json:"status_code"`
	Headers     map[string]string `json:"headers,omitempty"`
	BodyPreview string            `json:"body_preview,omitempty"`
	BodyFull    string            `json:"body_full,omitempty"`
	BodySize    int               `json:"body_size"`
	Duration    time.Duration     `json:"duration"`
	Timing      *TimingBreakdown  `json:"timing,omitempty"`
}

// ErrorLog captures error details with context
type ErrorLog struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Category  string    `json:"category,omitempty"`
	Context   string    `json:"context,omitempty"`
}

// NewLogger creates a new debug logger
// enabled: enables basic debug logging
// fullCapture: when true, captures complete request/response bodies (requires enabled=true)
// outputDir: base output directory for debug files
func NewLogger(enabled bool, fullCapture bool, outputDir string) *Logger {
	now := time.Now()
	logger := &Logger{
		enabled:     enabled,
		fullCapture: fullCapture,
		session: &Session{
			SchemaVersion: debugSchemaVersion,
			StartTime:     now,
			SystemInfo: map[string]interface{}{
				"go_version":   runtime.Version(),
				"timestamp":    now.Format(time.RFC3339),
				"full_capture": fullCapture,
			},
		},
	}

	if enabled {
		logger.outputPath = filepath.Join(outputDir, "debug")
	}

	return logger
}

// IsEnabled returns whether debug logging is enabled
func (l *Logger) IsEnabled() bool {
	return l != nil && l.enabled
}

// IsFullCapture returns whether full body capture is enabled
func (l *Logger) IsFullCapture() bool {
	return l.IsEnabled() && l.fullCapture
}

// StartCondition begins logging a new condition
func (l *Logger) StartCondition(conditionID int) *ConditionLog {
	if !l.IsEnabled() {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	entry := &ConditionLog{
		ID:          fmt.Sprintf("cond-%d-%04d", conditionID, l.nextID),
		ConditionID: conditionID,
		Status:      StatusRunning,
		StartTime:   time.Now(),
		Requests:    []RequestLog{},
		Errors:      []ErrorLog{},
		Metadata:    make(map[string]interface{}),
	}
	l.session.Conditions = append(l.session.Conditions, entry)
	return entry
}

// NewTraceContext returns an httptrace.ClientTrace that fills a
// TimingBreakdown for the condition, plus a finalize function.
func (l *Logger) NewTraceContext(entry *ConditionLog) (*httptrace.ClientTrace, *TimingBreakdown, func()) {
	if !l.IsEnabled() || entry == nil {
		return nil, nil, func() {}
	}

	timing := &TimingBreakdown{}
	var dnsStart, tcpStart, tlsStart, firstByteTime time.Time
	start := time.Now()

	trace := &httptrace.ClientTrace{
		DNSStart: func(_ httptrace.DNSStartInfo) {
			dnsStart = time.Now()
		},
		DNSDone: func(_ httptrace.DNSDoneInfo) {
			timing.DNSLookup = time.Since(dnsStart)
		},
		ConnectStart: func(_, _ string) {
			tcpStart = time.Now()
		},
		ConnectDone: func(_, _ string, _ error) {
			timing.TCPConnection = time.Since(tcpStart)
		},
		TLSHandshakeStart: func() {
			tlsStart = time.Now()
		},
		TLSHandshakeDone: func(_ tls.ConnectionState, _ error) {
			timing.TLSHandshake = time.Since(tlsStart)
		},
		GotFirstResponseByte: func() {
			firstByteTime = time.Now()
		},
	}

	finalize := func() {
		if !firstByteTime.IsZero() {
			timing.TimeToFirstByte = firstByteTime.Sub(start)
		}
	}

	l.mu.Lock()
	entry.timing = timing
	l.mu.Unlock()

	return trace, timing, finalize
}

// LogRequest logs an HTTP request
func (l *Logger) LogRequest(entry *ConditionLog, method, url string, headers map[string]string, body string) {
	if !l.IsEnabled() || entry == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	reqLog := RequestLog{
		Timestamp:   time.Now(),
		Method:      method,
		URL:         url,
		Headers:     redactHeaders(headers),
		BodyPreview: truncateString(body, requestPreviewLimit),
	}
	if l.fullCapture {
		reqLog.BodyFull = body
	}

	entry.Requests = append(entry.Requests, reqLog)
}

// LogResponse logs an HTTP response. A timing breakdown registered through
// NewTraceContext is attached and its total set to duration.
func (l *Logger) LogResponse(entry *ConditionLog, statusCode int, headers map[string]string, body string, bodySize int, duration time.Duration) {
	if !l.IsEnabled() || entry == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry.Response = &ResponseLog{
		Timestamp:   time.Now(),
		StatusCode:  statusCode,
		Headers:     redactHeaders(headers),
		BodyPreview: truncateString(body, responsePreviewLimit),
		BodySize:    bodySize,
		Duration:    duration,
		Timing:      entry.timing,
	}
	if entry.timing != nil {
		entry.timing.TotalDuration = duration
	}
	if l.fullCapture {
		entry.Response.BodyFull = body
	}
}

// LogMiss records a document from which no identifier could be extracted.
func (l *Logger) LogMiss(entry *ConditionLog, docPreview string) {
	if !l.IsEnabled() || entry == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry.Misses = append(entry.Misses, truncateString(docPreview, 200))
}

// LogError logs an error with context
func (l *Logger) LogError(entry *ConditionLog, message, category, context string) {
	if !l.IsEnabled() || entry == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry.Errors = append(entry.Errors, ErrorLog{
		Timestamp: time.Now(),
		Message:   message,
		Category:  category,
		Context:   context,
	})
}

// SetMetadata adds metadata to a condition log
func (l *Logger) SetMetadata(entry *ConditionLog, key string, value interface{}) {
	if !l.IsEnabled() || entry == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry.Metadata[key] = value
}

// SetStatus sets the terminal status of a condition log
func (l *Logger) SetStatus(entry *ConditionLog, status string) {
	if !l.IsEnabled() || entry == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry.Status = status
}

// EndCondition marks a condition as complete. A running status becomes completed.
func (l *Logger) EndCondition(entry *ConditionLog) {
	if !l.IsEnabled() || entry == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	entry.EndTime = &now
	entry.Duration = now.Sub(entry.StartTime)
	if entry.Status == StatusRunning || entry.Status == "" {
		entry.Status = StatusCompleted
	}
}

// Finalize completes the debug session and writes session.json and conditions.json
func (l *Logger) Finalize() error {
	if !l.IsEnabled() {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.session.EndTime = &now

	if err := os.MkdirAll(l.outputPath, 0750); err != nil {
		return fmt.Errorf("failed to create debug output directory: %w", err)
	}

	failed := 0
	for _, c := range l.session.Conditions {
		if c.Status == StatusFailed {
			failed++
		}
	}
	sessionData := map[string]interface{}{
		"schema_version":    l.session.SchemaVersion,
		"start_time":        l.session.StartTime,
		"end_time":          l.session.EndTime,
		"system_info":       l.session.SystemInfo,
		"condition_count":   len(l.session.Conditions),
		"failed_conditions": failed,
	}
	if err := writeJSON(l.SessionPath(), sessionData); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}

	runLog := RunLog{SchemaVersion: l.session.SchemaVersion, Conditions: l.session.Conditions}
	if err := writeJSON(l.ConditionsPath(), runLog); err != nil {
		return fmt.Errorf("failed to write conditions file: %w", err)
	}

	return nil
}

// OutputPath returns the directory debug data is written to
func (l *Logger) OutputPath() string {
	return l.outputPath
}

// SessionPath returns the path to the session.json file
func (l *Logger) SessionPath() string {
	if !l.IsEnabled() {
		return ""
	}
	return filepath.Join(l.outputPath, "session.json")
}

// ConditionsPath returns the path to the per-condition log file
func (l *Logger) ConditionsPath() string {
	if !l.IsEnabled() {
		return ""
	}
	return filepath.Join(l.outputPath, "conditions.json")
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func redactHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if _, ok := sensitiveHeaders[strings.ToLower(k)]; ok {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = v
	}
	return out
}

// truncateString limits a string to maxLen runes with ellipsis
func truncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
