// Package logging writes one JSON object per line, stamped with the service
// name, the active trace and whichever agentgate entity the line is about.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"
)

type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

var severity = map[LogLevel]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
	LevelFatal: 4,
}

// ParseLevel maps a level name to a LogLevel, falling back to info.
func ParseLevel(s string) LogLevel {
	l := LogLevel(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := severity[l]; ok {
		return l
	}
	return LevelInfo
}

// LogEntry is one line under construction. The typed fields are the ids
// operators grep for; everything else goes in Fields.
type LogEntry struct {
	Time           time.Time      `json:"time"`
	Level          LogLevel       `json:"level"`
	Message        string         `json:"msg"`
	Service        string         `json:"service,omitempty"`
	TraceID        string         `json:"trace_id,omitempty"`
	SpanID         string         `json:"span_id,omitempty"`
	Agent          string         `json:"agent,omitempty"`
	Event          string         `json:"event,omitempty"`
	SubscriptionID string         `json:"subscription_id,omitempty"`
	JobID          string         `json:"job_id,omitempty"`
	Fields         map[string]any `json:"fields,omitempty"`

	logger *Logger
}

// sink serializes writes from concurrent entries onto one writer.
type sink struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *sink) write(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.w.Write(append(b, '\n'))
}

type Logger struct {
	service string
	min     LogLevel
	out     *sink
}

type Option func(*Logger)

// WithOutput directs log lines to w instead of stdout.
func WithOutput(w io.Writer) Option {
	return func(l *Logger) { l.out = &sink{w: w} }
}

// WithLevel drops entries below min.
func WithLevel(min LogLevel) Option {
	return func(l *Logger) { l.min = min }
}

// New returns a logger for service. The threshold defaults to
// AGENTGATE_LOG_LEVEL, or info when that is unset.
func New(service string, opts ...Option) *Logger {
	l := &Logger{
		service: service,
		min:     ParseLevel(os.Getenv("AGENTGATE_LOG_LEVEL")),
		out:     &sink{w: os.Stdout},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func Nop() *Logger {
	return New("", WithOutput(io.Discard), WithLevel(LevelFatal))
}

func (l *Logger) Service() string {
	return l.service
}

// WithContext starts an entry carrying the trace and span ids found in ctx.
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	e := l.Plain()
	if sc := oteltrace.SpanContextFromContext(ctx); sc.IsValid() {
		e.TraceID = sc.TraceID().String()
		e.SpanID = sc.SpanID().String()
	}
	return e
}

func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.Plain().WithFields(fields)
}

// Plain starts an entry with no trace correlation.
func (l *Logger) Plain() *LogEntry {
	return &LogEntry{
		Time:    time.Now().UTC(),
		Service: l.service,
		logger:  l,
	}
}

func (e *LogEntry) WithAgent(handle string) *LogEntry {
	e.Agent = handle
	return e
}

func (e *LogEntry) WithEvent(eventType string) *LogEntry {
	e.Event = eventType
	return e
}

func (e *LogEntry) WithSubscription(id string) *LogEntry {
	e.SubscriptionID = id
	return e
}

func (e *LogEntry) WithJob(id string) *LogEntry {
	e.JobID = id
	return e
}

func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	for k, v := range fields {
		e.WithField(k, v)
	}
	return e
}

// WithError records err under fields.error. A nil err is ignored.
func (e *LogEntry) WithError(err error) *LogEntry {
	if err == nil {
		return e
	}
	return e.WithField("error", err.Error())
}

func (e *LogEntry) Debug(message string) { e.emit(LevelDebug, message) }
func (e *LogEntry) Info(message string)  { e.emit(LevelInfo, message) }
func (e *LogEntry) Warn(message string)  { e.emit(LevelWarn, message) }
func (e *LogEntry) Error(message string) { e.emit(LevelError, message) }

func (e *LogEntry) Infof(format string, args ...any) {
	e.emit(LevelInfo, fmt.Sprintf(format, args...))
}

func (e *LogEntry) Warnf(format string, args ...any) {
	e.emit(LevelWarn, fmt.Sprintf(format, args...))
}

func (e *LogEntry) Errorf(format string, args ...any) {
	e.emit(LevelError, fmt.Sprintf(format, args...))
}

// Fatal logs and exits the process with status 1.
func (e *LogEntry) Fatal(message string) {
	e.emit(LevelFatal, message)
	os.Exit(1)
}

func (e *LogEntry) emit(level LogLevel, message string) {
	if severity[level] < severity[e.logger.min] {
		return
	}
	e.Level = level
	e.Message = message

	data, err := json.Marshal(e)
	if err != nil {
		// A field value that cannot be encoded still gets a readable line.
		data = []byte(fmt.Sprintf(`{"time":%q,"level":%q,"msg":%q,"service":%q,"log_error":%q}`,
			e.Time.Format(time.RFC3339Nano), level, message, e.Service, err.Error()))
	}
	e.logger.out.write(data)
}
