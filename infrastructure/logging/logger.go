// Package logging provides structured logging with trace ID support.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// GroupKey is the context key for the acting group
	GroupKey ContextKey = "group"
	// ReactionKey is the context key for a reaction id
	ReactionKey ContextKey = "reaction"
	// JobKey is the context key for a job id
	JobKey ContextKey = "job"
	// ComponentKey is the context key for the component name
	ComponentKey ContextKey = "component"
)

// Logger wraps logrus.Logger with Thorium-specific fields.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a new Logger instance.
func New(component, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, component: component}
}

// NewFromEnv constructs a logger using LOG_LEVEL and LOG_FORMAT environment
// variables, matching thorium.tracing.local.level when set. Defaults to
// "info" and "json" when unset.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(component, level, format)
}

// WithContext creates a new logger entry carrying trace/group/reaction/job
// fields pulled from ctx, the way a request or job handler would.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)

	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	if group := ctx.Value(GroupKey); group != nil {
		entry = entry.WithField("group", group)
	}
	if reaction := ctx.Value(ReactionKey); reaction != nil {
		entry = entry.WithField("reaction", reaction)
	}
	if job := ctx.Value(JobKey); job != nil {
		entry = entry.WithField("job", job)
	}

	return entry
}

// WithFields creates a new logger entry with custom fields.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["component"] = l.component
	return l.Logger.WithFields(fields)
}

// WithError creates a new logger entry with an error field.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"component": l.component,
		"error":     err.Error(),
	})
}

// SetOutput sets the logger output.
func (l *Logger) SetOutput(output io.Writer) {
	l.Logger.SetOutput(output)
}

// Context helper functions

// NewTraceID generates a new trace ID.
func NewTraceID() string {
	return uuid.New().String()
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

func WithGroup(ctx context.Context, group string) context.Context {
	return context.WithValue(ctx, GroupKey, group)
}

func WithReaction(ctx context.Context, reactionID string) context.Context {
	return context.WithValue(ctx, ReactionKey, reactionID)
}

func WithJob(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, JobKey, jobID)
}

// Thorium-specific structured helpers

// LogCursorPage logs one internal page fetched by the cursor engine (§4.2).
func (l *Logger) LogCursorPage(ctx context.Context, cursorID string, group string, rows int, duration time.Duration) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"cursor":      cursorID,
		"page_group":  group,
		"rows":        rows,
		"duration_ms": duration.Milliseconds(),
	}).Debug("cursor page fetched")
}

// LogJobClaim logs a worker's claim attempt against the job queue (§4.8).
func (l *Logger) LogJobClaim(ctx context.Context, node, cluster string, claimed int) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"node":    node,
		"cluster": cluster,
		"claimed": claimed,
	}).Info("job claim")
}

// LogReactionTransition logs a reaction state machine transition (§4.7).
func (l *Logger) LogReactionTransition(ctx context.Context, reactionID, from, to string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"reaction": reactionID,
		"from":     from,
		"to":       to,
	}).Info("reaction transition")
}

// LogCensusRepair logs an opportunistic census counter correction (§4.1).
func (l *Logger) LogCensusRepair(ctx context.Context, key string, observed, recorded int64) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"census_key": key,
		"observed":   observed,
		"recorded":   recorded,
	}).Warn("census drift corrected")
}

// LogErrorWithStack logs an error with additional context.
func (l *Logger) LogErrorWithStack(ctx context.Context, err error, message string, fields map[string]interface{}) {
	logFields := logrus.Fields{"error": err.Error()}
	for k, v := range fields {
		logFields[k] = v
	}
	l.WithContext(ctx).WithFields(logFields).Error(message)
}

// Fatal logs a fatal error and exits.
func (l *Logger) Fatal(ctx context.Context, message string, err error) {
	l.WithContext(ctx).WithError(err).Fatal(message)
}

// Global logger instance (initialize-once with lazy construction; the
// metrics package keeps a similar process-wide collector).
var defaultLogger *Logger

// InitDefault initializes the default logger.
func InitDefault(component, level, format string) {
	defaultLogger = New(component, level, format)
}

// Default returns the default logger, constructing a fallback if unset.
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = New("thorium", "info", "json")
	}
	return defaultLogger
}

// FormatDuration renders a duration in milliseconds for log lines.
func FormatDuration(d time.Duration) string {
	return fmt.Sprintf("%.2fms", float64(d.Nanoseconds())/1e6)
}
