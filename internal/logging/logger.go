// Package logging provides structured logging with trace ID propagation
// for the rule engine's job orchestration substrate.
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

// ContextKey is the type for context keys carried through request/job processing.
type ContextKey string

const (
	TraceIDKey  ContextKey = "trace_id"
	CustomerKey ContextKey = "customer_id"
	TenantKey   ContextKey = "tenant"
	JobIDKey    ContextKey = "job_id"
)

// Logger wraps logrus.Logger with rule-engine specific context fields.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a new Logger instance for the given component.
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

// NewFromEnv builds a logger using LOG_LEVEL/LOG_FORMAT, defaulting to
// info/json. Used for the main service logger.
func NewFromEnv(component string) *Logger {
	return New(component, envOr("LOG_LEVEL", "info"), envOr("LOG_FORMAT", "json"))
}

// NewExecutorLogger builds the dedicated logger for the scan worker
// runtime, using the executor-specific env vars from spec §6.
func NewExecutorLogger() *Logger {
	l := New("scan-worker", envOr("EXECUTOR_LOG_LEVEL", "info"), "json")
	if filename := strings.TrimSpace(os.Getenv("EXECUTOR_LOGS_FILENAME")); filename != "" {
		if f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			l.SetOutput(f)
		}
	}
	return l
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// WithContext creates a logger entry populated from context values.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)
	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	if customer := ctx.Value(CustomerKey); customer != nil {
		entry = entry.WithField("customer_id", customer)
	}
	if tenant := ctx.Value(TenantKey); tenant != nil {
		entry = entry.WithField("tenant", tenant)
	}
	if jobID := ctx.Value(JobIDKey); jobID != nil {
		entry = entry.WithField("job_id", jobID)
	}
	return entry
}

// WithFields creates a logger entry with custom fields.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["component"] = l.component
	return l.Logger.WithFields(fields)
}

// SetOutput redirects the underlying logger output.
func (l *Logger) SetOutput(output io.Writer) {
	l.Logger.SetOutput(output)
}

// Context helpers

func NewTraceID() string {
	return uuid.New().String()
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey).(string); ok {
		return v
	}
	return ""
}

func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, JobIDKey, jobID)
}

func WithTenant(ctx context.Context, customerID, tenant string) context.Context {
	ctx = context.WithValue(ctx, CustomerKey, customerID)
	return context.WithValue(ctx, TenantKey, tenant)
}

// Domain-specific structured log helpers

// LogJobTransition records a Job Coordinator state-machine transition.
func (l *Logger) LogJobTransition(ctx context.Context, jobID, from, to string, errKind string) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"job_id": jobID,
		"from":   from,
		"to":     to,
	})
	if errKind != "" {
		entry = entry.WithField("error_kind", errKind)
	}
	entry.Info("job transition")
}

// LogAudit logs a secret-broker or license-manager audit event. Callers
// must ensure fields never carry raw secret bytes.
func (l *Logger) LogAudit(ctx context.Context, action, resource, result string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"action":   action,
		"resource": resource,
		"result":   result,
		"audit":    true,
	}).Info("audit event")
}

// LogError logs an error with context fields, classified by kind.
func (l *Logger) LogError(ctx context.Context, message string, err error, kind string) {
	entry := l.WithContext(ctx)
	if err != nil {
		entry = entry.WithField("error", err.Error())
	}
	if kind != "" {
		entry = entry.WithField("error_kind", kind)
	}
	entry.Error(message)
}

// FormatDuration renders a duration in milliseconds for log fields.
func FormatDuration(d time.Duration) string {
	return fmt.Sprintf("%.2fms", float64(d.Nanoseconds())/1e6)
}
