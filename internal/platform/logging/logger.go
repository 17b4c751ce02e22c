// Package logging provides structured logging with correlation/job context.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys carried through request/event processing.
type ContextKey string

const (
	// CorrelationIDKey is the context key for the client-supplied correlation ID (L1).
	CorrelationIDKey ContextKey = "correlation_id"
	// TenantIDKey is the context key for the owning tenant.
	TenantIDKey ContextKey = "tenant_id"
	// JobIDKey is the context key for the job a log line concerns.
	JobIDKey ContextKey = "job_id"
	// TaskIDKey is the context key for the task a log line concerns.
	TaskIDKey ContextKey = "task_id"
	// ServiceKey is the context key for the emitting component.
	ServiceKey ContextKey = "service"
)

// Logger wraps logrus.Logger with Dalston-specific context propagation.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a new Logger instance.
func New(service, level, format string) *Logger {
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

	return &Logger{Logger: logger, service: service}
}

// NewFromEnv constructs a logger using LOG_LEVEL and LOG_FORMAT environment variables.
// Defaults to "info" and "json" when unset.
func NewFromEnv(service string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(service, level, format)
}

// WithContext builds a logrus entry pre-populated with whatever of
// correlation/tenant/job/task ID is present on ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)

	if v := ctx.Value(CorrelationIDKey); v != nil {
		entry = entry.WithField("correlation_id", v)
	}
	if v := ctx.Value(TenantIDKey); v != nil {
		entry = entry.WithField("tenant_id", v)
	}
	if v := ctx.Value(JobIDKey); v != nil {
		entry = entry.WithField("job_id", v)
	}
	if v := ctx.Value(TaskIDKey); v != nil {
		entry = entry.WithField("task_id", v)
	}
	return entry
}

// WithFields creates a new logger entry with custom fields.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["service"] = l.service
	return l.Logger.WithFields(fields)
}

// WithError creates a new logger entry with an error field.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"service": l.service,
		"error":   err.Error(),
	})
}

// NewCorrelationID generates a new correlation ID for a submit request.
func NewCorrelationID() string {
	return uuid.New().String()
}

// WithCorrelationID attaches a correlation ID to ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, id)
}

// WithTenantID attaches a tenant ID to ctx.
func WithTenantID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TenantIDKey, id)
}

// WithJobID attaches a job ID to ctx.
func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, JobIDKey, id)
}

// WithTaskID attaches a task ID to ctx.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TaskIDKey, id)
}

// LogTaskTransition logs a task state transition — the hottest log line in the
// scheduler, so it gets a dedicated helper rather than ad-hoc WithFields calls
// scattered across the codebase.
func (l *Logger) LogTaskTransition(ctx context.Context, stage, from, to string, attempt int) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"stage":   stage,
		"from":    from,
		"to":      to,
		"attempt": attempt,
	}).Info("task transition")
}

// LogJobTransition logs a job state transition.
func (l *Logger) LogJobTransition(ctx context.Context, from, to string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"from": from,
		"to":   to,
	}).Info("job transition")
}

// LogAudit records an append-only audit line (mirrors the audit_log table shape
// from §6.5 so operators can correlate structured logs with the durable audit trail).
func (l *Logger) LogAudit(ctx context.Context, actorType, actorID, action, resourceType, resourceID string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"audit":         true,
		"actor_type":    actorType,
		"actor_id":      actorID,
		"action":        action,
		"resource_type": resourceType,
		"resource_id":   resourceID,
	}).Info("audit")
}

var defaultLogger *Logger

// InitDefault initializes the package-level default logger.
func InitDefault(service, level, format string) {
	defaultLogger = New(service, level, format)
}

// Default returns the default logger, lazily creating a fallback if unset.
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = New("unknown", "info", "json")
	}
	return defaultLogger
}
