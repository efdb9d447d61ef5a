package logger

import (
	"context"
	"os"
	"strings"

	"llm-tunnel/internal/domain"

	"github.com/sirupsen/logrus"
)

// StructuredLogger implements domain.Logger on top of logrus.
type StructuredLogger struct {
	logger *logrus.Logger
	fields logrus.Fields
}

// contextKey scopes the values this package reads back out of a context.
type contextKey string

const (
	RequestIDKey contextKey = "request_id"
	AddressKey   contextKey = "address"
	UserIDKey    contextKey = "user_id"
	SessionIDKey contextKey = "session_id"
)

// NewLogger builds a structured logger with the given level and output
// format ("json" or "text").
func NewLogger(level, format string) domain.Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	switch strings.ToLower(format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	default:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &StructuredLogger{
		logger: logger,
		fields: make(logrus.Fields),
	}
}

func (l *StructuredLogger) Debug(msg string, fields map[string]interface{}) {
	l.logWithFields(logrus.DebugLevel, msg, fields)
}

func (l *StructuredLogger) Info(msg string, fields map[string]interface{}) {
	l.logWithFields(logrus.InfoLevel, msg, fields)
}

func (l *StructuredLogger) Warn(msg string, fields map[string]interface{}) {
	l.logWithFields(logrus.WarnLevel, msg, fields)
}

func (l *StructuredLogger) Error(msg string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.logWithFields(logrus.ErrorLevel, msg, fields)
}

// WithContext returns a logger carrying the request-scoped fields found in
// ctx (request id, client address, user id, session id).
func (l *StructuredLogger) WithContext(ctx context.Context) domain.Logger {
	contextFields := extractContextFields(ctx)

	mergedFields := make(logrus.Fields)
	for k, v := range l.fields {
		mergedFields[k] = v
	}
	for k, v := range contextFields {
		mergedFields[k] = v
	}

	return &StructuredLogger{
		logger: l.logger,
		fields: mergedFields,
	}
}

func (l *StructuredLogger) logWithFields(level logrus.Level, msg string, fields map[string]interface{}) {
	allFields := make(logrus.Fields)

	for k, v := range l.fields {
		allFields[k] = v
	}
	if fields != nil {
		for k, v := range fields {
			allFields[k] = v
		}
	}

	allFields["component"] = "llm_tunnel"

	l.logger.WithFields(allFields).Log(level, msg)
}

func extractContextFields(ctx context.Context) logrus.Fields {
	fields := make(logrus.Fields)

	if ctx == nil {
		return fields
	}

	if requestID := ctx.Value(RequestIDKey); requestID != nil {
		fields["request_id"] = requestID
	}
	if address := ctx.Value(AddressKey); address != nil {
		fields["address"] = address
	}
	if userID := ctx.Value(UserIDKey); userID != nil {
		fields["user_id"] = userID
	}
	if sessionID := ctx.Value(SessionIDKey); sessionID != nil {
		fields["session_id"] = sessionID
	}

	return fields
}

// ContextWithRequestInfo attaches request-scoped identifiers to ctx so
// WithContext can surface them on every log line.
func ContextWithRequestInfo(ctx context.Context, requestID, address, userID string) context.Context {
	ctx = context.WithValue(ctx, RequestIDKey, requestID)
	ctx = context.WithValue(ctx, AddressKey, address)
	if userID != "" {
		ctx = context.WithValue(ctx, UserIDKey, userID)
	}
	return ctx
}

// GetRequestID extracts the request id from ctx, if present.
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if requestID := ctx.Value(RequestIDKey); requestID != nil {
		if id, ok := requestID.(string); ok {
			return id
		}
	}
	return ""
}
