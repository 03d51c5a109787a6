package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across VIGIL.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldFrameID  = "frame_id"
	FieldSourceID = "source_id"
	FieldTraceID  = "trace_id"

	// Components
	FieldComponent = "component"
	FieldStage     = "stage"
	FieldModel     = "model"
	FieldWorker    = "worker"

	// Operations
	FieldOperation = "operation"
	FieldAttempt   = "attempt"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldStartTime  = "start_time"
	FieldEndTime    = "end_time"

	// Errors
	FieldError     = "error"
	FieldErrorType = "error_type"

	// Counts and sizes
	FieldCount      = "count"
	FieldSize       = "size"
	FieldBatchSize  = "batch_size"
	FieldQueueSize  = "queue_size"
	FieldDetections = "detections"
	FieldFrames     = "frames"

	// Status
	FieldStatus  = "status"
	FieldHealthy = "healthy"
	FieldState   = "state"

	// Files and paths
	FieldFile = "file"
	FieldPath = "path"
)

// Context keys for propagating logging context
type contextKey string

const (
	frameIDKey   contextKey = "logger_frame_id"
	sourceIDKey  contextKey = "logger_source_id"
	traceIDKey   contextKey = "logger_trace_id"
	componentKey contextKey = "logger_component"
)

// WithFrameID adds a frame ID to the context for logging
func WithFrameID(ctx context.Context, frameID string) context.Context {
	return context.WithValue(ctx, frameIDKey, frameID)
}

// WithSourceID adds a source ID to the context for logging
func WithSourceID(ctx context.Context, sourceID string) context.Context {
	return context.WithValue(ctx, sourceIDKey, sourceID)
}

// WithTraceID adds a trace ID to the context for logging
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if frameID, ok := ctx.Value(frameIDKey).(string); ok && frameID != "" {
		fields = append(fields, FieldFrameID, frameID)
	}
	if sourceID, ok := ctx.Value(sourceIDKey).(string); ok && sourceID != "" {
		fields = append(fields, FieldSourceID, sourceID)
	}
	if traceID, ok := ctx.Value(traceIDKey).(string); ok && traceID != "" {
		fields = append(fields, FieldTraceID, traceID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// LoggerFromContext returns a logger with fields extracted from context.
// Use this to get a logger that automatically includes frame_id, source_id, etc.
func LoggerFromContext(ctx context.Context) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return Logger
	}
	return Logger.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	type Engine struct {
//	    logger *zap.SugaredLogger
//	}
//
//	func New() *Engine {
//	    return &Engine{
//	        logger: logger.ComponentLogger("engine"),
//	    }
//	}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// ChildLogger creates a child logger with additional context.
// Use for sub-operations that need extra context fields.
//
// Example:
//
//	frameLogger := logger.ChildLogger(baseLogger, "frame_id", frame.ID)
func ChildLogger(parent *zap.SugaredLogger, keysAndValues ...interface{}) *zap.SugaredLogger {
	return parent.With(keysAndValues...)
}
