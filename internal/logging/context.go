package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type (
	instanceCtxKey struct{}
	cycleCtxKey    struct{}
	patternCtxKey  struct{}
	loggerCtxKey   struct{}
)

// ContextFields extracts correlation fields from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 5)

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := InstanceIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("instance_id", id))
	}
	if id := CycleIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("cycle_id", id))
	}
	if id := PatternIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("pattern_id", id))
	}
	return fields
}

// WithInstanceID tags ctx with the local store instance id.
func WithInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, instanceCtxKey{}, id)
}

// InstanceIDFromContext returns the instance id, or "".
func InstanceIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(instanceCtxKey{}).(string)
	return s
}

// WithCycleID tags ctx with a sync cycle id.
func WithCycleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, cycleCtxKey{}, id)
}

// CycleIDFromContext returns the sync cycle id, or "".
func CycleIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(cycleCtxKey{}).(string)
	return s
}

// WithPatternID tags ctx with the pattern being processed.
func WithPatternID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, patternCtxKey{}, id)
}

// PatternIDFromContext returns the pattern id, or "".
func PatternIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(patternCtxKey{}).(string)
	return s
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the logger stored in ctx, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok && l != nil {
		return l
	}
	return NewNop()
}
