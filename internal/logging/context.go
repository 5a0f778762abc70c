package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	instanceIDKey ctxKey = iota
	stepIDKey
	taskIDKey
	actorIDKey
	originKey
)

// WithInstanceID returns a context with the workflow instance ID set.
func WithInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, instanceIDKey, id)
}

// WithStepID returns a context with the step ID set.
func WithStepID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, stepIDKey, id)
}

// WithTaskID returns a context with the approval task ID set.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDKey, id)
}

// WithActorID returns a context with the acting user ID set.
func WithActorID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, actorIDKey, id)
}

// WithOrigin returns a context with the actor's network origin set.
// Document-service callers populate this from the inbound request.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey, origin)
}

// InstanceID extracts the instance ID from the context, or "" if absent.
func InstanceID(ctx context.Context) string {
	v, _ := ctx.Value(instanceIDKey).(string)
	return v
}

// StepID extracts the step ID from the context, or "" if absent.
func StepID(ctx context.Context) string {
	v, _ := ctx.Value(stepIDKey).(string)
	return v
}

// TaskID extracts the task ID from the context, or "" if absent.
func TaskID(ctx context.Context) string {
	v, _ := ctx.Value(taskIDKey).(string)
	return v
}

// ActorID extracts the actor ID from the context, or "" if absent.
func ActorID(ctx context.Context) string {
	v, _ := ctx.Value(actorIDKey).(string)
	return v
}

// Origin extracts the network origin from the context, or "" if absent.
func Origin(ctx context.Context) string {
	v, _ := ctx.Value(originKey).(string)
	return v
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id := InstanceID(ctx); id != "" {
		logger = logger.With(slog.String("instance_id", id))
	}
	if id := StepID(ctx); id != "" {
		logger = logger.With(slog.String("step_id", id))
	}
	if id := TaskID(ctx); id != "" {
		logger = logger.With(slog.String("task_id", id))
	}
	if id := ActorID(ctx); id != "" {
		logger = logger.With(slog.String("actor_id", id))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := InstanceID(ctx); v != "" {
		r.AddAttrs(slog.String("instance_id", v))
	}
	if v := StepID(ctx); v != "" {
		r.AddAttrs(slog.String("step_id", v))
	}
	if v := TaskID(ctx); v != "" {
		r.AddAttrs(slog.String("task_id", v))
	}
	if v := ActorID(ctx); v != "" {
		r.AddAttrs(slog.String("actor_id", v))
	}
	if v := Origin(ctx); v != "" {
		r.AddAttrs(slog.String("origin", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
