package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	executionIDKey ctxKey = iota
	nodeIDKey
	workflowIDKey
)

// WithExecutionID returns a context with the execution ID set.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

// WithNodeID returns a context with the node ID set.
func WithNodeID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, nodeIDKey, id)
}

// WithWorkflowID returns a context with the workflow ID set.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workflowIDKey, id)
}

// ExecutionID extracts the execution ID from the context, or "" if absent.
func ExecutionID(ctx context.Context) string {
	v, _ := ctx.Value(executionIDKey).(string)
	return v
}

// NodeID extracts the node ID from the context, or "" if absent.
func NodeID(ctx context.Context) string {
	v, _ := ctx.Value(nodeIDKey).(string)
	return v
}

// WorkflowID extracts the workflow ID from the context, or "" if absent.
func WorkflowID(ctx context.Context) string {
	v, _ := ctx.Value(workflowIDKey).(string)
	return v
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record. Use with
// slog.New(NewCorrelationHandler(inner)) so callers can use
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
	if v := WorkflowID(ctx); v != "" {
		r.AddAttrs(slog.String("workflow_id", v))
	}
	if v := ExecutionID(ctx); v != "" {
		r.AddAttrs(slog.String("execution_id", v))
	}
	if v := NodeID(ctx); v != "" {
		r.AddAttrs(slog.String("node_id", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
