package logging

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	// ServiceKey routes records to the owning carrier service.
	ServiceKey contextKey = "servicio"
	// BatchCounterKey is the ServiceLoop's wrapping iteration counter.
	BatchCounterKey contextKey = "contador"
	// MessageIDKey is the id of the message a worker is handling.
	MessageIDKey contextKey = "id_mensaje"
	// BatchIDKey correlates every record of one dispatched batch.
	BatchIDKey contextKey = "id_lote"
	// SessionNameKey names the SMPP session a record belongs to.
	SessionNameKey contextKey = "sesion"
)

// ContextHandler wraps another slog.Handler and adds attributes from context.
type ContextHandler struct {
	slog.Handler
}

// NewContextHandler creates a handler that extracts values from context.
func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: h}
}

// Handle adds context attributes before calling the wrapped handler.
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if svc, ok := ctx.Value(ServiceKey).(string); ok {
		r.AddAttrs(slog.String(string(ServiceKey), svc))
	}
	if count, ok := ctx.Value(BatchCounterKey).(int); ok {
		r.AddAttrs(slog.Int(string(BatchCounterKey), count))
	}
	if msgID, ok := ctx.Value(MessageIDKey).(string); ok {
		r.AddAttrs(slog.String(string(MessageIDKey), msgID))
	}
	if batchID, ok := ctx.Value(BatchIDKey).(string); ok {
		r.AddAttrs(slog.String(string(BatchIDKey), batchID))
	}
	if name, ok := ctx.Value(SessionNameKey).(string); ok {
		r.AddAttrs(slog.String(string(SessionNameKey), name))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// Helper functions to add values to context. Every task dispatched from the
// worker pool re-establishes its context through these, so downstream log
// routing by service key works inside workers too.

func ContextWithService(ctx context.Context, service string) context.Context {
	return context.WithValue(ctx, ServiceKey, service)
}

func ContextWithBatchCounter(ctx context.Context, count int) context.Context {
	return context.WithValue(ctx, BatchCounterKey, count)
}

func ContextWithMessageID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, MessageIDKey, id)
}

func ContextWithBatchID(ctx context.Context, batchID string) context.Context {
	return context.WithValue(ctx, BatchIDKey, batchID)
}

func ContextWithSessionName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, SessionNameKey, name)
}
