package logger

import (
	"context"
	"log/slog"
	"slices"
)

type ctxKey string

const (
	loggerKey ctxKey = "logger"
	fieldsKey ctxKey = "fields"
)

// With stores a logger carrying fields in ctx; later From calls on the derived context see them.
func With(ctx context.Context, fields ...any) context.Context {
	l := From(ctx).With(fields...)
	ctx = context.WithValue(ctx, fieldsKey, slices.Concat(Fields(ctx), fields))
	return context.WithValue(ctx, loggerKey, l)
}

// From falls back to the process logger when ctx carries none.
func From(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return LoggerWrapper()
	}
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return LoggerWrapper()
}

// Fields returns the key/value pairs added with With, oldest first.
func Fields(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	fields, _ := ctx.Value(fieldsKey).([]any)
	return fields
}

// Enrich adds the fields carried by ctx to l, for components that were handed their own logger.
func Enrich(ctx context.Context, l *slog.Logger) *slog.Logger {
	if fields := Fields(ctx); len(fields) > 0 {
		return l.With(fields...)
	}
	return l
}
