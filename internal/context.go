package internal

import (
	"context"
	"time"
)

type ctxKey string

const (
	ContextSourceKey   ctxKey = "source"
	ContextOperatorKey ctxKey = "operator"
)

// Reconciliation sources recorded on every audit entry.
const (
	SourceWebhook = "webhook"
	SourceCLI     = "cli"
	SourceSweep   = "sweep"
	SourceAPI     = "api"
)

// SourceFromContext returns who triggered the current reconciliation, "unknown" if unset.
func SourceFromContext(ctx context.Context) string {
	if ctx == nil {
		return "unknown"
	}
	if source, ok := ctx.Value(ContextSourceKey).(string); ok && source != "" {
		return source
	}
	return "unknown"
}

func ContextWithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, ContextSourceKey, source)
}

func OperatorFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if operator, ok := ctx.Value(ContextOperatorKey).(string); ok {
		return operator
	}
	return ""
}

func ContextWithOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, ContextOperatorKey, operator)
}

// WithTimeout returns a context with timeout, defaulting to 5 seconds if duration is zero or negative.
func WithTimeout(ctx context.Context, duration time.Duration) (context.Context, context.CancelFunc) {
	if duration <= 0 {
		duration = 5 * time.Second
	}
	return context.WithTimeout(ctx, duration)
}
