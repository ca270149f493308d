package middleware

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/google/uuid"

	"github.com/frahmantamala/credit-recovery/pkg/logger"
)

const TraceHeader = "X-Trace-ID"

// RequestID tags the request with a trace id, taken from X-Trace-ID when the caller sent one.
// The id is shared with chi's request id so GetReqID sees the same value.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(TraceHeader)
		if traceID == "" {
			traceID = uuid.NewString()
		}

		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, traceID)
		ctx = logger.With(ctx, "trace_id", traceID)

		w.Header().Set(TraceHeader, traceID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
