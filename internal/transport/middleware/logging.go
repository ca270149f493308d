package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/middleware"
)

// Keys and headers containing any of these are redacted. Webhook payloads carry card
// authorization and customer details next to the reference.
var sensitiveFields = []string{
	"token",
	"authorization",
	"signature",
	"secret",
	"key",
	"credential",
	"auth",
	"card",
	"email",
}

const (
	maxLoggedBody = 4096
	redacted      = "[FILTERED]"
)

func isSensitive(name string) bool {
	name = strings.ToLower(name)
	for _, field := range sensitiveFields {
		if strings.Contains(name, field) {
			return true
		}
	}
	return false
}

// LoggingMiddleware logs each request and its response with secrets redacted.
// Response bodies are only logged for errors.
func LoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := middleware.GetReqID(r.Context())

			body := peekBody(r)
			logger.InfoContext(r.Context(), "incoming request",
				"request_id", reqID,
				"method", r.Method,
				"path", r.URL.Path,
				"query", r.URL.RawQuery,
				"remote_addr", r.RemoteAddr,
				"user_agent", r.UserAgent(),
				"headers", filterSensitiveHeaders(r.Header),
				"body", filterSensitiveBody(body),
			)

			rec := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			attrs := []any{
				"request_id", reqID,
				"method", r.Method,
				"path", r.URL.Path,
				"status_code", rec.statusCode,
				"duration_ms", time.Since(start).Milliseconds(),
				"response_size", rec.size,
			}
			level := slog.LevelInfo
			switch {
			case rec.statusCode >= 500:
				level = slog.LevelError
			case rec.statusCode >= 400:
				level = slog.LevelWarn
			}
			if level != slog.LevelInfo {
				attrs = append(attrs, "body", filterSensitiveBody(rec.body.Bytes()))
			}
			logger.Log(r.Context(), level, "response", attrs...)
		})
	}
}

// peekBody reads the request body and puts it back for the handler, which may need the
// exact bytes to check a signature. Only the first maxLoggedBody bytes are returned.
func peekBody(r *http.Request) []byte {
	if r.Body == nil {
		return nil
	}
	raw, _ := io.ReadAll(r.Body)
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if len(raw) > maxLoggedBody {
		return raw[:maxLoggedBody]
	}
	return raw
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
	body       bytes.Buffer
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if room := maxLoggedBody - rw.body.Len(); room > 0 {
		rw.body.Write(b[:min(room, len(b))])
	}
	rw.size += len(b)
	return rw.ResponseWriter.Write(b)
}

func filterSensitiveHeaders(headers http.Header) map[string]string {
	filtered := make(map[string]string, len(headers))
	for name, values := range headers {
		if isSensitive(name) {
			filtered[name] = redacted
			continue
		}
		filtered[name] = strings.Join(values, ", ")
	}
	return filtered
}

// filterSensitiveBody redacts sensitive keys of a JSON body. A body that isn't JSON is
// dropped entirely if it mentions anything sensitive.
func filterSensitiveBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		if isSensitive(string(body)) {
			return "[FILTERED - Contains sensitive data]"
		}
		return string(body)
	}

	out, err := json.Marshal(redact(doc))
	if err != nil {
		return "[ERROR - Failed to marshal filtered JSON]"
	}
	return string(out)
}

func redact(v any) any {
	switch node := v.(type) {
	case map[string]any:
		for key, value := range node {
			if isSensitive(key) {
				node[key] = redacted
			} else {
				node[key] = redact(value)
			}
		}
		return node
	case []any:
		for i := range node {
			node[i] = redact(node[i])
		}
		return node
	default:
		return v
	}
}
