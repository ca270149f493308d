package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type HTTPMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	factory := promauto.With(reg)
	return &HTTPMetrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_http_requests_total",
			Help: "Total HTTP requests",
		}, []string{"method", "endpoint", "status"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "credit_http_request_duration_seconds",
			Help:    "Request latency",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"method", "endpoint"}),
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Middleware labels requests by route pattern so reference path params don't explode cardinality.
func (m *HTTPMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		endpoint := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				endpoint = pattern
			}
		}
		m.requests.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
		m.latency.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}
