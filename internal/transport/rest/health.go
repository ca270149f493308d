package rest

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

type HealthResponse struct {
	Status     HealthStatus          `json:"status"`
	CheckedAt  time.Time             `json:"checked_at"`
	Components map[string]CheckEntry `json:"components"`
}

type CheckEntry struct {
	Status     HealthStatus `json:"status"`
	Message    string       `json:"message,omitempty"`
	CheckedAt  time.Time    `json:"checked_at"`
	DurationMs int64        `json:"duration_ms"`
}

// CheckFunc reports a component as unhealthy by returning an error.
type CheckFunc func(ctx context.Context) error

type HealthHandler struct {
	checks  map[string]CheckFunc
	timeout time.Duration
}

// NewHealthHandler checks the database; a nil db registers no checks.
func NewHealthHandler(db *sql.DB) *HealthHandler {
	h := &HealthHandler{checks: map[string]CheckFunc{}, timeout: 2 * time.Second}
	if db != nil {
		h.AddCheck("database", db.PingContext)
	}
	return h
}

func (h *HealthHandler) AddCheck(name string, check CheckFunc) {
	h.checks[name] = check
}

func (h *HealthHandler) pingHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "OK"})
}

func (h *HealthHandler) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	resp := h.check(ctx)

	statusCode := http.StatusOK
	if resp.Status == HealthUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *HealthHandler) check(ctx context.Context) HealthResponse {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := HealthResponse{
		Status:     HealthHealthy,
		Components: make(map[string]CheckEntry, len(names)),
	}
	for _, name := range names {
		start := time.Now()
		err := h.checks[name](ctx)
		entry := CheckEntry{
			Status:     HealthHealthy,
			CheckedAt:  time.Now().UTC(),
			DurationMs: time.Since(start).Milliseconds(),
		}
		if err != nil {
			entry.Status = HealthUnhealthy
			entry.Message = err.Error()
			resp.Status = HealthUnhealthy
		}
		resp.Components[name] = entry
	}
	resp.CheckedAt = time.Now().UTC()
	return resp
}
