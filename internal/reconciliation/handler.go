package reconciliation

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"

	"github.com/frahmantamala/credit-recovery/internal"
	"github.com/frahmantamala/credit-recovery/internal/transport"
)

const maxPendingLimit = 1000

// Handler serves the operator API. Routes are mounted behind operator auth.
type Handler struct {
	transport.BaseHandler
	Service          ServiceAPI
	DefaultStaleness time.Duration
	Logger           *slog.Logger
}

func NewHandler(service ServiceAPI, defaultStaleness time.Duration, logger *slog.Logger) *Handler {
	return &Handler{
		BaseHandler:      transport.BaseHandler{Logger: logger},
		Service:          service,
		DefaultStaleness: defaultStaleness,
		Logger:           logger,
	}
}

// Reconcile handles POST /api/v1/reconciliation/{reference}
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	ctx := internal.ContextWithSource(r.Context(), internal.SourceAPI)

	outcome, err := h.Service.Reconcile(ctx, reference)
	if err != nil {
		h.Logger.Error("Reconcile: service error", "error", err, "reference", reference, "operator", internal.OperatorFromContext(ctx))
		h.HandleServiceError(w, err)
		return
	}

	h.Logger.Info("Reconcile: finished",
		"reference", reference,
		"outcome", outcome.Kind,
		"operator", internal.OperatorFromContext(ctx))

	h.WriteJSON(w, http.StatusOK, NewReconcileResponse(outcome))
}

// ListPending handles GET /api/v1/reconciliation/pending
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	olderThan := h.DefaultStaleness
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			h.HandleError(w, internal.NewValidationFieldError("older_than", "older_than must be a non-negative duration such as 30m", internal.ErrCodeValidationFailed))
			return
		}
		olderThan = d
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxPendingLimit {
			h.HandleError(w, internal.NewValidationFieldError("limit", "limit must be between 1 and 1000", internal.ErrCodeValidationFailed))
			return
		}
		limit = n
	}

	intents, err := h.Service.ListPendingIntents(r.Context(), olderThan, limit)
	if err != nil {
		h.Logger.Error("ListPending: service error", "error", err)
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, NewPendingListResponse(intents, olderThan, time.Now().UTC()))
}

// Debug handles GET /api/v1/reconciliation/{reference}/debug
func (h *Handler) Debug(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")

	report, err := h.Service.Debug(r.Context(), reference)
	if err != nil {
		h.Logger.Error("Debug: service error", "error", err, "reference", reference)
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, report)
}

// Stats handles GET /api/v1/reconciliation/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Service.Stats(r.Context())
	if err != nil {
		h.Logger.Error("Stats: service error", "error", err)
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, stats)
}
