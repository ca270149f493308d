package reconciliation

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/frahmantamala/credit-recovery/internal"
	gatewaytypes "github.com/frahmantamala/credit-recovery/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/credit-recovery/internal/transport"
)

const maxCallbackBody = 1 << 20

type WebhookConfig struct {
	Secret          string
	SignatureHeader string
	SkipSignature   bool
}

// WebhookHandler turns gateway callbacks into reconciliation attempts. The callback's own
// status is logged but never acted on; the engine always asks the gateway.
type WebhookHandler struct {
	*transport.BaseHandler
	service ServiceAPI
	cfg     WebhookConfig
	logger  *slog.Logger
}

func NewWebhookHandler(baseHandler *transport.BaseHandler, service ServiceAPI, cfg WebhookConfig, logger *slog.Logger) *WebhookHandler {
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = "X-Paystack-Signature"
	}
	return &WebhookHandler{
		BaseHandler: baseHandler,
		service:     service,
		cfg:         cfg,
		logger:      logger,
	}
}

type CallbackResponse struct {
	Status  string             `json:"status"`
	Message string             `json:"message"`
	Result  *ReconcileResponse `json:"result,omitempty"`
}

// HandlePaymentCallback handles POST /api/v1/payment/callback
func (h *WebhookHandler) HandlePaymentCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBody))
	if err != nil {
		h.logger.Error("failed to read payment callback body", "error", err)
		h.WriteErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !h.cfg.SkipSignature && !h.validSignature(body, r.Header.Get(h.cfg.SignatureHeader)) {
		h.logger.Warn("payment callback rejected: bad signature", "remote_addr", r.RemoteAddr)
		h.HandleError(w, internal.ErrInvalidSignature)
		return
	}

	var payload gatewaytypes.CallbackPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.logger.Error("invalid payment callback request", "error", err)
		h.WriteErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reference := strings.TrimSpace(payload.Reference())
	if reference == "" {
		h.logger.Error("payment callback missing reference", "event", payload.Event)
		h.WriteErrorResponse(w, http.StatusBadRequest, "reference is required")
		return
	}

	h.logger.Info("received payment callback",
		"reference", reference,
		"event", payload.Event,
		"reported_status", payload.ReportedStatus())

	ctx := internal.ContextWithSource(r.Context(), internal.SourceWebhook)
	outcome, err := h.service.Reconcile(ctx, reference)
	if err != nil {
		h.handleReconcileError(w, reference, err)
		return
	}

	result := NewReconcileResponse(outcome)
	if outcome.Retryable() {
		// 503 makes the provider redeliver; the sweep is the backstop if it gives up.
		h.WriteJSON(w, http.StatusServiceUnavailable, CallbackResponse{
			Status:  "retry",
			Message: "payment could not be confirmed yet",
			Result:  &result,
		})
		return
	}

	h.logger.Info("payment callback processed",
		"reference", reference,
		"outcome", outcome.Kind)

	h.WriteJSON(w, http.StatusOK, CallbackResponse{
		Status:  "success",
		Message: "callback processed successfully",
		Result:  &result,
	})
}

func (h *WebhookHandler) handleReconcileError(w http.ResponseWriter, reference string, err error) {
	var appErr *internal.AppError
	switch {
	case errors.Is(err, internal.ErrIntentNotFound):
		h.logger.Warn("payment callback for unknown reference", "reference", reference)
		h.WriteErrorResponse(w, http.StatusNotFound, "unknown payment reference")
	case errors.As(err, &appErr) && appErr.Type == internal.ErrorTypeValidation:
		h.WriteErrorResponse(w, http.StatusBadRequest, appErr.GetDetailedMessage())
	default:
		h.logger.Error("failed to process payment callback", "reference", reference, "error", err)
		h.WriteErrorResponse(w, http.StatusServiceUnavailable, "failed to process payment callback")
	}
}

// validSignature checks the hex HMAC-SHA512 of the raw body, the scheme Paystack uses.
func (h *WebhookHandler) validSignature(body []byte, signature string) bool {
	if h.cfg.Secret == "" || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	return hmac.Equal(got, Sign(h.cfg.Secret, body))
}

// Sign computes the callback signature for body.
func Sign(secret string, body []byte) []byte {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

func (h *WebhookHandler) WriteErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	response := map[string]string{
		"error": message,
	}
	h.WriteJSON(w, statusCode, response)
}
