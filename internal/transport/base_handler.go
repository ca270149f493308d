package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"

	errors "github.com/frahmantamala/credit-recovery/internal"
	"github.com/frahmantamala/credit-recovery/pkg/logger"
)

// BaseHandler provides common functionality for HTTP handlers
type BaseHandler struct {
	Logger *slog.Logger
}

// NewBaseHandler creates a base handler with logger
func NewBaseHandler(lg *slog.Logger) *BaseHandler {
	if lg == nil {
		lg = logger.LoggerWrapper()
		if lg == nil {
			lg = slog.Default()
		}
	}
	return &BaseHandler{Logger: lg}
}

func (h *BaseHandler) logger() *slog.Logger {
	if h == nil || h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// WriteJSON writes a JSON response
func (h *BaseHandler) WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger().Error("failed to encode JSON response", "error", err)
	}
}

// HandleError writes an AppError using its own status code.
func (h *BaseHandler) HandleError(w http.ResponseWriter, appErr *errors.AppError) {
	status, body := appErr.ToHTTPResponse()
	if status == 0 {
		status = http.StatusInternalServerError
	}
	h.WriteJSON(w, status, body)
}

// HandleServiceError maps any service error onto a response. Errors that are not
// AppErrors are logged and hidden behind a generic 500.
func (h *BaseHandler) HandleServiceError(w http.ResponseWriter, err error) {
	if appErr, ok := errors.IsAppError(err); ok {
		h.HandleError(w, appErr)
		return
	}
	h.logger().Error("unhandled service error", "error", err)
	h.HandleError(w, errors.NewInternalError("internal server error", err))
}

// ExtractTokenFromHeader extracts Bearer token from Authorization header
func (h *BaseHandler) ExtractTokenFromHeader(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	if len(authHeader) < 7 || authHeader[:7] != "Bearer " {
		return ""
	}

	return authHeader[7:]
}
