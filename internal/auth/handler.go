package auth

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/frahmantamala/credit-recovery/internal"
	"github.com/frahmantamala/credit-recovery/internal/transport"
	"github.com/frahmantamala/credit-recovery/pkg/logger"
)

type Handler struct {
	*transport.BaseHandler
	Service ServiceAPI
}

func NewHandler(svc ServiceAPI) *Handler {
	lg := logger.LoggerWrapper()
	if lg == nil {
		lg = slog.Default()
	}
	return &Handler{
		BaseHandler: transport.NewBaseHandler(lg),
		Service:     svc,
	}
}

// AuthMiddleware admits requests carrying a valid operator bearer token.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := h.ExtractTokenFromHeader(r)
		if token == "" {
			h.Logger.Warn("auth middleware: missing authorization token", "path", r.URL.Path)
			h.HandleError(w, internal.NewUnauthorizedError("missing authorization token", internal.ErrCodeInvalidToken))
			return
		}

		claims, err := h.Service.ValidateAccessToken(token)
		if err != nil {
			h.Logger.Warn("auth middleware: token validation failed", "error", err, "path", r.URL.Path)
			if errors.Is(err, ErrTokenExpired) {
				h.HandleError(w, internal.ErrTokenExpired)
				return
			}
			h.HandleError(w, internal.ErrInvalidToken)
			return
		}

		operator := claims.Operator()
		ctx := ContextWithOperator(r.Context(), operator)
		ctx = internal.ContextWithOperator(ctx, operator.Subject)
		ctx = logger.With(ctx, "operator", operator.Subject)

		h.Logger.Debug("auth middleware: operator authenticated", "operator", operator.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
