package middleware

import (
	"log/slog"
	"net/http"

	"github.com/frahmantamala/credit-recovery/internal"
	"github.com/frahmantamala/credit-recovery/internal/auth"
	"github.com/frahmantamala/credit-recovery/internal/transport"
)

// RequirePermissions creates a middleware that checks the operator holds any of permissions.
// It must run after auth.Handler.AuthMiddleware.
func RequirePermissions(checker auth.PermissionChecker, permissions ...string) func(http.Handler) http.Handler {
	base := transport.NewBaseHandler(nil)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			operator, ok := auth.OperatorFromContext(r.Context())
			if !ok || operator == nil {
				base.HandleError(w, internal.NewUnauthorizedError("authentication required", internal.ErrCodeInvalidToken))
				return
			}

			if !checker.IsAdmin(operator.Permissions) && !checker.HasAnyPermission(operator.Permissions, permissions) {
				slog.Warn("access denied: operator lacks required permissions",
					"operator", operator.Subject,
					"required_permissions", permissions,
					"operator_permissions", operator.Permissions)
				base.HandleError(w, internal.ErrMissingPerm)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
