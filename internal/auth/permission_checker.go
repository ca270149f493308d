package auth

type PermissionChecker interface {
	CanReconcile(permissions []string) bool
	HasAnyPermission(permissions []string, required []string) bool
	IsAdmin(permissions []string) bool
}

type DefaultPermissionChecker struct{}

func NewPermissionChecker() PermissionChecker {
	return &DefaultPermissionChecker{}
}

func (c *DefaultPermissionChecker) CanReconcile(permissions []string) bool {
	return c.HasAnyPermission(permissions, []string{PermissionReconcile, PermissionAdmin})
}

// HasAnyPermission reports whether any of permissions is in required.
func (c *DefaultPermissionChecker) HasAnyPermission(permissions []string, required []string) bool {
	for _, p := range permissions {
		for _, r := range required {
			if p == r {
				return true
			}
		}
	}
	return false
}

func (c *DefaultPermissionChecker) IsAdmin(permissions []string) bool {
	return c.HasAnyPermission(permissions, []string{PermissionAdmin})
}
