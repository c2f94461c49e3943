package middleware

import (
	"net/http"
	"slices"

	"github.com/labstack/echo/v4"
)

// Run and dataset permissions checked by the API routes.
const (
	PermissionRunCreate   = "run.create"
	PermissionRunView     = "run.view"
	PermissionRunDelete   = "run.delete"
	PermissionDatasetView = "dataset.view"
)

// HasPermission reports whether user was granted permission.
func HasPermission(user *AppUser, permission string) bool {
	return user != nil && slices.Contains(user.Permissions, permission)
}

// RequirePermission rejects requests whose user lacks permission with 403,
// and anonymous requests with 401.
func RequirePermission(permission string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user := c.(*AppContext).User
			switch {
			case user == nil:
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			case !HasPermission(user, permission):
				return c.JSON(http.StatusForbidden, map[string]string{"error": "Forbidden: missing permission " + permission})
			}
			return next(c)
		}
	}
}
