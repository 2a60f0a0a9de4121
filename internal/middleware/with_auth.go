package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/presence-api/internal/utils"
)

// Auth role constants used by WithAuth helper.
const (
	AuthRoleAny      = "any"
	AuthRoleStudent  = "student"
	AuthRoleReviewer = "reviewer"
	AuthRoleAdmin    = "admin"
)

// AuthOptions configures the WithAuth helper.
type AuthOptions struct {
	Role        string
	RequireUser bool
}

// WithAuth wraps a handler with authentication and role guards. Reviewers are
// teachers and admins; ownership of a session is checked by the service.
func WithAuth(handler fiber.Handler, opts AuthOptions) fiber.Handler {
	role := strings.ToLower(strings.TrimSpace(opts.Role))
	if role == "" {
		role = AuthRoleAny
	}

	requireUser := opts.RequireUser || role != AuthRoleAny

	return func(c *fiber.Ctx) error {
		if requireUser && !hasUser(c) {
			return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
		}

		currentRole := normalizeRoleValue(c.Locals("user_role"))
		allowed := true
		switch role {
		case AuthRoleAny:
		case AuthRoleStudent:
			allowed = currentRole == "student"
		case AuthRoleReviewer:
			allowed = currentRole == "teacher" || currentRole == "admin"
		default:
			allowed = currentRole == role
		}
		if !allowed {
			return utils.SendError(c, fiber.StatusForbidden, "insufficient permissions")
		}

		return handler(c)
	}
}

func hasUser(c *fiber.Ctx) bool {
	switch id := c.Locals("user_id").(type) {
	case uint:
		return id != 0
	case nil:
		return false
	default:
		return true
	}
}
