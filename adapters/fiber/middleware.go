package fiber

import (
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/firemarkets/fmsession/core"
)

const (
	localUser  = "user"
	localToken = "token"
)

// requireAuth rejects requests without a valid bearer token and stores the
// user and token for downstream handlers.
func (a *Adapter) requireAuth(c fiber.Ctx) error {
	token := extractToken(c)
	if token == "" {
		return writeError(c, fiber.StatusUnauthorized, "missing bearer token")
	}

	user, err := a.backend.Verify(c.Context(), token)
	if err != nil {
		return a.handleAuthError(c, err)
	}

	c.Locals(localUser, user)
	c.Locals(localToken, token)
	return c.Next()
}

// optionalAuth passes the bearer token through without validating it.
func (a *Adapter) optionalAuth(c fiber.Ctx) error {
	if token := extractToken(c); token != "" {
		c.Locals(localToken, token)
	}
	return c.Next()
}

// extractToken reads the Authorization header's bearer token.
func extractToken(c fiber.Ctx) string {
	header := c.Get(fiber.HeaderAuthorization)
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func tokenFrom(c fiber.Ctx) string {
	token, _ := c.Locals(localToken).(string)
	return token
}

func userFrom(c fiber.Ctx) *core.User {
	user, _ := c.Locals(localUser).(*core.User)
	return user
}
