package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// JWTMiddleware validates bearer tokens and stores subject and role in
// locals. With roles given, the token's role must be one of them.
func JWTMiddleware(signer *Signer, roles ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := bearerFromHeader(c.Get("Authorization"))
		if token == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
		}

		claims, err := signer.Parse(token)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, err.Error())
		}
		if len(roles) > 0 && !hasRole(roles, claims.Role) {
			return fiber.NewError(fiber.StatusForbidden, "role not allowed")
		}

		c.Locals("subject", claims.Subject)
		c.Locals("role", claims.Role)
		return c.Next()
	}
}

func hasRole(allowed []string, role string) bool {
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

func bearerFromHeader(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
