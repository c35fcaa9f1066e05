package auth

import "github.com/gofiber/fiber/v2"

func RegisterRoutes(r fiber.Router, signer *Signer) {
	r.Get("/verify", func(c *fiber.Ctx) error {
		token := bearerFromHeader(c.Get("Authorization"))
		if token == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
		}
		claims, err := signer.Parse(token)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, err.Error())
		}
		return c.JSON(fiber.Map{"subject": claims.Subject, "role": claims.Role})
	})
}
