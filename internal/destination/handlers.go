package destination

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

func RegisterRoutes(r fiber.Router, svc *Service, deviceID string, authMiddleware fiber.Handler) {
	r.Get("/", func(c *fiber.Ctx) error {
		results, err := svc.List(c.Context(), deviceID)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(results)
	})

	r.Post("/", authMiddleware, func(c *fiber.Ctx) error {
		var req Destination
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		req.DeviceID = deviceID
		d, err := svc.Create(c.Context(), req)
		var verr validator.ValidationErrors
		if errors.As(err, &verr) {
			return fiber.NewError(fiber.StatusBadRequest, verr.Error())
		}
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.Status(fiber.StatusCreated).JSON(d)
	})

	r.Get("/:id", func(c *fiber.Ctx) error {
		d, err := svc.Get(c.Context(), c.Params("id"))
		if err != nil {
			return notFoundOr500(err)
		}
		return c.JSON(d)
	})

	r.Post("/:id/activate", authMiddleware, func(c *fiber.Ctx) error {
		d, err := svc.Activate(c.Context(), c.Params("id"))
		if err != nil {
			return notFoundOr500(err)
		}
		return c.JSON(d)
	})

	r.Delete("/:id", authMiddleware, func(c *fiber.Ctx) error {
		if err := svc.Delete(c.Context(), c.Params("id")); err != nil {
			return notFoundOr500(err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}

func notFoundOr500(err error) error {
	if errors.Is(err, ErrNotFound) {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}
	return fiber.NewError(fiber.StatusInternalServerError, err.Error())
}
