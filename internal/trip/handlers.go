package trip

import (
	"errors"

	"fleet-triptracker/internal/fleet"

	"github.com/gofiber/fiber/v2"
)

func RegisterRoutes(r fiber.Router, ctrl *Controller, authMiddleware fiber.Handler) {
	r.Get("/state", func(c *fiber.Ctx) error {
		return c.JSON(ctrl.State())
	})

	r.Post("/start", authMiddleware, func(c *fiber.Ctx) error {
		state, err := ctrl.StartTrip(c.Context())
		if err != nil {
			return httpError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(state)
	})

	r.Post("/end", authMiddleware, func(c *fiber.Ctx) error {
		state, err := ctrl.EndTrip(c.Context())
		if err != nil {
			return httpError(err)
		}
		return c.JSON(state)
	})
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrTripAlreadyActive), errors.Is(err, ErrNoActiveTrip):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, ErrNoLocation):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	case errors.Is(err, fleet.ErrRemote):
		return fiber.NewError(fiber.StatusBadGateway, err.Error())
	}
	return fiber.NewError(fiber.StatusInternalServerError, err.Error())
}
