package route

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

type analyzeRequest struct {
	Points []Point `json:"points"`
}

func RegisterRoutes(r fiber.Router, svc *Service) {
	r.Get("/:tripID/analysis", func(c *fiber.Ctx) error {
		analysis, err := svc.Analyze(c.Context(), c.Params("tripID"))
		if errors.Is(err, ErrNoPoints) {
			return fiber.NewError(fiber.StatusNotFound, err.Error())
		}
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(analysis)
	})

	r.Post("/analyze", func(c *fiber.Ctx) error {
		var req analyzeRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if len(req.Points) == 0 {
			return fiber.NewError(fiber.StatusBadRequest, "points required")
		}
		return c.JSON(svc.AnalyzePoints(req.Points))
	})
}
