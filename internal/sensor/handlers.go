package sensor

import (
	"bytes"
	"errors"
	"time"

	"fleet-triptracker/internal/location"
	"fleet-triptracker/internal/motion"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

// PermissionGranter is told when the user re-grants location access.
type PermissionGranter interface {
	GrantPermission()
}

type positionRequest struct {
	Latitude       *float64  `json:"latitude" validate:"required_without=Error,omitempty,gte=-90,lte=90"`
	Longitude      *float64  `json:"longitude" validate:"required_without=Error,omitempty,gte=-180,lte=180"`
	AccuracyMeters float64   `json:"accuracy_m" validate:"gte=0"`
	At             time.Time `json:"at"`
	Error          string    `json:"error" validate:"omitempty,oneof=permission_denied unavailable timeout unsupported"`
}

type accelerationRequest struct {
	X     float64   `json:"x"`
	Y     float64   `json:"y"`
	Z     float64   `json:"z"`
	At    time.Time `json:"at"`
	Error string    `json:"error"`
}

type permissionRequest struct {
	Granted bool `json:"granted"`
}

var sensorErrors = map[string]error{
	"permission_denied": location.ErrPermissionDenied,
	"unavailable":       location.ErrPositionUnavailable,
	"timeout":           location.ErrTimeout,
	"unsupported":       location.ErrUnsupported,
}

func RegisterRoutes(r fiber.Router, feed *Feed, granter PermissionGranter) {
	validate := validator.New()

	r.Post("/position", func(c *fiber.Ctx) error {
		var req positionRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if req.Error != "" {
			feed.PushPosition(location.Reading{Err: sensorErrors[req.Error]})
			return c.SendStatus(fiber.StatusAccepted)
		}
		feed.PushPosition(location.Reading{Fix: location.Fix{
			Latitude:       *req.Latitude,
			Longitude:      *req.Longitude,
			AccuracyMeters: req.AccuracyMeters,
			At:             req.At,
		}})
		return c.SendStatus(fiber.StatusAccepted)
	})

	r.Post("/acceleration", func(c *fiber.Ctx) error {
		var batch []accelerationRequest
		if err := parseOneOrMany(c, &batch); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		for _, req := range batch {
			if req.Error != "" {
				feed.PushAcceleration(motion.Reading{Err: errors.New(req.Error)})
				continue
			}
			feed.PushAcceleration(motion.Reading{Vector: motion.Vector{X: req.X, Y: req.Y, Z: req.Z, At: req.At}})
		}
		return c.SendStatus(fiber.StatusAccepted)
	})

	r.Post("/signals", func(c *fiber.Ctx) error {
		var req location.Signals
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		feed.PushSignals(req)
		return c.SendStatus(fiber.StatusAccepted)
	})

	r.Post("/permission", func(c *fiber.Ctx) error {
		var req permissionRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if !req.Granted {
			feed.PushPosition(location.Reading{Err: location.ErrPermissionDenied})
			return c.JSON(fiber.Map{"granted": false})
		}
		if granter != nil {
			granter.GrantPermission()
		}
		return c.JSON(fiber.Map{"granted": true})
	})
}

// parseOneOrMany accepts a single JSON object or an array of them.
func parseOneOrMany(c *fiber.Ctx, out *[]accelerationRequest) error {
	if body := bytes.TrimLeft(c.Body(), " \t\r\n"); len(body) > 0 && body[0] == '[' {
		return c.BodyParser(out)
	}
	var one accelerationRequest
	if err := c.BodyParser(&one); err != nil {
		return err
	}
	*out = []accelerationRequest{one}
	return nil
}
