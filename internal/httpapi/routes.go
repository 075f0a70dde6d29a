// Package httpapi exposes crowdwatch over HTTP with Fiber.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/rewired-gh/crowdwatch/internal/coordinator"
	"github.com/rewired-gh/crowdwatch/internal/logger"
	"github.com/rewired-gh/crowdwatch/internal/models"
)

// OperationGetAll is the metrics label for snapshot reads.
const OperationGetAll = "get_all"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report JSON field names so clients can map errors back to their payload.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// SnapshotReader serves the live view.
type SnapshotReader interface {
	GetAll() ([]models.FacilityRecord, error)
}

// ProfileSource serves the weekly baseline.
type ProfileSource interface {
	Weekly(ctx context.Context) ([]models.WeeklyProfile, error)
}

// Submitter applies inbound readings.
type Submitter interface {
	Authenticate(token string) (string, error)
	SubmitReading(ctx context.Context, s coordinator.Submission) (coordinator.Result, error)
}

// Recorder observes read operations.
type Recorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// Deps are the collaborators behind the routes. Recorder and Metrics are optional.
type Deps struct {
	Snapshots SnapshotReader
	Profiles  ProfileSource
	Submitter Submitter
	Recorder  Recorder
	Metrics   http.Handler
}

// crowdLevelRequest is the body of POST /api/sendCrowdLevel. Name fields are accepted
// for compatibility with existing reporters but never change the snapshot.
type crowdLevelRequest struct {
	ID           *int    `json:"id" validate:"required"`
	Name         *string `json:"name" validate:"omitempty,min=1,max=50"`
	SubName      *string `json:"sub_name" validate:"omitempty,min=1,max=50"`
	MaxCapacity  *int    `json:"max_capacity" validate:"required,gte=0"`
	CurrentCount *int    `json:"current_count" validate:"required,gte=0"`
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, d Deps) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "crowdwatch",
		})
	})

	if d.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(d.Metrics))
	}

	api := app.Group("/api")

	api.Get("/crowd", func(c *fiber.Ctx) error {
		begin := time.Now()
		facilities, err := d.Snapshots.GetAll()
		if d.Recorder != nil {
			d.Recorder.Observe(c.UserContext(), OperationGetAll, err == nil, time.Since(begin))
		}
		if err != nil {
			logger.Error("Failed to read snapshot: %v", err)
			return fiber.NewError(fiber.StatusServiceUnavailable, "facility data is temporarily unavailable")
		}
		return c.JSON(facilities)
	})

	api.Get("/crowd/weekly", func(c *fiber.Ctx) error {
		profiles, err := d.Profiles.Weekly(c.UserContext())
		if err != nil {
			return fiber.NewError(fiber.StatusServiceUnavailable, "weekly profile is temporarily unavailable")
		}
		return c.JSON(profiles)
	})

	api.Post("/sendCrowdLevel", func(c *fiber.Ctx) error {
		token := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
		if _, err := d.Submitter.Authenticate(token); err != nil {
			return unauthorized(c)
		}

		var req crowdLevelRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
				"error":   true,
				"message": "request body must be a JSON object",
				"fields":  fiber.Map{"body": err.Error()},
			})
		}
		if err := validate.Struct(req); err != nil {
			return invalid(c, err)
		}

		res, err := d.Submitter.SubmitReading(c.UserContext(), coordinator.Submission{
			FacilityID:   *req.ID,
			MaxCapacity:  *req.MaxCapacity,
			CurrentCount: *req.CurrentCount,
			Token:        token,
		})
		if err != nil {
			return submissionError(c, err)
		}

		return c.JSON(fiber.Map{
			"result":        "acknowledged",
			"submission_id": res.SubmissionID.String(),
			"reading_id":    res.Reading.ID,
		})
	})
}

func unauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
		"error":   true,
		"message": "unauthorized",
	})
}

func invalid(c *fiber.Ctx, err error) error {
	fields := fiber.Map{}
	var verrs validator.ValidationErrors
	var merr *models.ValidationError
	switch {
	case errors.As(err, &verrs):
		for _, fe := range verrs {
			fields[fe.Field()] = describe(fe)
		}
	case errors.As(err, &merr):
		fields[merr.Field] = merr.Message
	default:
		fields["body"] = err.Error()
	}
	return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
		"error":   true,
		"message": "invalid input",
		"fields":  fields,
	})
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gte":
		return "must be at least " + fe.Param()
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return "failed " + fe.Tag()
	}
}

// submissionError maps coordinator outcomes to distinct responses.
func submissionError(c *fiber.Ctx, err error) error {
	var partial *coordinator.PartialWriteError
	switch {
	case errors.Is(err, models.ErrUnauthorized):
		return unauthorized(c)
	case errors.Is(err, models.ErrInvalidInput):
		return invalid(c, err)
	case errors.Is(err, models.ErrFacilityNotFound):
		return fiber.NewError(fiber.StatusNotFound, "facility not found")
	case errors.As(err, &partial):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error":            true,
			"message":          "reading applied to the live view but not recorded in history; do not resubmit blindly",
			"snapshot_updated": true,
			"submission_id":    partial.SubmissionID.String(),
		})
	default:
		return fiber.NewError(fiber.StatusServiceUnavailable, "storage temporarily unavailable")
	}
}

// ErrorHandler renders every error as {"error": true, "message": ...}.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
	}
	return c.Status(code).JSON(fiber.Map{
		"error":   true,
		"message": err.Error(),
	})
}
