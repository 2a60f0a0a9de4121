package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/presence-api/internal/dto"
	"github.com/noah-isme/presence-api/internal/middleware"
	"github.com/noah-isme/presence-api/internal/service"
	"github.com/noah-isme/presence-api/internal/utils"
)

// EnrollmentHandler lets students register their face and radio device.
type EnrollmentHandler struct {
	service   service.EnrollmentService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewEnrollmentHandler constructs the handler.
func NewEnrollmentHandler(service service.EnrollmentService, validator *validator.Validate, logger zerolog.Logger) *EnrollmentHandler {
	return &EnrollmentHandler{
		service:   service,
		validator: validator,
		logger:    logger.With().Str("component", "enrollment_handler").Logger(),
	}
}

// Register attaches enrollment routes to the router group.
func (h *EnrollmentHandler) Register(router fiber.Router) {
	student := middleware.AuthOptions{Role: middleware.AuthRoleStudent}

	router.Post("/enrollment/face", middleware.WithAuth(h.enrollFace, student))
	router.Put("/enrollment/device", middleware.WithAuth(h.registerDevice, student))
}

func (h *EnrollmentHandler) enrollFace(c *fiber.Ctx) error {
	var payload dto.FaceEnrollmentRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	if err := h.validator.Struct(payload); err != nil {
		return handleError(c, h.logger, err, "failed to enroll face")
	}

	frames, err := decodeFrames(payload.Frames)
	if err != nil {
		return sendFrameError(c, err)
	}

	response, err := h.service.EnrollFace(c.UserContext(), userIDFromContext(c), frames)
	if err != nil {
		return handleError(c, h.logger, err, "failed to enroll face")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "face enrolled", response)
}

func (h *EnrollmentHandler) registerDevice(c *fiber.Ctx) error {
	var payload dto.DeviceRegistrationRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	response, err := h.service.RegisterDevice(c.UserContext(), userIDFromContext(c), payload)
	if err != nil {
		return handleError(c, h.logger, err, "failed to register device")
	}
	return utils.SendSuccess(c, "device registered", response)
}
