package handler

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/presence-api/internal/middleware"
	"github.com/noah-isme/presence-api/internal/service"
	"github.com/noah-isme/presence-api/internal/utils"
)

// maxFrameBytes bounds a single decoded image frame.
const maxFrameBytes = 4 << 20

var (
	errInvalidFrame     = errors.New("frame is not valid base64")
	errFrameTooLarge    = errors.New("frame exceeds the size limit")
	errUnsupportedFrame = errors.New("frame must be a jpeg, png or webp image")
)

var allowedFrameTypes = []string{"image/jpeg", "image/png", "image/webp"}

// decodeFrame turns a base64 image, optionally prefixed with a data URL
// header, into raw bytes and checks it really is an image.
func decodeFrame(encoded string) ([]byte, error) {
	payload := strings.TrimSpace(encoded)
	if strings.HasPrefix(payload, "data:") {
		comma := strings.IndexByte(payload, ',')
		if comma < 0 {
			return nil, errInvalidFrame
		}
		payload = payload[comma+1:]
	}
	if payload == "" {
		return nil, errInvalidFrame
	}
	if base64.StdEncoding.DecodedLen(len(payload)) > maxFrameBytes+2 {
		return nil, errFrameTooLarge
	}

	frame, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		frame, err = base64.RawStdEncoding.DecodeString(payload)
		if err != nil {
			return nil, errInvalidFrame
		}
	}
	if len(frame) > maxFrameBytes {
		return nil, errFrameTooLarge
	}

	if detected := mimetype.Detect(frame); !mimetype.EqualsAny(detected.String(), allowedFrameTypes...) {
		return nil, errUnsupportedFrame
	}
	return frame, nil
}

func decodeFrames(encoded []string) ([][]byte, error) {
	frames := make([][]byte, 0, len(encoded))
	for _, item := range encoded {
		frame, err := decodeFrame(item)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func parseQueryInt(c *fiber.Ctx, key string) (int, error) {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return 0, nil
	}
	return strconv.Atoi(value)
}

func parseQueryBool(c *fiber.Ctx, key string) (*bool, error) {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func parseIDParam(c *fiber.Ctx, key string) (uint, error) {
	parsed, err := strconv.ParseUint(c.Params(key), 10, 64)
	if err != nil || parsed == 0 {
		return 0, errors.New("invalid id")
	}
	return uint(parsed), nil
}

func userIDFromContext(c *fiber.Ctx) uint {
	if id, ok := c.Locals("user_id").(uint); ok {
		return id
	}
	return 0
}

func userRoleFromContext(c *fiber.Ctx) string {
	if role, ok := c.Locals("user_role").(string); ok {
		return role
	}
	return ""
}

func activityActorFromContext(c *fiber.Ctx) service.ActivityActor {
	return service.ActivityActor{
		ID:   userIDFromContext(c),
		Role: userRoleFromContext(c),
	}
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) zerolog.Logger {
	if correlation := middleware.GetCorrelationID(c); correlation != "" {
		return base.With().Str("correlation_id", correlation).Logger()
	}
	return base
}

func validationDetails(err error) map[string]string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return nil
	}
	details := make(map[string]string, len(validationErrors))
	for _, fieldErr := range validationErrors {
		details[strings.ToLower(fieldErr.Field())] = fieldErr.Tag()
	}
	return details
}

func sendFrameError(c *fiber.Ctx, err error) error {
	if errors.Is(err, errFrameTooLarge) {
		return utils.SendError(c, fiber.StatusRequestEntityTooLarge, err.Error())
	}
	return utils.SendError(c, fiber.StatusBadRequest, err.Error())
}

// handleError maps service errors onto the response envelope. Unknown errors
// are logged and reported as fallback with a 500.
func handleError(c *fiber.Ctx, logger zerolog.Logger, err error, fallback string) error {
	if details := validationDetails(err); details != nil {
		return utils.SendErrorWithDetails(c, fiber.StatusBadRequest, "validation failed", details)
	}

	switch {
	case errors.Is(err, service.ErrUserNotFound),
		errors.Is(err, service.ErrSessionNotFound),
		errors.Is(err, service.ErrAnomalyNotFound):
		return utils.SendError(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrNotSessionOwner):
		return utils.SendError(c, fiber.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrInvalidStatus),
		errors.Is(err, service.ErrInsufficientFrames),
		errors.Is(err, service.ErrInsufficientEmbeddings),
		errors.Is(err, service.ErrInvalidDeviceAddress):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	reqLogger := requestLogger(logger, c)
	reqLogger.Error().Err(err).Msg(fallback)
	return utils.SendError(c, fiber.StatusInternalServerError, fallback)
}
