package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/presence-api/internal/dto"
	"github.com/noah-isme/presence-api/internal/middleware"
	"github.com/noah-isme/presence-api/internal/service"
	"github.com/noah-isme/presence-api/internal/utils"
	"github.com/noah-isme/presence-api/internal/verification"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// AttendanceHandler exposes the verification pipeline and the attendance read side.
type AttendanceHandler struct {
	service     service.AttendanceService
	validator   *validator.Validate
	logger      zerolog.Logger
	markLimiter fiber.Handler
}

// NewAttendanceHandler constructs the handler. markLimiter may be nil.
func NewAttendanceHandler(service service.AttendanceService, validator *validator.Validate, logger zerolog.Logger, markLimiter fiber.Handler) *AttendanceHandler {
	if markLimiter == nil {
		markLimiter = func(c *fiber.Ctx) error { return c.Next() }
	}
	return &AttendanceHandler{
		service:     service,
		validator:   validator,
		logger:      logger.With().Str("component", "attendance_handler").Logger(),
		markLimiter: markLimiter,
	}
}

// Register attaches attendance routes to the router group.
func (h *AttendanceHandler) Register(router fiber.Router) {
	student := middleware.AuthOptions{Role: middleware.AuthRoleStudent}
	reviewer := middleware.AuthOptions{Role: middleware.AuthRoleReviewer}

	router.Post("/attendance/mark", middleware.WithAuth(h.markLimiter, student), h.mark)
	router.Get("/attendance/history", middleware.WithAuth(h.history, student))
	router.Post("/attendance/override", middleware.WithAuth(h.override, reviewer))
	router.Get("/sessions/:id/attendance", middleware.WithAuth(h.sessionAttendance, reviewer))
}

func (h *AttendanceHandler) mark(c *fiber.Ctx) error {
	var payload dto.MarkAttendanceRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	if err := h.validator.Struct(payload); err != nil {
		return handleError(c, h.logger, err, "failed to mark attendance")
	}

	frame, err := decodeFrame(payload.Frame)
	if err != nil {
		return sendFrameError(c, err)
	}
	livenessFrames, err := decodeFrames(payload.LivenessFrames)
	if err != nil {
		return sendFrameError(c, err)
	}

	req := service.MarkRequest{
		UserID:         userIDFromContext(c),
		SessionID:      payload.SessionID,
		Frame:          frame,
		LivenessFrames: livenessFrames,
		Challenge:      payload.LivenessChallenge,
		ClientIP:       c.IP(),
	}
	// A present but empty list means the client scanned and saw nothing; only
	// an absent list asks the gateway for a fresh scan.
	if payload.BLEScan != nil {
		req.Scan = make([]verification.Observation, 0, len(payload.BLEScan))
		for _, item := range payload.BLEScan {
			req.Scan = append(req.Scan, verification.Observation{Address: item.Address, Name: item.Name, RSSI: item.RSSI})
		}
	}

	result, err := h.service.MarkAttendance(c.UserContext(), req)
	if err != nil {
		return handleError(c, h.logger, err, "failed to mark attendance")
	}

	message := "attendance marked"
	if !result.Success {
		message = "attendance rejected"
	}
	return utils.SendSuccess(c, message, newMarkAttendanceResponse(result))
}

func (h *AttendanceHandler) history(c *fiber.Ctx) error {
	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	} else if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	records, err := h.service.History(c.UserContext(), userIDFromContext(c), limit)
	if err != nil {
		return handleError(c, h.logger, err, "failed to load attendance history")
	}
	return utils.SendSuccess(c, "attendance history", records)
}

func (h *AttendanceHandler) override(c *fiber.Ctx) error {
	var payload dto.AttendanceOverrideRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	overridden, err := h.service.ManualOverride(c.UserContext(), activityActorFromContext(c), payload)
	if err != nil {
		return handleError(c, h.logger, err, "failed to override attendance")
	}
	if !overridden {
		return utils.SendError(c, fiber.StatusNotFound, "user or session not found")
	}

	return utils.SendSuccess(c, "attendance overridden", dto.AttendanceOverrideResponse{Overridden: true})
}

func (h *AttendanceHandler) sessionAttendance(c *fiber.Ctx) error {
	sessionID, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid session id")
	}

	records, err := h.service.SessionAttendance(c.UserContext(), activityActorFromContext(c), sessionID)
	if err != nil {
		return handleError(c, h.logger, err, "failed to load session attendance")
	}
	return utils.SendSuccess(c, "session attendance", records)
}

func newMarkAttendanceResponse(result service.MarkResult) dto.MarkAttendanceResponse {
	response := dto.MarkAttendanceResponse{
		Success:  result.Success,
		Reason:   result.Reason,
		RecordID: result.RecordID,
		Verified: dto.VerifiedFlags{
			Proximity: result.Verified.Proximity,
			Identity:  result.Verified.Identity,
			Liveness:  result.Verified.Liveness,
		},
		RSSI:         result.RSSI,
		FaceCount:    result.FaceCount,
		FaceDistance: result.Distance,
		Anomalies:    make([]dto.AnomalySummary, 0, len(result.Anomalies)),
	}

	if result.Record != nil {
		record := dto.NewAttendanceRecordResponse(*result.Record)
		response.Record = &record
	}
	if result.Liveness != nil {
		response.Liveness = &dto.LivenessSummary{
			Challenge:  string(result.Liveness.Challenge),
			Success:    result.Liveness.Success,
			Confidence: result.Liveness.Confidence,
			Details:    result.Liveness.Details,
		}
	}
	for _, anomaly := range result.Anomalies {
		response.Anomalies = append(response.Anomalies, dto.AnomalySummary{
			Kind:        string(anomaly.Kind),
			Severity:    string(anomaly.Severity),
			Description: anomaly.Description,
			Context:     anomaly.Context,
		})
	}
	return response
}
