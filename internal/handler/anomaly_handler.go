package handler

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/presence-api/internal/dto"
	"github.com/noah-isme/presence-api/internal/middleware"
	"github.com/noah-isme/presence-api/internal/service"
	"github.com/noah-isme/presence-api/internal/utils"
)

// AnomalyHandler exposes the reviewer anomaly feed.
type AnomalyHandler struct {
	service service.AnomalyService
	logger  zerolog.Logger
}

// NewAnomalyHandler constructs the handler.
func NewAnomalyHandler(service service.AnomalyService, logger zerolog.Logger) *AnomalyHandler {
	return &AnomalyHandler{
		service: service,
		logger:  logger.With().Str("component", "anomaly_handler").Logger(),
	}
}

// Register attaches anomaly routes to the router group.
func (h *AnomalyHandler) Register(router fiber.Router) {
	reviewer := middleware.AuthOptions{Role: middleware.AuthRoleReviewer}

	router.Get("/sessions/:id/anomalies", middleware.WithAuth(h.list, reviewer))
	router.Patch("/anomalies/:id/resolve", middleware.WithAuth(h.resolve, reviewer))
}

func (h *AnomalyHandler) list(c *fiber.Ctx) error {
	sessionID, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid session id")
	}

	page, err := parseQueryInt(c, "page")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid page")
	}
	if page <= 0 {
		page = 1
	}

	pageSize, err := parseQueryInt(c, "page_size")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid page size")
	}
	if pageSize <= 0 {
		pageSize = 25
	} else if pageSize > 200 {
		pageSize = 200
	}

	resolved, err := parseQueryBool(c, "resolved")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid resolved filter")
	}

	req := dto.AnomalyListRequest{
		Page:     page,
		PageSize: pageSize,
		Kind:     strings.ToLower(strings.TrimSpace(c.Query("kind"))),
		Resolved: resolved,
	}

	response, err := h.service.ListBySession(c.UserContext(), activityActorFromContext(c), sessionID, req)
	if err != nil {
		return handleError(c, h.logger, err, "failed to list anomalies")
	}
	return utils.SendSuccess(c, "anomalies", response)
}

func (h *AnomalyHandler) resolve(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid anomaly id")
	}

	anomaly, err := h.service.Resolve(c.UserContext(), activityActorFromContext(c), id)
	if err != nil {
		return handleError(c, h.logger, err, "failed to resolve anomaly")
	}
	return utils.SendSuccess(c, "anomaly resolved", anomaly)
}
