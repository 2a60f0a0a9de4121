package service

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/noah-isme/presence-api/internal/dto"
	"github.com/noah-isme/presence-api/internal/models"
	"github.com/noah-isme/presence-api/internal/repository"
)

// Audited reviewer actions.
const (
	ActionAttendanceOverride = "attendance.override"
	ActionAnomalyResolve     = "anomaly.resolve"
)

// Audited entity types.
const (
	EntityAttendance = "attendance"
	EntityAnomaly    = "anomaly"
)

var auditedActions = map[string]string{
	ActionAttendanceOverride: EntityAttendance,
	ActionAnomalyResolve:     EntityAnomaly,
}

// Metadata keys that may carry biometric payloads are never written to the audit trail.
var biometricKeys = []string{"embedding", "vector", "frame", "landmark"}

// ActivityActor is the authenticated reviewer performing an action.
type ActivityActor struct {
	ID   uint
	Role string
}

// ActivityEntry captures one reviewer action.
type ActivityEntry struct {
	ActorID    uint
	ActorRole  string
	Action     string
	EntityType string
	EntityID   *uint
	Metadata   map[string]interface{}
}

// ActivityRecorder appends reviewer actions to the audit trail.
type ActivityRecorder interface {
	Record(ctx context.Context, entry ActivityEntry) (dto.ActivityResponse, error)
}

// ActivityService exposes the reviewer audit trail.
type ActivityService interface {
	ActivityRecorder
	List(ctx context.Context, req dto.ActivityListRequest) (dto.ActivityListResponse, error)
}

type activityService struct {
	repo   repository.ActivityLogRepository
	logger zerolog.Logger
}

// NewActivityService constructs the audit trail service.
func NewActivityService(repo repository.ActivityLogRepository, logger zerolog.Logger) ActivityService {
	return &activityService{
		repo:   repo,
		logger: logger.With().Str("component", "activity_service").Logger(),
	}
}

func (s *activityService) Record(ctx context.Context, entry ActivityEntry) (dto.ActivityResponse, error) {
	action := strings.ToLower(strings.TrimSpace(entry.Action))
	if action == "" {
		return dto.ActivityResponse{}, fmt.Errorf("action is required")
	}
	entity, known := auditedActions[action]
	if !known {
		return dto.ActivityResponse{}, fmt.Errorf("unsupported audit action %q", action)
	}
	if provided := strings.ToLower(strings.TrimSpace(entry.EntityType)); provided != "" && provided != entity {
		return dto.ActivityResponse{}, fmt.Errorf("action %s applies to %s, not %s", action, entity, provided)
	}

	model := models.ActivityLog{
		ActorID:    entry.ActorID,
		ActorRole:  normalizeRole(entry.ActorRole),
		Action:     action,
		EntityType: entity,
		EntityID:   entry.EntityID,
		Metadata:   redactMetadata(entry.Metadata),
	}

	if err := s.repo.Create(ctx, &model); err != nil {
		s.logger.Error().Err(err).Str("action", action).Msg("failed to persist activity log")
		return dto.ActivityResponse{}, err
	}

	return dto.NewActivityResponse(model), nil
}

func (s *activityService) List(ctx context.Context, req dto.ActivityListRequest) (dto.ActivityListResponse, error) {
	filter := repository.ActivityLogFilter{
		Page:       req.Page,
		PageSize:   req.PageSize,
		Action:     strings.ToLower(strings.TrimSpace(req.Action)),
		EntityType: strings.ToLower(strings.TrimSpace(req.EntityType)),
	}
	if req.ActorID > 0 {
		filter.ActorID = &req.ActorID
	}
	if req.EntityID > 0 {
		filter.EntityID = &req.EntityID
	}

	entries, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return dto.ActivityListResponse{}, err
	}

	items := make([]dto.ActivityResponse, 0, len(entries))
	for _, entry := range entries {
		items = append(items, dto.NewActivityResponse(entry))
	}
	return dto.ActivityListResponse{Items: items, Pagination: paginationMeta(req.Page, req.PageSize, total)}, nil
}

// paginationMeta is shared by every paged reviewer listing.
func paginationMeta(page, pageSize int, total int64) dto.PaginationMeta {
	if page < 1 {
		page = 1
	}
	pages := 1
	if pageSize > 0 && total > 0 {
		pages = int(math.Ceil(float64(total) / float64(pageSize)))
	}
	return dto.PaginationMeta{Page: page, PageSize: pageSize, TotalItems: total, TotalPages: pages}
}

func redactMetadata(metadata map[string]interface{}) datatypes.JSONMap {
	redacted := datatypes.JSONMap{}
	for key, value := range metadata {
		lower := strings.ToLower(key)
		if containsAny(lower, biometricKeys) {
			continue
		}
		if strings.Contains(lower, "email") || strings.Contains(lower, "token") {
			redacted[key] = "***"
			continue
		}
		redacted[key] = value
	}
	return redacted
}

func containsAny(value string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(value, needle) {
			return true
		}
	}
	return false
}

// normalizeRole maps an empty role to the system actor.
func normalizeRole(role string) string {
	if r := strings.ToLower(strings.TrimSpace(role)); r != "" {
		return r
	}
	return "system"
}
