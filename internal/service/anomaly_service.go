package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/presence-api/internal/dto"
	"github.com/noah-isme/presence-api/internal/models"
	"github.com/noah-isme/presence-api/internal/observability"
	"github.com/noah-isme/presence-api/internal/repository"
	"github.com/noah-isme/presence-api/internal/verification"
)

// AnomalySubject identifies who and where an anomaly was observed.
type AnomalySubject struct {
	User    models.User
	Session models.ClassSession
}

// EvidenceUploader stores a frame and returns a URL reviewers can open.
type EvidenceUploader interface {
	UploadEvidence(ctx context.Context, name string, frame []byte) (string, error)
}

// AnomalyRecorder persists anomalies on a best-effort basis. Failures are
// logged and never reach the caller.
type AnomalyRecorder interface {
	Record(ctx context.Context, subject AnomalySubject, anomaly verification.Anomaly, frame []byte)
}

// AnomalyService records anomalies and serves the reviewer workflow.
type AnomalyService interface {
	AnomalyRecorder
	ListBySession(ctx context.Context, actor ActivityActor, sessionID uint, req dto.AnomalyListRequest) (dto.AnomalyListResponse, error)
	Resolve(ctx context.Context, actor ActivityActor, id uint) (dto.AnomalyResponse, error)
}

// Evidence upload runs on the verification path, so it gets a hard deadline.
const defaultEvidenceUploadTimeout = 3 * time.Second

type anomalyService struct {
	repo          repository.AnomalyRepository
	sessions      repository.SessionRepository
	evidence      EvidenceUploader
	notifiers     []AnomalyNotifier
	activity      ActivityRecorder
	sanitizer     *bluemonday.Policy
	logger        zerolog.Logger
	uploadTimeout time.Duration
	tracer        trace.Tracer
	now           func() time.Time
}

// NewAnomalyService constructs the anomaly service. evidence and activity may be nil.
func NewAnomalyService(repo repository.AnomalyRepository, sessions repository.SessionRepository, evidence EvidenceUploader, activity ActivityRecorder, logger zerolog.Logger, notifiers ...AnomalyNotifier) AnomalyService {
	return &anomalyService{
		repo:          repo,
		sessions:      sessions,
		evidence:      evidence,
		notifiers:     notifiers,
		activity:      activity,
		sanitizer:     bluemonday.StrictPolicy(),
		logger:        logger.With().Str("component", "anomaly_service").Logger(),
		uploadTimeout: defaultEvidenceUploadTimeout,
		tracer:        otel.Tracer("github.com/noah-isme/presence-api/internal/service/anomaly"),
		now:           time.Now,
	}
}

func (s *anomalyService) Record(ctx context.Context, subject AnomalySubject, anomaly verification.Anomaly, frame []byte) {
	ctx, span := s.tracer.Start(ctx, "anomaly.record", trace.WithAttributes(
		attribute.String("anomaly.kind", string(anomaly.Kind)),
		attribute.String("anomaly.severity", string(anomaly.Severity)),
	))
	defer span.End()

	observability.Anomalies().WithLabelValues(string(anomaly.Kind), string(anomaly.Severity)).Inc()

	logger := s.logger.With().
		Uint("user_id", subject.User.ID).
		Uint("session_id", subject.Session.ID).
		Str("kind", string(anomaly.Kind)).
		Logger()

	details := datatypes.JSONMap{}
	for key, value := range anomaly.Context {
		details[key] = jsonSafe(value)
	}

	userID := subject.User.ID
	sessionID := subject.Session.ID
	event := models.AnomalyEvent{
		UserID:      &userID,
		SessionID:   &sessionID,
		Kind:        string(anomaly.Kind),
		Severity:    string(anomaly.Severity),
		Description: strings.TrimSpace(s.sanitizer.Sanitize(anomaly.Description)),
		Context:     details,
	}

	if err := s.repo.Create(ctx, &event); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist anomaly")
		logger.Warn().Err(err).Msg("failed to persist anomaly event")
		return
	}

	if withEvidence, ok := s.attachEvidence(ctx, event, frame); ok {
		event = withEvidence
	}

	notice := AnomalyNotice{Event: event, Student: subject.User, Session: subject.Session}
	for _, notifier := range s.notifiers {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, notice); err != nil {
			logger.Warn().Err(err).Msg("failed to fan out anomaly")
		}
	}
}

// attachEvidence uploads the primary frame of a stored multi_face or
// low_confidence event and records its URL on the event. The upload is bounded
// by uploadTimeout.
func (s *anomalyService) attachEvidence(ctx context.Context, event models.AnomalyEvent, frame []byte) (models.AnomalyEvent, bool) {
	if s.evidence == nil || len(frame) == 0 {
		return event, false
	}
	kind := verification.AnomalyKind(event.Kind)
	if kind != verification.AnomalyMultiFace && kind != verification.AnomalyLowConfidence {
		return event, false
	}

	logger := s.logger.With().Uint("anomaly_id", event.ID).Str("kind", event.Kind).Logger()

	uploadCtx, cancel := context.WithTimeout(ctx, s.uploadTimeout)
	defer cancel()

	name := fmt.Sprintf("%s-u%d-s%d-a%d", kind, derefUint(event.UserID), derefUint(event.SessionID), event.ID)
	url, err := s.evidence.UploadEvidence(uploadCtx, name, frame)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to upload evidence frame")
		return event, false
	}

	updated, err := s.repo.AttachEvidence(ctx, event.ID, url)
	if err != nil {
		logger.Warn().Err(err).Str("evidence_url", url).Msg("failed to attach evidence to anomaly")
		return event, false
	}
	return updated, true
}

func derefUint(v *uint) uint {
	if v == nil {
		return 0
	}
	return *v
}

func (s *anomalyService) ListBySession(ctx context.Context, actor ActivityActor, sessionID uint, req dto.AnomalyListRequest) (dto.AnomalyListResponse, error) {
	if _, err := authorizeSession(ctx, s.sessions, actor, sessionID); err != nil {
		return dto.AnomalyListResponse{}, err
	}

	filter := repository.AnomalyFilter{
		Page:      req.Page,
		PageSize:  req.PageSize,
		SessionID: &sessionID,
		Kind:      strings.ToLower(strings.TrimSpace(req.Kind)),
		Resolved:  req.Resolved,
	}

	events, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return dto.AnomalyListResponse{}, err
	}

	items := make([]dto.AnomalyResponse, 0, len(events))
	for _, event := range events {
		items = append(items, dto.NewAnomalyResponse(event))
	}

	return dto.AnomalyListResponse{Items: items, Pagination: paginationMeta(req.Page, req.PageSize, total)}, nil
}

func (s *anomalyService) Resolve(ctx context.Context, actor ActivityActor, id uint) (dto.AnomalyResponse, error) {
	ctx, span := s.tracer.Start(ctx, "anomaly.resolve", trace.WithAttributes(attribute.Int64("anomaly.id", int64(id))))
	defer span.End()

	existing, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return dto.AnomalyResponse{}, ErrAnomalyNotFound
	}
	if err != nil {
		span.RecordError(err)
		return dto.AnomalyResponse{}, err
	}
	if existing.SessionID != nil {
		if _, err := authorizeSession(ctx, s.sessions, actor, *existing.SessionID); err != nil {
			return dto.AnomalyResponse{}, err
		}
	} else if normalizeRole(actor.Role) != models.RoleAdmin {
		return dto.AnomalyResponse{}, ErrNotSessionOwner
	}

	event, err := s.repo.Resolve(ctx, id, actor.ID, s.now().UTC())
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return dto.AnomalyResponse{}, ErrAnomalyNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve anomaly")
		return dto.AnomalyResponse{}, err
	}

	if s.activity != nil {
		entityID := event.ID
		if _, err := s.activity.Record(ctx, ActivityEntry{
			ActorID:    actor.ID,
			ActorRole:  actor.Role,
			Action:     ActionAnomalyResolve,
			EntityType: EntityAnomaly,
			EntityID:   &entityID,
			Metadata:   map[string]interface{}{"kind": event.Kind},
		}); err != nil {
			s.logger.Warn().Err(err).Uint("anomaly_id", event.ID).Msg("failed to record resolve activity")
		}
	}

	return dto.NewAnomalyResponse(event), nil
}

func jsonSafe(value interface{}) interface{} {
	if f, ok := value.(float64); ok && (math.IsInf(f, 0) || math.IsNaN(f)) {
		return "N/A"
	}
	return value
}
