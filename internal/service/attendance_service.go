package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/presence-api/internal/dto"
	"github.com/noah-isme/presence-api/internal/middleware"
	"github.com/noah-isme/presence-api/internal/models"
	"github.com/noah-isme/presence-api/internal/observability"
	"github.com/noah-isme/presence-api/internal/repository"
	"github.com/noah-isme/presence-api/internal/verification"
)

// Rejection reasons reported on MarkResult.
const (
	ReasonSessionNotActive = "session_not_active"
	ReasonBLEFailed        = "ble_failed"
	ReasonNoFace           = "no_face"
	ReasonRecognitionError = "recognition_error"
	ReasonLowConfidence    = "low_confidence"
	ReasonLivenessRequired = "liveness_required"
	ReasonLivenessFailed   = "liveness_failed"
	ReasonAlreadyMarked    = "already_marked"
)

// Liveness modes.
const (
	LivenessModeAdvisory  = "advisory"
	LivenessModeMandatory = "mandatory"
)

// FaceAnalyzer is the vision capability the pipeline consumes. ExtractEmbedding
// and ExtractLandmarks return verification.ErrNoFace when no face is found.
type FaceAnalyzer interface {
	ExtractEmbedding(ctx context.Context, frame []byte) (verification.Embedding, error)
	CountFaces(ctx context.Context, frame []byte) (int, error)
	ExtractLandmarks(ctx context.Context, frame []byte) (verification.Landmarks, error)
}

// RadioScanner performs one timed radio scan.
type RadioScanner interface {
	Scan(ctx context.Context, duration time.Duration) ([]verification.Observation, error)
}

// AttendanceConfig holds the pipeline operating points. A nil RSSIThreshold
// selects verification.DefaultRSSIThreshold; any explicit value, 0 dBm
// included, is used as given.
type AttendanceConfig struct {
	MatchThreshold float64
	RSSIThreshold  *int
	ScanDuration   time.Duration
	ScanTimeout    time.Duration
	LivenessMode   string
	Liveness       verification.LivenessConfig
	SeverityPolicy string
	AttemptLimit   int
}

// MarkRequest is one verification request. A nil Scan asks the configured
// scanner for a fresh observation list.
type MarkRequest struct {
	UserID         uint
	SessionID      uint
	Frame          []byte
	LivenessFrames [][]byte
	Challenge      string
	Scan           []verification.Observation
	ClientIP       string
}

// VerifiedFlags reports which evidence channels passed.
type VerifiedFlags struct {
	Proximity bool
	Identity  bool
	Liveness  bool
}

// MarkResult is the structured outcome of MarkAttendance. Policy rejections
// set Success=false and Reason; they are never returned as errors.
type MarkResult struct {
	Success   bool
	Reason    string
	RecordID  *uint
	Record    *models.AttendanceRecord
	Verified  VerifiedFlags
	RSSI      *int
	FaceCount int
	Distance  *float64
	Liveness  *verification.LivenessResult
	Anomalies []verification.Anomaly
}

func (r MarkResult) reject(reason string) MarkResult {
	r.Success = false
	r.Reason = reason
	return r
}

// AttendanceDependencies wires the orchestrator's collaborators. Scanner,
// Attempts and Activity are optional.
type AttendanceDependencies struct {
	Sessions   repository.SessionRepository
	Users      repository.UserRepository
	Embeddings repository.FaceEmbeddingRepository
	Attendance repository.AttendanceRepository
	Analyzer   FaceAnalyzer
	Scanner    RadioScanner
	Anomalies  AnomalyRecorder
	Attempts   AttemptTracker
	Activity   ActivityRecorder
	Locks      *KeyedMutex
}

// AttendanceService is the attendance orchestrator plus its read side.
type AttendanceService interface {
	MarkAttendance(ctx context.Context, req MarkRequest) (MarkResult, error)
	ManualOverride(ctx context.Context, actor ActivityActor, req dto.AttendanceOverrideRequest) (bool, error)
	History(ctx context.Context, userID uint, limit int) ([]dto.AttendanceRecordResponse, error)
	SessionAttendance(ctx context.Context, actor ActivityActor, sessionID uint) ([]dto.AttendanceRecordResponse, error)
}

type attendanceService struct {
	deps       AttendanceDependencies
	cfg        AttendanceConfig
	liveness   verification.LivenessChecker
	classifier verification.AnomalyClassifier
	validator  *validator.Validate
	sanitizer  *bluemonday.Policy
	logger     zerolog.Logger
	tracer     trace.Tracer
}

type markRun struct {
	req     MarkRequest
	subject AnomalySubject
	result  MarkResult
}

type stageFunc func(ctx context.Context, run *markRun) (string, error)

// NewAttendanceService constructs the orchestrator. The returned service holds
// no per-request state and is safe for concurrent use.
func NewAttendanceService(deps AttendanceDependencies, validate *validator.Validate, logger zerolog.Logger, cfg AttendanceConfig) AttendanceService {
	if cfg.MatchThreshold <= 0 {
		cfg.MatchThreshold = verification.DefaultMatchThreshold
	}
	if cfg.RSSIThreshold == nil {
		threshold := verification.DefaultRSSIThreshold
		cfg.RSSIThreshold = &threshold
	}
	if cfg.ScanDuration <= 0 {
		cfg.ScanDuration = 5 * time.Second
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = cfg.ScanDuration + 3*time.Second
	}
	if cfg.LivenessMode == "" {
		cfg.LivenessMode = LivenessModeAdvisory
	}
	if cfg.AttemptLimit <= 0 {
		cfg.AttemptLimit = 5
	}
	if deps.Locks == nil {
		deps.Locks = NewKeyedMutex()
	}

	return &attendanceService{
		deps:       deps,
		cfg:        cfg,
		liveness:   verification.NewLivenessChecker(cfg.Liveness),
		classifier: verification.NewAnomalyClassifier(verification.SeverityPolicy(cfg.SeverityPolicy)),
		validator:  validate,
		sanitizer:  bluemonday.StrictPolicy(),
		logger:     logger.With().Str("component", "attendance_service").Logger(),
		tracer:     otel.Tracer("github.com/noah-isme/presence-api/internal/service/attendance"),
	}
}

func (s *attendanceService) MarkAttendance(ctx context.Context, req MarkRequest) (MarkResult, error) {
	ctx, span := s.tracer.Start(ctx, "attendance.mark", trace.WithAttributes(
		attribute.Int64("attendance.user_id", int64(req.UserID)),
		attribute.Int64("attendance.session_id", int64(req.SessionID)),
	))
	defer span.End()

	result, err := s.mark(ctx, req)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "verification failed")
		observability.Verifications().WithLabelValues("error").Inc()
	case result.Success:
		observability.Verifications().WithLabelValues(models.AttendanceStatusPresent).Inc()
	default:
		span.SetAttributes(attribute.String("attendance.reason", result.Reason))
		observability.Verifications().WithLabelValues(result.Reason).Inc()
		s.logger.Info().
			Str("correlation_id", middleware.CorrelationIDFromContext(ctx)).
			Uint("user_id", req.UserID).
			Uint("session_id", req.SessionID).
			Str("reason", result.Reason).
			Msg("attendance rejected")
	}

	return result, err
}

func (s *attendanceService) mark(ctx context.Context, req MarkRequest) (MarkResult, error) {
	run := &markRun{req: req, result: MarkResult{Anomalies: []verification.Anomaly{}}}

	session, err := s.deps.Sessions.GetActive(ctx, req.SessionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return run.result.reject(ReasonSessionNotActive), nil
	}
	if err != nil {
		return MarkResult{}, internalError("load session", err)
	}

	user, err := s.deps.Users.GetByID(ctx, req.UserID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return MarkResult{}, ErrUserNotFound
	}
	if err != nil {
		return MarkResult{}, internalError("load user", err)
	}
	run.subject = AnomalySubject{User: user, Session: session}

	stages := []struct {
		name verification.Stage
		fn   stageFunc
	}{
		{verification.StageAttempts, s.checkAttempts},
		{verification.StageProximity, s.checkProximity},
		{verification.StageFaceCount, s.checkFaces},
		{verification.StageIdentity, s.checkIdentity},
		{verification.StageLiveness, s.checkLiveness},
	}

	for _, stage := range stages {
		reason, err := s.runStage(ctx, stage.name, run, stage.fn)
		if err != nil {
			return MarkResult{}, err
		}
		if reason != "" {
			return run.result.reject(reason), nil
		}
	}

	return s.commit(ctx, run)
}

func (s *attendanceService) runStage(ctx context.Context, name verification.Stage, run *markRun, fn stageFunc) (string, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "attendance.stage."+string(name))
	defer func() {
		observability.StageDuration().WithLabelValues(string(name)).Observe(time.Since(start).Seconds())
		span.End()
	}()

	reason, err := fn(ctx, run)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(name))
	} else if reason != "" {
		span.SetAttributes(attribute.String("attendance.reason", reason))
	}
	return reason, err
}

// checkAttempts raises soft anomalies for retry storms and shared client
// addresses. It never rejects.
func (s *attendanceService) checkAttempts(ctx context.Context, run *markRun) (string, error) {
	if s.deps.Attempts == nil {
		return "", nil
	}

	userID := run.subject.User.ID
	sessionID := run.subject.Session.ID

	count, err := s.deps.Attempts.Track(ctx, userID, sessionID)
	if err != nil {
		s.logger.Warn().Err(err).Uint("user_id", userID).Msg("failed to track attempt")
	} else if count == int64(s.cfg.AttemptLimit)+1 {
		s.emit(ctx, run, verification.StageAttempts, verification.Evidence{Attempts: count}, nil)
	}

	ip := strings.TrimSpace(run.req.ClientIP)
	if ip == "" {
		return "", nil
	}
	other, err := s.deps.Attempts.ClaimIP(ctx, sessionID, userID, ip)
	if err != nil {
		s.logger.Warn().Err(err).Uint("user_id", userID).Msg("failed to correlate client address")
	} else if other != 0 {
		s.emit(ctx, run, verification.StageAttempts, verification.Evidence{ClientIP: ip, OtherUser: other}, nil)
	}

	return "", nil
}

func (s *attendanceService) checkProximity(ctx context.Context, run *markRun) (string, error) {
	scan := run.req.Scan
	if scan == nil {
		scan = s.scanRadio(ctx)
	}

	registered := ""
	if run.subject.User.DeviceAddress != nil {
		registered = *run.subject.User.DeviceAddress
	}

	proximity := verification.VerifyProximity(registered, scan, *s.cfg.RSSIThreshold)
	run.result.RSSI = proximity.RSSI
	run.result.Verified.Proximity = proximity.Verified
	if !proximity.Verified {
		s.emit(ctx, run, verification.StageProximity, verification.Evidence{RSSI: proximity.RSSI}, nil)
		return ReasonBLEFailed, nil
	}
	return "", nil
}

// scanRadio runs one bounded scan. A timeout or gateway failure means no
// devices were observed.
func (s *attendanceService) scanRadio(ctx context.Context) []verification.Observation {
	if s.deps.Scanner == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	type outcome struct {
		observations []verification.Observation
		err          error
	}
	done := make(chan outcome, 1)
	go func() {
		observations, err := s.deps.Scanner.Scan(ctx, s.cfg.ScanDuration)
		done <- outcome{observations: observations, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			observability.BLEScanTimeouts().Inc()
			s.logger.Warn().Err(out.err).Msg("radio scan failed; treating as no devices observed")
			return nil
		}
		return out.observations
	case <-ctx.Done():
		observability.BLEScanTimeouts().Inc()
		s.logger.Warn().Dur("timeout", s.cfg.ScanTimeout).Msg("radio scan timed out; treating as no devices observed")
		return nil
	}
}

func (s *attendanceService) checkFaces(ctx context.Context, run *markRun) (string, error) {
	count, err := s.deps.Analyzer.CountFaces(ctx, run.req.Frame)
	if err != nil {
		return "", internalError("count faces", err)
	}
	run.result.FaceCount = count

	switch verification.ClassifyFaceCount(count) {
	case verification.FaceCountNone:
		s.emit(ctx, run, verification.StageFaceCount, verification.Evidence{FaceCount: count}, nil)
		return ReasonNoFace, nil
	case verification.FaceCountMultiple:
		s.emit(ctx, run, verification.StageFaceCount, verification.Evidence{FaceCount: count}, run.req.Frame)
	}
	return "", nil
}

func (s *attendanceService) checkIdentity(ctx context.Context, run *markRun) (string, error) {
	probe, err := s.deps.Analyzer.ExtractEmbedding(ctx, run.req.Frame)
	if errors.Is(err, verification.ErrNoFace) {
		return ReasonRecognitionError, nil
	}
	if err != nil {
		return "", internalError("extract embedding", err)
	}

	var stored verification.Embedding
	enrolled, err := s.deps.Embeddings.GetByUser(ctx, run.subject.User.ID)
	switch {
	case err == nil:
		stored = verification.Embedding(enrolled.Vector)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return "", internalError("load embedding", err)
	}

	match, err := verification.MatchIdentity(stored, probe, s.cfg.MatchThreshold)
	if err != nil {
		return "", internalError("match identity", err)
	}

	if !math.IsInf(match.Distance, 1) {
		distance := match.Distance
		run.result.Distance = &distance
	}
	run.result.Verified.Identity = match.Matched
	if !match.Matched {
		s.emit(ctx, run, verification.StageIdentity, verification.Evidence{Distance: match.Distance}, run.req.Frame)
		return ReasonLowConfidence, nil
	}
	return "", nil
}

func (s *attendanceService) checkLiveness(ctx context.Context, run *markRun) (string, error) {
	challenge := strings.TrimSpace(run.req.Challenge)
	if challenge == "" || len(run.req.LivenessFrames) == 0 {
		if s.cfg.LivenessMode == LivenessModeMandatory {
			return ReasonLivenessRequired, nil
		}
		run.result.Verified.Liveness = true
		return "", nil
	}

	readings := make([]*verification.Landmarks, 0, len(run.req.LivenessFrames))
	for _, frame := range run.req.LivenessFrames {
		landmarks, err := s.deps.Analyzer.ExtractLandmarks(ctx, frame)
		if errors.Is(err, verification.ErrNoFace) {
			readings = append(readings, nil)
			continue
		}
		if err != nil {
			return "", internalError("extract landmarks", err)
		}
		readings = append(readings, &landmarks)
	}

	outcome := s.liveness.Verify(challenge, readings)
	run.result.Liveness = &outcome
	run.result.Verified.Liveness = outcome.Success
	if !outcome.Success {
		s.emit(ctx, run, verification.StageLiveness, verification.Evidence{
			Challenge:  challenge,
			Confidence: outcome.Confidence,
		}, nil)
		if s.cfg.LivenessMode == LivenessModeMandatory {
			return ReasonLivenessFailed, nil
		}
	}
	return "", nil
}

// commit applies the duplicate guard and persists the record. The keyed lock
// serialises this process; the transaction and unique index cover the rest.
func (s *attendanceService) commit(ctx context.Context, run *markRun) (MarkResult, error) {
	userID := run.subject.User.ID
	sessionID := run.subject.Session.ID

	record := models.AttendanceRecord{
		UserID:           userID,
		SessionID:        sessionID,
		BLERSSI:          run.result.RSSI,
		BLEVerified:      run.result.Verified.Proximity,
		FaceDistance:     run.result.Distance,
		FaceVerified:     run.result.Verified.Identity,
		LivenessVerified: run.result.Verified.Liveness,
		Status:           models.AttendanceStatusPresent,
	}
	if run.result.Liveness != nil {
		confidence := run.result.Liveness.Confidence
		record.LivenessChallenge = strings.TrimSpace(run.req.Challenge)
		record.LivenessConfidence = &confidence
	}

	unlock := s.deps.Locks.Lock(pairKey(userID, sessionID))
	stored, created, err := s.deps.Attendance.CreateUnique(ctx, &record)
	unlock()
	if err != nil {
		return MarkResult{}, internalError("persist attendance", err)
	}

	id := stored.ID
	run.result.RecordID = &id
	if !created {
		return run.result.reject(ReasonAlreadyMarked), nil
	}

	run.result.Success = true
	run.result.Reason = ""
	run.result.Record = &stored

	s.logger.Info().
		Uint("user_id", userID).
		Uint("session_id", sessionID).
		Uint("record_id", stored.ID).
		Msg("attendance recorded")

	return run.result, nil
}

func (s *attendanceService) emit(ctx context.Context, run *markRun, stage verification.Stage, evidence verification.Evidence, frame []byte) {
	anomaly, ok := s.classifier.Classify(stage, evidence)
	if !ok {
		return
	}
	run.result.Anomalies = append(run.result.Anomalies, anomaly)
	if s.deps.Anomalies != nil {
		s.deps.Anomalies.Record(ctx, run.subject, anomaly, frame)
	}
}

// ManualOverride applies a reviewer decision. It returns false when the user
// or session does not exist.
func (s *attendanceService) ManualOverride(ctx context.Context, actor ActivityActor, req dto.AttendanceOverrideRequest) (bool, error) {
	if err := s.validator.Struct(req); err != nil {
		return false, err
	}

	status := strings.ToLower(strings.TrimSpace(req.Status))
	if !models.IsValidAttendanceStatus(status) {
		return false, ErrInvalidStatus
	}

	ctx, span := s.tracer.Start(ctx, "attendance.override", trace.WithAttributes(
		attribute.Int64("attendance.user_id", int64(req.UserID)),
		attribute.Int64("attendance.session_id", int64(req.SessionID)),
		attribute.String("attendance.status", status),
	))
	defer span.End()

	if _, err := authorizeSession(ctx, s.deps.Sessions, actor, req.SessionID); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return false, nil
		}
		return false, err
	}

	if _, err := s.deps.Users.GetByID(ctx, req.UserID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		span.RecordError(err)
		return false, err
	}

	notes := strings.TrimSpace(s.sanitizer.Sanitize(req.Notes))

	unlock := s.deps.Locks.Lock(pairKey(req.UserID, req.SessionID))
	record, err := s.deps.Attendance.Override(ctx, req.UserID, req.SessionID, status, notes)
	unlock()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "override failed")
		return false, err
	}

	if s.deps.Activity != nil {
		entityID := record.ID
		if _, err := s.deps.Activity.Record(ctx, ActivityEntry{
			ActorID:    actor.ID,
			ActorRole:  actor.Role,
			Action:     ActionAttendanceOverride,
			EntityType: EntityAttendance,
			EntityID:   &entityID,
			Metadata: map[string]interface{}{
				"user_id":    req.UserID,
				"session_id": req.SessionID,
				"status":     status,
			},
		}); err != nil {
			s.logger.Warn().Err(err).Uint("record_id", record.ID).Msg("failed to record override activity")
		}
	}

	s.logger.Info().
		Uint("actor_id", actor.ID).
		Uint("user_id", req.UserID).
		Uint("session_id", req.SessionID).
		Str("status", status).
		Msg("attendance overridden")

	return true, nil
}

func (s *attendanceService) History(ctx context.Context, userID uint, limit int) ([]dto.AttendanceRecordResponse, error) {
	records, err := s.deps.Attendance.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	return dto.NewAttendanceRecordResponses(records), nil
}

func (s *attendanceService) SessionAttendance(ctx context.Context, actor ActivityActor, sessionID uint) ([]dto.AttendanceRecordResponse, error) {
	if _, err := authorizeSession(ctx, s.deps.Sessions, actor, sessionID); err != nil {
		return nil, err
	}

	records, err := s.deps.Attendance.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return dto.NewAttendanceRecordResponses(records), nil
}

func internalError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrInternal, op, err)
}
