package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/presence-api/internal/dto"
	"github.com/noah-isme/presence-api/internal/models"
	"github.com/noah-isme/presence-api/internal/repository"
	"github.com/noah-isme/presence-api/internal/verification"
)

// EnrollmentConfig sets the minimum evidence for a face enrollment.
type EnrollmentConfig struct {
	MinFrames     int
	MinEmbeddings int
}

// EnrollmentService registers a student's face and radio device.
type EnrollmentService interface {
	EnrollFace(ctx context.Context, userID uint, frames [][]byte) (dto.FaceEnrollmentResponse, error)
	RegisterDevice(ctx context.Context, userID uint, req dto.DeviceRegistrationRequest) (dto.DeviceRegistrationResponse, error)
}

type enrollmentService struct {
	users      repository.UserRepository
	embeddings repository.FaceEmbeddingRepository
	analyzer   FaceAnalyzer
	validator  *validator.Validate
	logger     zerolog.Logger
	cfg        EnrollmentConfig
}

// NewEnrollmentService constructs the enrollment service.
func NewEnrollmentService(users repository.UserRepository, embeddings repository.FaceEmbeddingRepository, analyzer FaceAnalyzer, validate *validator.Validate, logger zerolog.Logger, cfg EnrollmentConfig) EnrollmentService {
	if cfg.MinFrames <= 0 {
		cfg.MinFrames = 10
	}
	if cfg.MinEmbeddings <= 0 {
		cfg.MinEmbeddings = 5
	}

	return &enrollmentService{
		users:      users,
		embeddings: embeddings,
		analyzer:   analyzer,
		validator:  validate,
		logger:     logger.With().Str("component", "enrollment_service").Logger(),
		cfg:        cfg,
	}
}

// EnrollFace averages the embeddings of every frame that contains a face and
// replaces the user's stored embedding.
func (s *enrollmentService) EnrollFace(ctx context.Context, userID uint, frames [][]byte) (dto.FaceEnrollmentResponse, error) {
	if len(frames) < s.cfg.MinFrames {
		return dto.FaceEnrollmentResponse{}, fmt.Errorf("%w: got %d, need %d", ErrInsufficientFrames, len(frames), s.cfg.MinFrames)
	}

	if _, err := s.users.GetByID(ctx, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.FaceEnrollmentResponse{}, ErrUserNotFound
		}
		return dto.FaceEnrollmentResponse{}, err
	}

	embeddings := make([]verification.Embedding, 0, len(frames))
	for _, frame := range frames {
		embedding, err := s.analyzer.ExtractEmbedding(ctx, frame)
		if errors.Is(err, verification.ErrNoFace) {
			continue
		}
		if err != nil {
			return dto.FaceEnrollmentResponse{}, internalError("extract embedding", err)
		}
		embeddings = append(embeddings, embedding)
	}

	if len(embeddings) < s.cfg.MinEmbeddings {
		return dto.FaceEnrollmentResponse{}, fmt.Errorf("%w: got %d, need %d", ErrInsufficientEmbeddings, len(embeddings), s.cfg.MinEmbeddings)
	}

	mean, err := verification.MeanEmbedding(embeddings)
	if err != nil {
		return dto.FaceEnrollmentResponse{}, internalError("average embeddings", err)
	}

	model := models.FaceEmbedding{
		UserID: userID,
		Vector: datatypes.JSONSlice[float64](mean),
		Frames: len(embeddings),
	}
	if err := s.embeddings.Upsert(ctx, &model); err != nil {
		s.logger.Error().Err(err).Uint("user_id", userID).Msg("failed to store face embedding")
		return dto.FaceEnrollmentResponse{}, err
	}

	s.logger.Info().
		Uint("user_id", userID).
		Int("frames", len(frames)).
		Int("embeddings", len(embeddings)).
		Msg("face enrolled")

	return dto.FaceEnrollmentResponse{
		UserID:         userID,
		FramesReceived: len(frames),
		FramesUsed:     len(embeddings),
		Dimensions:     len(mean),
		UpdatedAt:      model.UpdatedAt,
	}, nil
}

func (s *enrollmentService) RegisterDevice(ctx context.Context, userID uint, req dto.DeviceRegistrationRequest) (dto.DeviceRegistrationResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.DeviceRegistrationResponse{}, err
	}

	address := verification.NormalizeAddress(req.Address)
	if address == "" {
		return dto.DeviceRegistrationResponse{}, ErrInvalidDeviceAddress
	}

	if err := s.users.UpdateDevice(ctx, userID, &address); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.DeviceRegistrationResponse{}, ErrUserNotFound
		}
		return dto.DeviceRegistrationResponse{}, err
	}

	s.logger.Info().Uint("user_id", userID).Str("address", address).Msg("device registered")

	return dto.DeviceRegistrationResponse{UserID: userID, Address: address}, nil
}
