package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/presence-api/internal/models"
)

// SessionRepository reads class sessions. Session CRUD lives outside this service.
type SessionRepository interface {
	GetByID(ctx context.Context, id uint) (models.ClassSession, error)
	GetActive(ctx context.Context, id uint) (models.ClassSession, error)
}

type sessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository constructs the session repository.
func NewSessionRepository(db *gorm.DB) SessionRepository {
	return &sessionRepository{db: db}
}

func (r *sessionRepository) GetByID(ctx context.Context, id uint) (models.ClassSession, error) {
	var session models.ClassSession
	if err := r.db.WithContext(ctx).Preload("Teacher").First(&session, id).Error; err != nil {
		return models.ClassSession{}, err
	}
	return session, nil
}

// GetActive returns gorm.ErrRecordNotFound when the session is missing or inactive.
func (r *sessionRepository) GetActive(ctx context.Context, id uint) (models.ClassSession, error) {
	var session models.ClassSession
	if err := r.db.WithContext(ctx).
		Preload("Teacher").
		Where("is_active = ?", true).
		First(&session, id).Error; err != nil {
		return models.ClassSession{}, err
	}
	return session, nil
}
