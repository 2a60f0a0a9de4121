package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/presence-api/internal/models"
)

// FaceEmbeddingRepository stores one embedding per user; the latest write wins.
type FaceEmbeddingRepository interface {
	GetByUser(ctx context.Context, userID uint) (models.FaceEmbedding, error)
	Upsert(ctx context.Context, embedding *models.FaceEmbedding) error
}

type faceEmbeddingRepository struct {
	db *gorm.DB
}

// NewFaceEmbeddingRepository constructs the embedding repository.
func NewFaceEmbeddingRepository(db *gorm.DB) FaceEmbeddingRepository {
	return &faceEmbeddingRepository{db: db}
}

func (r *faceEmbeddingRepository) GetByUser(ctx context.Context, userID uint) (models.FaceEmbedding, error) {
	var embedding models.FaceEmbedding
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&embedding).Error; err != nil {
		return models.FaceEmbedding{}, err
	}
	return embedding, nil
}

func (r *faceEmbeddingRepository) Upsert(ctx context.Context, embedding *models.FaceEmbedding) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"vector", "frames", "updated_at"}),
	}).Create(embedding).Error
}
