package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/presence-api/internal/models"
)

// UserRepository reads enrolled users and their registered device.
type UserRepository interface {
	GetByID(ctx context.Context, id uint) (models.User, error)
	UpdateDevice(ctx context.Context, id uint, address *string) error
}

type userRepository struct {
	db *gorm.DB
}

// NewUserRepository constructs a user repository.
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) GetByID(ctx context.Context, id uint) (models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (r *userRepository) UpdateDevice(ctx context.Context, id uint, address *string) error {
	result := r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", id).
		Update("device_address", address)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
