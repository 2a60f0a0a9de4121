package repository

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/presence-api/internal/models"
)

// AnomalyFilter narrows anomaly queries.
type AnomalyFilter struct {
	Page      int
	PageSize  int
	UserID    *uint
	SessionID *uint
	Kind      string
	Resolved  *bool
}

// AnomalyRepository appends and reviews anomaly events. Nothing here deletes them.
type AnomalyRepository interface {
	Create(ctx context.Context, event *models.AnomalyEvent) error
	GetByID(ctx context.Context, id uint) (models.AnomalyEvent, error)
	List(ctx context.Context, filter AnomalyFilter) ([]models.AnomalyEvent, int64, error)
	Resolve(ctx context.Context, id, reviewerID uint, at time.Time) (models.AnomalyEvent, error)
	AttachEvidence(ctx context.Context, id uint, url string) (models.AnomalyEvent, error)
}

type anomalyRepository struct {
	db *gorm.DB
}

// NewAnomalyRepository constructs the anomaly repository.
func NewAnomalyRepository(db *gorm.DB) AnomalyRepository {
	return &anomalyRepository{db: db}
}

func (r *anomalyRepository) Create(ctx context.Context, event *models.AnomalyEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *anomalyRepository) GetByID(ctx context.Context, id uint) (models.AnomalyEvent, error) {
	var event models.AnomalyEvent
	if err := r.db.WithContext(ctx).First(&event, id).Error; err != nil {
		return models.AnomalyEvent{}, err
	}
	return event, nil
}

func (r *anomalyRepository) List(ctx context.Context, filter AnomalyFilter) ([]models.AnomalyEvent, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.AnomalyEvent{})

	if filter.UserID != nil {
		query = query.Where("user_id = ?", *filter.UserID)
	}
	if filter.SessionID != nil {
		query = query.Where("session_id = ?", *filter.SessionID)
	}
	if filter.Kind != "" {
		query = query.Where("kind = ?", filter.Kind)
	}
	if filter.Resolved != nil {
		query = query.Where("resolved = ?", *filter.Resolved)
	}

	var events []models.AnomalyEvent
	total, err := findPage(query, filter.Page, filter.PageSize, &events)
	if err != nil {
		return nil, 0, err
	}

	return events, total, nil
}

// Resolve marks an event reviewed. Resolving twice keeps the first reviewer.
func (r *anomalyRepository) Resolve(ctx context.Context, id, reviewerID uint, at time.Time) (models.AnomalyEvent, error) {
	var event models.AnomalyEvent

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&event, id).Error; err != nil {
			return err
		}
		if event.Resolved {
			return nil
		}

		event.Resolved = true
		event.ResolvedBy = &reviewerID
		event.ResolvedAt = &at
		return tx.Model(&models.AnomalyEvent{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"resolved":    true,
				"resolved_by": reviewerID,
				"resolved_at": at,
			}).Error
	})
	if err != nil {
		return models.AnomalyEvent{}, err
	}

	return event, nil
}

// AttachEvidence adds context.evidence_url to a stored event, keeping the rest
// of its context.
func (r *anomalyRepository) AttachEvidence(ctx context.Context, id uint, url string) (models.AnomalyEvent, error) {
	var event models.AnomalyEvent

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&event, id).Error; err != nil {
			return err
		}

		details := datatypes.JSONMap{}
		for key, value := range event.Context {
			details[key] = value
		}
		details["evidence_url"] = url
		event.Context = details

		return tx.Model(&models.AnomalyEvent{}).Where("id = ?", id).Update("context", details).Error
	})
	if err != nil {
		return models.AnomalyEvent{}, err
	}

	return event, nil
}
