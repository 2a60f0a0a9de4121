package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/presence-api/internal/models"
)

const defaultHistoryLimit = 50

// AttendanceRepository persists attendance records. At most one record exists
// per (user, session); the composite unique index is the final arbiter.
type AttendanceRepository interface {
	Find(ctx context.Context, userID, sessionID uint) (models.AttendanceRecord, error)
	CreateUnique(ctx context.Context, record *models.AttendanceRecord) (models.AttendanceRecord, bool, error)
	Override(ctx context.Context, userID, sessionID uint, status, notes string) (models.AttendanceRecord, error)
	ListBySession(ctx context.Context, sessionID uint) ([]models.AttendanceRecord, error)
	ListByUser(ctx context.Context, userID uint, limit int) ([]models.AttendanceRecord, error)
}

type attendanceRepository struct {
	db *gorm.DB
}

// NewAttendanceRepository constructs the attendance repository.
func NewAttendanceRepository(db *gorm.DB) AttendanceRepository {
	return &attendanceRepository{db: db}
}

func (r *attendanceRepository) Find(ctx context.Context, userID, sessionID uint) (models.AttendanceRecord, error) {
	var record models.AttendanceRecord
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("session_id = ?", sessionID).
		First(&record).Error; err != nil {
		return models.AttendanceRecord{}, err
	}
	return record, nil
}

// CreateUnique inserts record unless one already exists for its pair. It
// returns the stored record and whether this call created it.
func (r *attendanceRepository) CreateUnique(ctx context.Context, record *models.AttendanceRecord) (models.AttendanceRecord, bool, error) {
	var stored models.AttendanceRecord
	created := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("user_id = ?", record.UserID).
			Where("session_id = ?", record.SessionID).
			First(&stored).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if err := tx.Omit(clause.Associations).Create(record).Error; err != nil {
			return err
		}
		stored = *record
		created = true
		return nil
	})

	if IsUniqueViolation(err) {
		existing, findErr := r.Find(ctx, record.UserID, record.SessionID)
		if findErr != nil {
			return models.AttendanceRecord{}, false, findErr
		}
		return existing, false, nil
	}
	if err != nil {
		return models.AttendanceRecord{}, false, err
	}

	return stored, created, nil
}

// Override locates or creates the pair's record and applies a reviewer
// decision. Verification flags are left untouched.
func (r *attendanceRepository) Override(ctx context.Context, userID, sessionID uint, status, notes string) (models.AttendanceRecord, error) {
	record, err := r.override(ctx, userID, sessionID, status, notes)
	if IsUniqueViolation(err) {
		// Lost a create race; the row exists now, so the second pass updates it.
		return r.override(ctx, userID, sessionID, status, notes)
	}
	return record, err
}

func (r *attendanceRepository) override(ctx context.Context, userID, sessionID uint, status, notes string) (models.AttendanceRecord, error) {
	var record models.AttendanceRecord

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("user_id = ?", userID).
			Where("session_id = ?", sessionID).
			First(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			record = models.AttendanceRecord{
				UserID:           userID,
				SessionID:        sessionID,
				Status:           status,
				Notes:            notes,
				IsManualOverride: true,
			}
			return tx.Omit(clause.Associations).Create(&record).Error
		}
		if err != nil {
			return err
		}
		if record.IsManualOverride && record.Status == status && record.Notes == notes {
			return nil
		}

		if err := tx.Model(&models.AttendanceRecord{}).
			Where("id = ?", record.ID).
			Updates(map[string]interface{}{
				"status":             status,
				"notes":              notes,
				"is_manual_override": true,
			}).Error; err != nil {
			return err
		}

		record.Status = status
		record.Notes = notes
		record.IsManualOverride = true
		return nil
	})
	if err != nil {
		return models.AttendanceRecord{}, err
	}

	return record, nil
}

func (r *attendanceRepository) ListBySession(ctx context.Context, sessionID uint) ([]models.AttendanceRecord, error) {
	var records []models.AttendanceRecord
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (r *attendanceRepository) ListByUser(ctx context.Context, userID uint, limit int) ([]models.AttendanceRecord, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	var records []models.AttendanceRecord
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
