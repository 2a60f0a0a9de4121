package models

import (
	"time"

	"gorm.io/datatypes"
)

// FaceEmbedding stores the latest enrolled face descriptor for a user.
type FaceEmbedding struct {
	ID        uint                         `gorm:"primaryKey" json:"id"`
	UserID    uint                         `gorm:"uniqueIndex;not null" json:"user_id"`
	Vector    datatypes.JSONSlice[float64] `gorm:"type:json;not null" json:"-"`
	Frames    int                          `gorm:"not null;default:0" json:"frames"`
	CreatedAt time.Time                    `json:"created_at"`
	UpdatedAt time.Time                    `json:"updated_at"`
}
