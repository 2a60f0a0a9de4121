package models

import (
	"time"

	"gorm.io/datatypes"
)

// AnomalyEvent is an append-only audit entry for a suspicious verification
// condition. Only a reviewer flips Resolved.
type AnomalyEvent struct {
	ID          uint              `gorm:"primaryKey" json:"id"`
	UserID      *uint             `gorm:"index" json:"user_id"`
	SessionID   *uint             `gorm:"index" json:"session_id"`
	Kind        string            `gorm:"size:50;not null;index" json:"kind"`
	Severity    string            `gorm:"size:20;not null;default:medium" json:"severity"`
	Description string            `gorm:"type:text" json:"description"`
	Context     datatypes.JSONMap `gorm:"type:json" json:"context"`
	Resolved    bool              `gorm:"not null;default:false" json:"resolved"`
	ResolvedBy  *uint             `json:"resolved_by"`
	ResolvedAt  *time.Time        `json:"resolved_at"`
	CreatedAt   time.Time         `json:"created_at"`
}
