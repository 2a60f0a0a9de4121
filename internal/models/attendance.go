package models

import "time"

const (
	// AttendanceStatusPresent marks a verified or confirmed attendance.
	AttendanceStatusPresent = "present"
	// AttendanceStatusAbsent marks a reviewer-confirmed absence.
	AttendanceStatusAbsent = "absent"
	// AttendanceStatusProxySuspected marks evidence of someone else attending.
	AttendanceStatusProxySuspected = "proxy_suspected"
)

// AttendanceRecord is the single attendance outcome for a (user, session) pair.
type AttendanceRecord struct {
	ID                 uint         `gorm:"primaryKey" json:"id"`
	UserID             uint         `gorm:"not null;uniqueIndex:idx_attendance_user_session" json:"user_id"`
	SessionID          uint         `gorm:"not null;uniqueIndex:idx_attendance_user_session;index" json:"session_id"`
	BLERSSI            *int         `json:"ble_rssi"`
	BLEVerified        bool         `gorm:"not null;default:false" json:"ble_verified"`
	FaceDistance       *float64     `json:"face_distance"`
	FaceVerified       bool         `gorm:"not null;default:false" json:"face_verified"`
	LivenessVerified   bool         `gorm:"not null;default:false" json:"liveness_verified"`
	LivenessChallenge  string       `gorm:"size:100" json:"liveness_challenge"`
	LivenessConfidence *float64     `json:"liveness_confidence"`
	Status             string       `gorm:"size:20;not null;default:present" json:"status"`
	IsManualOverride   bool         `gorm:"not null;default:false" json:"is_manual_override"`
	Notes              string       `gorm:"type:text" json:"notes"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
	User               User         `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
	Session            ClassSession `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
}

// IsValidAttendanceStatus reports whether status is one of the known values.
func IsValidAttendanceStatus(status string) bool {
	switch status {
	case AttendanceStatusPresent, AttendanceStatusAbsent, AttendanceStatusProxySuspected:
		return true
	default:
		return false
	}
}
