package dto

import (
	"time"

	"github.com/noah-isme/presence-api/internal/models"
)

// ScanObservation is one device sighting reported by the classroom gateway or client.
type ScanObservation struct {
	Address string `json:"address" validate:"required,max=100"`
	Name    string `json:"name"`
	RSSI    int    `json:"rssi" validate:"lte=0,gte=-127"`
}

// MarkAttendanceRequest is the student-facing verification payload. Frames are
// base64 encoded images, optionally carrying a data URL prefix.
type MarkAttendanceRequest struct {
	SessionID         uint              `json:"session_id" validate:"required"`
	Frame             string            `json:"frame" validate:"required"`
	LivenessFrames    []string          `json:"liveness_frames" validate:"omitempty,max=120"`
	LivenessChallenge string            `json:"liveness_challenge" validate:"omitempty,max=50"`
	BLEScan           []ScanObservation `json:"ble_scan" validate:"omitempty,dive"`
}

// VerifiedFlags reports which evidence channels passed.
type VerifiedFlags struct {
	Proximity bool `json:"proximity"`
	Identity  bool `json:"identity"`
	Liveness  bool `json:"liveness"`
}

// AnomalySummary is an anomaly raised while processing one request.
type AnomalySummary struct {
	Kind        string                 `json:"kind"`
	Severity    string                 `json:"severity"`
	Description string                 `json:"description"`
	Context     map[string]interface{} `json:"context,omitempty"`
}

// LivenessSummary reports the liveness challenge outcome.
type LivenessSummary struct {
	Challenge  string                 `json:"challenge"`
	Success    bool                   `json:"success"`
	Confidence float64                `json:"confidence"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// MarkAttendanceResponse is the structured outcome of a verification attempt.
// Rejections set Success=false with a Reason code.
type MarkAttendanceResponse struct {
	Success      bool                      `json:"success"`
	Reason       string                    `json:"reason,omitempty"`
	RecordID     *uint                     `json:"record_id,omitempty"`
	Record       *AttendanceRecordResponse `json:"record,omitempty"`
	Verified     VerifiedFlags             `json:"verified"`
	RSSI         *int                      `json:"rssi"`
	FaceCount    int                       `json:"face_count"`
	FaceDistance *float64                  `json:"face_distance"`
	Liveness     *LivenessSummary          `json:"liveness,omitempty"`
	Anomalies    []AnomalySummary          `json:"anomalies"`
}

// AttendanceOverrideRequest captures a reviewer decision for a (user, session) pair.
type AttendanceOverrideRequest struct {
	UserID    uint   `json:"user_id" validate:"required"`
	SessionID uint   `json:"session_id" validate:"required"`
	Status    string `json:"status" validate:"required"`
	Notes     string `json:"notes" validate:"omitempty,max=2000"`
}

// AttendanceOverrideResponse reports whether the override was applied.
type AttendanceOverrideResponse struct {
	Overridden bool `json:"overridden"`
}

// AttendanceRecordResponse serializes an attendance record.
type AttendanceRecordResponse struct {
	ID                 uint      `json:"id"`
	UserID             uint      `json:"user_id"`
	SessionID          uint      `json:"session_id"`
	Status             string    `json:"status"`
	BLEVerified        bool      `json:"ble_verified"`
	BLERSSI            *int      `json:"ble_rssi"`
	FaceVerified       bool      `json:"face_verified"`
	FaceDistance       *float64  `json:"face_distance"`
	LivenessVerified   bool      `json:"liveness_verified"`
	LivenessChallenge  string    `json:"liveness_challenge"`
	LivenessConfidence *float64  `json:"liveness_confidence"`
	IsManualOverride   bool      `json:"is_manual_override"`
	Notes              string    `json:"notes"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// NewAttendanceRecordResponse converts a model into a DTO.
func NewAttendanceRecordResponse(record models.AttendanceRecord) AttendanceRecordResponse {
	return AttendanceRecordResponse{
		ID:                 record.ID,
		UserID:             record.UserID,
		SessionID:          record.SessionID,
		Status:             record.Status,
		BLEVerified:        record.BLEVerified,
		BLERSSI:            record.BLERSSI,
		FaceVerified:       record.FaceVerified,
		FaceDistance:       record.FaceDistance,
		LivenessVerified:   record.LivenessVerified,
		LivenessChallenge:  record.LivenessChallenge,
		LivenessConfidence: record.LivenessConfidence,
		IsManualOverride:   record.IsManualOverride,
		Notes:              record.Notes,
		CreatedAt:          record.CreatedAt,
		UpdatedAt:          record.UpdatedAt,
	}
}

// NewAttendanceRecordResponses converts a slice of records.
func NewAttendanceRecordResponses(records []models.AttendanceRecord) []AttendanceRecordResponse {
	responses := make([]AttendanceRecordResponse, 0, len(records))
	for _, record := range records {
		responses = append(responses, NewAttendanceRecordResponse(record))
	}
	return responses
}
