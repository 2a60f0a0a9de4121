package dto

import "time"

// FaceEnrollmentRequest carries the base64 frames captured during enrollment.
type FaceEnrollmentRequest struct {
	Frames []string `json:"frames" validate:"required,min=1,max=60"`
}

// FaceEnrollmentResponse reports how many frames produced a usable embedding.
type FaceEnrollmentResponse struct {
	UserID         uint      `json:"user_id"`
	FramesReceived int       `json:"frames_received"`
	FramesUsed     int       `json:"frames_used"`
	Dimensions     int       `json:"dimensions"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DeviceRegistrationRequest binds a radio address to the caller.
type DeviceRegistrationRequest struct {
	Address string `json:"address" validate:"required,max=100"`
}

// DeviceRegistrationResponse echoes the normalised address.
type DeviceRegistrationResponse struct {
	UserID  uint   `json:"user_id"`
	Address string `json:"address"`
}
