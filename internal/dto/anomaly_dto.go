package dto

import (
	"time"

	"github.com/noah-isme/presence-api/internal/models"
)

// AnomalyListRequest defines filters for a session's anomaly feed.
type AnomalyListRequest struct {
	Page     int
	PageSize int
	Kind     string
	Resolved *bool
}

// AnomalyResponse serializes an anomaly event.
type AnomalyResponse struct {
	ID          uint                   `json:"id"`
	UserID      *uint                  `json:"user_id"`
	SessionID   *uint                  `json:"session_id"`
	Kind        string                 `json:"kind"`
	Severity    string                 `json:"severity"`
	Description string                 `json:"description"`
	Context     map[string]interface{} `json:"context"`
	Resolved    bool                   `json:"resolved"`
	ResolvedBy  *uint                  `json:"resolved_by"`
	ResolvedAt  *time.Time             `json:"resolved_at"`
	CreatedAt   time.Time              `json:"created_at"`
}

// AnomalyListResponse wraps a paginated anomaly list.
type AnomalyListResponse struct {
	Items      []AnomalyResponse `json:"items"`
	Pagination PaginationMeta    `json:"pagination"`
}

// AnomalyEventMessage is the payload fanned out over redis and NATS.
type AnomalyEventMessage struct {
	Source     string          `json:"source"`
	Anomaly    AnomalyResponse `json:"anomaly"`
	CourseCode string          `json:"course_code"`
	TeacherID  uint            `json:"teacher_id"`
	SentAt     time.Time       `json:"sent_at"`
}

// NewAnomalyResponse converts a model into a DTO.
func NewAnomalyResponse(event models.AnomalyEvent) AnomalyResponse {
	return AnomalyResponse{
		ID:          event.ID,
		UserID:      event.UserID,
		SessionID:   event.SessionID,
		Kind:        event.Kind,
		Severity:    event.Severity,
		Description: event.Description,
		Context:     metadataFromJSON(event.Context),
		Resolved:    event.Resolved,
		ResolvedBy:  event.ResolvedBy,
		ResolvedAt:  event.ResolvedAt,
		CreatedAt:   event.CreatedAt,
	}
}
