package service

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/noah-isme/presence-api/internal/models"
	"github.com/noah-isme/presence-api/internal/repository"
)

// authorizeSession loads a session and checks the actor may review it.
// Admins review every session; teachers only their own.
func authorizeSession(ctx context.Context, sessions repository.SessionRepository, actor ActivityActor, sessionID uint) (models.ClassSession, error) {
	session, err := sessions.GetByID(ctx, sessionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ClassSession{}, ErrSessionNotFound
	}
	if err != nil {
		return models.ClassSession{}, err
	}

	if !canReview(actor, session) {
		return models.ClassSession{}, ErrNotSessionOwner
	}
	return session, nil
}

func canReview(actor ActivityActor, session models.ClassSession) bool {
	switch normalizeRole(actor.Role) {
	case models.RoleAdmin:
		return true
	case models.RoleTeacher:
		return session.TeacherID == actor.ID
	default:
		return false
	}
}
