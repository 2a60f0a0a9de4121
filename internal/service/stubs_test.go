package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/presence-api/internal/models"
	"github.com/noah-isme/presence-api/internal/repository"
	"github.com/noah-isme/presence-api/internal/verification"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func testValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

type memorySessions struct {
	sessions map[uint]models.ClassSession
}

func (m *memorySessions) GetByID(ctx context.Context, id uint) (models.ClassSession, error) {
	session, ok := m.sessions[id]
	if !ok {
		return models.ClassSession{}, gorm.ErrRecordNotFound
	}
	return session, nil
}

func (m *memorySessions) GetActive(ctx context.Context, id uint) (models.ClassSession, error) {
	session, err := m.GetByID(ctx, id)
	if err != nil || !session.IsActive {
		return models.ClassSession{}, gorm.ErrRecordNotFound
	}
	return session, nil
}

type memoryUsers struct {
	mu    sync.Mutex
	users map[uint]models.User
}

func (m *memoryUsers) GetByID(ctx context.Context, id uint) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return models.User{}, gorm.ErrRecordNotFound
	}
	return user, nil
}

func (m *memoryUsers) UpdateDevice(ctx context.Context, id uint, address *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	user.DeviceAddress = address
	m.users[id] = user
	return nil
}

type memoryEmbeddings struct {
	mu      sync.Mutex
	vectors map[uint]models.FaceEmbedding
}

func (m *memoryEmbeddings) GetByUser(ctx context.Context, userID uint) (models.FaceEmbedding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	embedding, ok := m.vectors[userID]
	if !ok {
		return models.FaceEmbedding{}, gorm.ErrRecordNotFound
	}
	return embedding, nil
}

func (m *memoryEmbeddings) Upsert(ctx context.Context, embedding *models.FaceEmbedding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.vectors == nil {
		m.vectors = map[uint]models.FaceEmbedding{}
	}
	embedding.UpdatedAt = time.Now()
	m.vectors[embedding.UserID] = *embedding
	return nil
}

// memoryAttendance deliberately performs an unguarded check-then-create so
// tests exercise the orchestrator's own serialisation.
type memoryAttendance struct {
	mu      sync.Mutex
	records []models.AttendanceRecord
	failErr error
}

func (m *memoryAttendance) find(userID, sessionID uint) (models.AttendanceRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, record := range m.records {
		if record.UserID == userID && record.SessionID == sessionID {
			return record, true
		}
	}
	return models.AttendanceRecord{}, false
}

func (m *memoryAttendance) Find(ctx context.Context, userID, sessionID uint) (models.AttendanceRecord, error) {
	record, ok := m.find(userID, sessionID)
	if !ok {
		return models.AttendanceRecord{}, gorm.ErrRecordNotFound
	}
	return record, nil
}

func (m *memoryAttendance) CreateUnique(ctx context.Context, record *models.AttendanceRecord) (models.AttendanceRecord, bool, error) {
	if m.failErr != nil {
		return models.AttendanceRecord{}, false, m.failErr
	}
	if existing, ok := m.find(record.UserID, record.SessionID); ok {
		return existing, false, nil
	}
	time.Sleep(time.Millisecond)

	m.mu.Lock()
	defer m.mu.Unlock()
	record.ID = uint(len(m.records) + 1)
	record.CreatedAt = time.Now()
	m.records = append(m.records, *record)
	return *record, true, nil
}

func (m *memoryAttendance) Override(ctx context.Context, userID, sessionID uint, status, notes string) (models.AttendanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, record := range m.records {
		if record.UserID == userID && record.SessionID == sessionID {
			m.records[i].Status = status
			m.records[i].Notes = notes
			m.records[i].IsManualOverride = true
			return m.records[i], nil
		}
	}
	record := models.AttendanceRecord{
		ID:               uint(len(m.records) + 1),
		UserID:           userID,
		SessionID:        sessionID,
		Status:           status,
		Notes:            notes,
		IsManualOverride: true,
	}
	m.records = append(m.records, record)
	return record, nil
}

func (m *memoryAttendance) ListBySession(ctx context.Context, sessionID uint) ([]models.AttendanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AttendanceRecord
	for _, record := range m.records {
		if record.SessionID == sessionID {
			out = append(out, record)
		}
	}
	return out, nil
}

func (m *memoryAttendance) ListByUser(ctx context.Context, userID uint, limit int) ([]models.AttendanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AttendanceRecord
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].UserID == userID {
			out = append(out, m.records[i])
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryAttendance) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

var _ repository.AttendanceRepository = (*memoryAttendance)(nil)

// stubAnalyzer answers per frame content. Unknown frames contain one face
// with the default embedding.
type stubAnalyzer struct {
	faces      map[string]int
	embeddings map[string]verification.Embedding
	landmarks  map[string]*verification.Landmarks
	defaultEmb verification.Embedding
	failWith   error
}

func (a *stubAnalyzer) ExtractEmbedding(ctx context.Context, frame []byte) (verification.Embedding, error) {
	if a.failWith != nil {
		return nil, a.failWith
	}
	if n, ok := a.faces[string(frame)]; ok && n == 0 {
		return nil, verification.ErrNoFace
	}
	if embedding, ok := a.embeddings[string(frame)]; ok {
		return embedding, nil
	}
	return a.defaultEmb, nil
}

func (a *stubAnalyzer) CountFaces(ctx context.Context, frame []byte) (int, error) {
	if n, ok := a.faces[string(frame)]; ok {
		return n, nil
	}
	return 1, nil
}

func (a *stubAnalyzer) ExtractLandmarks(ctx context.Context, frame []byte) (verification.Landmarks, error) {
	landmarks, ok := a.landmarks[string(frame)]
	if !ok || landmarks == nil {
		return verification.Landmarks{}, verification.ErrNoFace
	}
	return *landmarks, nil
}

type stubScanner struct {
	observations []verification.Observation
	delay        time.Duration
	err          error
	calls        int
	mu           sync.Mutex
}

func (s *stubScanner) Scan(ctx context.Context, duration time.Duration) ([]verification.Observation, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.observations, s.err
}

type recordedAnomaly struct {
	subject AnomalySubject
	anomaly verification.Anomaly
	frame   []byte
}

type recordingAnomalies struct {
	mu     sync.Mutex
	events []recordedAnomaly
}

func (r *recordingAnomalies) Record(ctx context.Context, subject AnomalySubject, anomaly verification.Anomaly, frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedAnomaly{subject: subject, anomaly: anomaly, frame: frame})
}

func (r *recordingAnomalies) kinds() []verification.AnomalyKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]verification.AnomalyKind, 0, len(r.events))
	for _, event := range r.events {
		kinds = append(kinds, event.anomaly.Kind)
	}
	return kinds
}

var errToolFailure = errors.New("decoder exploded")

func eyeContour(height float64, dx float64) []verification.Point {
	return []verification.Point{
		{X: dx, Y: 0},
		{X: dx + 3, Y: -height / 2},
		{X: dx + 7, Y: -height / 2},
		{X: dx + 10, Y: 0},
		{X: dx + 7, Y: height / 2},
		{X: dx + 3, Y: height / 2},
	}
}

func faceLandmarks(eyeHeight, noseOffset float64) *verification.Landmarks {
	return &verification.Landmarks{
		LeftEye:  eyeContour(eyeHeight, 80),
		RightEye: eyeContour(eyeHeight, 110),
		NoseTip:  verification.Point{X: 100 + noseOffset, Y: 30},
		Chin:     verification.Point{X: 100 + noseOffset, Y: 80},
	}
}
