package service

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/presence-api/internal/dto"
	"github.com/noah-isme/presence-api/internal/models"
	"github.com/noah-isme/presence-api/internal/repository"
	"github.com/noah-isme/presence-api/internal/verification"
)

type memoryAnomalies struct {
	mu      sync.Mutex
	events  []models.AnomalyEvent
	failErr error
}

func (m *memoryAnomalies) Create(ctx context.Context, event *models.AnomalyEvent) error {
	if m.failErr != nil {
		return m.failErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	event.ID = uint(len(m.events) + 1)
	event.CreatedAt = time.Now()
	m.events = append(m.events, *event)
	return nil
}

func (m *memoryAnomalies) GetByID(ctx context.Context, id uint) (models.AnomalyEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, event := range m.events {
		if event.ID == id {
			return event, nil
		}
	}
	return models.AnomalyEvent{}, gorm.ErrRecordNotFound
}

func (m *memoryAnomalies) List(ctx context.Context, filter repository.AnomalyFilter) ([]models.AnomalyEvent, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AnomalyEvent
	for _, event := range m.events {
		if filter.SessionID != nil && (event.SessionID == nil || *event.SessionID != *filter.SessionID) {
			continue
		}
		if filter.Kind != "" && event.Kind != filter.Kind {
			continue
		}
		if filter.Resolved != nil && event.Resolved != *filter.Resolved {
			continue
		}
		out = append(out, event)
	}
	return out, int64(len(out)), nil
}

func (m *memoryAnomalies) Resolve(ctx context.Context, id, reviewerID uint, at time.Time) (models.AnomalyEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.events {
		if m.events[i].ID != id {
			continue
		}
		if !m.events[i].Resolved {
			m.events[i].Resolved = true
			m.events[i].ResolvedBy = &reviewerID
			m.events[i].ResolvedAt = &at
		}
		return m.events[i], nil
	}
	return models.AnomalyEvent{}, gorm.ErrRecordNotFound
}

func (m *memoryAnomalies) AttachEvidence(ctx context.Context, id uint, url string) (models.AnomalyEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.events {
		if m.events[i].ID != id {
			continue
		}
		details := datatypes.JSONMap{}
		for key, value := range m.events[i].Context {
			details[key] = value
		}
		details["evidence_url"] = url
		m.events[i].Context = details
		return m.events[i], nil
	}
	return models.AnomalyEvent{}, gorm.ErrRecordNotFound
}

type stubUploader struct {
	calls int
	names []string
	err   error
	block bool
}

func (u *stubUploader) UploadEvidence(ctx context.Context, name string, frame []byte) (string, error) {
	u.calls++
	if u.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if u.err != nil {
		return "", u.err
	}
	u.names = append(u.names, name)
	return "https://evidence.test/" + name, nil
}

type recordingNotifier struct {
	notices []AnomalyNotice
}

func (n *recordingNotifier) Notify(ctx context.Context, notice AnomalyNotice) error {
	n.notices = append(n.notices, notice)
	return nil
}

type anomalyFixture struct {
	svc      AnomalyService
	repo     *memoryAnomalies
	uploader *stubUploader
	notifier *recordingNotifier
	activity *memoryActivityRepo
	subject  AnomalySubject
}

func newAnomalyFixture(t *testing.T) *anomalyFixture {
	t.Helper()

	teacher := models.User{ID: teacherID, Name: "Grace", Email: "grace@campus.test", Role: models.RoleTeacher}
	session := models.ClassSession{ID: activeSession, CourseCode: "CS101", TeacherID: teacherID, Teacher: teacher, IsActive: true}
	sessions := &memorySessions{sessions: map[uint]models.ClassSession{activeSession: session}}

	f := &anomalyFixture{
		repo:     &memoryAnomalies{},
		uploader: &stubUploader{},
		notifier: &recordingNotifier{},
		activity: &memoryActivityRepo{},
		subject: AnomalySubject{
			User:    models.User{ID: studentID, Name: "Ada", RollNumber: "CS-10", Role: models.RoleStudent},
			Session: session,
		},
	}
	f.svc = NewAnomalyService(f.repo, sessions, f.uploader, NewActivityService(f.activity, testLogger()), testLogger(), f.notifier)
	return f
}

func TestAnomalyRecordPersistsAndNotifies(t *testing.T) {
	f := newAnomalyFixture(t)
	classifier := verification.NewAnomalyClassifier(nil)
	anomaly, _ := classifier.Classify(verification.StageFaceCount, verification.Evidence{FaceCount: 2})

	f.svc.Record(context.Background(), f.subject, anomaly, []byte("frame"))

	require.Len(t, f.repo.events, 1)
	stored := f.repo.events[0]
	require.Equal(t, string(verification.AnomalyMultiFace), stored.Kind)
	require.Equal(t, studentID, *stored.UserID)
	require.Equal(t, activeSession, *stored.SessionID)
	require.Equal(t, "https://evidence.test/multi_face-u10-s100-a1", stored.Context["evidence_url"])

	require.Len(t, f.notifier.notices, 1)
	require.Equal(t, stored.ID, f.notifier.notices[0].Event.ID)
	require.Equal(t, stored.Context["evidence_url"], f.notifier.notices[0].Event.Context["evidence_url"])
	require.Equal(t, "grace@campus.test", f.notifier.notices[0].Session.Teacher.Email)
}

func TestAnomalyRecordSkipsEvidenceForOtherKinds(t *testing.T) {
	f := newAnomalyFixture(t)
	classifier := verification.NewAnomalyClassifier(nil)
	anomaly, _ := classifier.Classify(verification.StageProximity, verification.Evidence{})

	f.svc.Record(context.Background(), f.subject, anomaly, []byte("frame"))

	require.Empty(t, f.uploader.names)
	require.NotContains(t, f.repo.events[0].Context, "evidence_url")
}

func TestAnomalyRecordInfiniteDistanceIsStorable(t *testing.T) {
	f := newAnomalyFixture(t)
	anomaly := verification.Anomaly{
		Kind:        verification.AnomalyLowConfidence,
		Severity:    verification.SeverityMedium,
		Description: "Distance: N/A (no enrolled face)",
		Context:     map[string]interface{}{"distance": math.Inf(1)},
	}

	f.svc.Record(context.Background(), f.subject, anomaly, nil)
	require.Equal(t, "N/A", f.repo.events[0].Context["distance"])
}

func TestAnomalyRecordSwallowsFailures(t *testing.T) {
	f := newAnomalyFixture(t)
	f.repo.failErr = errToolFailure
	f.uploader.err = errToolFailure
	classifier := verification.NewAnomalyClassifier(nil)
	anomaly, _ := classifier.Classify(verification.StageIdentity, verification.Evidence{Distance: 0.9})

	require.NotPanics(t, func() {
		f.svc.Record(context.Background(), f.subject, anomaly, []byte("frame"))
	})
	require.Empty(t, f.notifier.notices, "unpersisted anomalies are not fanned out")
}

func TestAnomalyRecordUploadsOnlyAfterPersisting(t *testing.T) {
	f := newAnomalyFixture(t)
	f.repo.failErr = errToolFailure
	classifier := verification.NewAnomalyClassifier(nil)
	anomaly, _ := classifier.Classify(verification.StageFaceCount, verification.Evidence{FaceCount: 3})

	f.svc.Record(context.Background(), f.subject, anomaly, []byte("frame"))

	require.Zero(t, f.uploader.calls, "no evidence is uploaded for an event that was not stored")
	require.Empty(t, f.repo.events)
	require.Empty(t, f.notifier.notices)
}

func TestAnomalyRecordBoundsSlowUpload(t *testing.T) {
	f := newAnomalyFixture(t)
	f.uploader.block = true
	f.svc.(*anomalyService).uploadTimeout = 50 * time.Millisecond
	classifier := verification.NewAnomalyClassifier(nil)
	anomaly, _ := classifier.Classify(verification.StageFaceCount, verification.Evidence{FaceCount: 2})

	start := time.Now()
	f.svc.Record(context.Background(), f.subject, anomaly, []byte("frame"))
	require.Less(t, time.Since(start), time.Second)

	require.Equal(t, 1, f.uploader.calls)
	require.Len(t, f.repo.events, 1)
	require.NotContains(t, f.repo.events[0].Context, "evidence_url")
	require.Len(t, f.notifier.notices, 1, "a failed upload still fans out the stored event")
}

func TestAnomalyListAndResolve(t *testing.T) {
	f := newAnomalyFixture(t)
	classifier := verification.NewAnomalyClassifier(nil)
	for _, stage := range []verification.Stage{verification.StageProximity, verification.StageLiveness} {
		anomaly, _ := classifier.Classify(stage, verification.Evidence{Challenge: "blink"})
		f.svc.Record(context.Background(), f.subject, anomaly, nil)
	}

	teacher := ActivityActor{ID: teacherID, Role: models.RoleTeacher}
	list, err := f.svc.ListBySession(context.Background(), teacher, activeSession, dto.AnomalyListRequest{Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.Len(t, list.Items, 2)
	require.EqualValues(t, 2, list.Pagination.TotalItems)

	_, err = f.svc.ListBySession(context.Background(), ActivityActor{ID: otherTeacherID, Role: models.RoleTeacher}, activeSession, dto.AnomalyListRequest{})
	require.ErrorIs(t, err, ErrNotSessionOwner)

	_, err = f.svc.Resolve(context.Background(), ActivityActor{ID: otherTeacherID, Role: models.RoleTeacher}, 1)
	require.ErrorIs(t, err, ErrNotSessionOwner)

	resolved, err := f.svc.Resolve(context.Background(), teacher, 1)
	require.NoError(t, err)
	require.True(t, resolved.Resolved)
	require.Equal(t, teacherID, *resolved.ResolvedBy)

	again, err := f.svc.Resolve(context.Background(), ActivityActor{ID: adminID, Role: models.RoleAdmin}, 1)
	require.NoError(t, err)
	require.Equal(t, teacherID, *again.ResolvedBy, "the first reviewer is kept")

	_, err = f.svc.Resolve(context.Background(), teacher, 99)
	require.ErrorIs(t, err, ErrAnomalyNotFound)

	resolvedOnly := true
	list, err = f.svc.ListBySession(context.Background(), teacher, activeSession, dto.AnomalyListRequest{Resolved: &resolvedOnly})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)

	require.Equal(t, []string{"anomaly.resolve", "anomaly.resolve"}, f.activity.actions())
}
