package handler_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/presence-api/internal/config"
	"github.com/noah-isme/presence-api/internal/database"
	"github.com/noah-isme/presence-api/internal/handler"
	"github.com/noah-isme/presence-api/internal/middleware"
	"github.com/noah-isme/presence-api/internal/models"
	"github.com/noah-isme/presence-api/internal/repository"
	"github.com/noah-isme/presence-api/internal/router"
	"github.com/noah-isme/presence-api/internal/service"
	"github.com/noah-isme/presence-api/internal/verification"
)

const pngSignature = "\x89PNG\r\n\x1a\n"

// imageFrame builds a payload that sniffs as a PNG; the tag after the
// signature tells the fake analyzer what the "camera" saw.
func imageFrame(tag string) string {
	return base64.StdEncoding.EncodeToString([]byte(pngSignature + tag))
}

type fakeAnalyzer struct{}

func frameTag(frame []byte) string {
	return strings.TrimPrefix(string(frame), pngSignature)
}

func (fakeAnalyzer) ExtractEmbedding(_ context.Context, frame []byte) (verification.Embedding, error) {
	switch frameTag(frame) {
	case "noface":
		return nil, verification.ErrNoFace
	case "stranger":
		return verification.Embedding{5, 5, 5}, nil
	default:
		return verification.Embedding{0.1, 0.2, 0.3}, nil
	}
}

func (fakeAnalyzer) CountFaces(_ context.Context, frame []byte) (int, error) {
	switch frameTag(frame) {
	case "noface":
		return 0, nil
	case "crowd":
		return 2, nil
	default:
		return 1, nil
	}
}

func (fakeAnalyzer) ExtractLandmarks(context.Context, []byte) (verification.Landmarks, error) {
	return verification.Landmarks{}, verification.ErrNoFace
}

type presenceEnv struct {
	app          *fiber.App
	db           *gorm.DB
	student      models.User
	teacher      models.User
	otherTeacher models.User
	admin        models.User
	session      models.ClassSession
}

type envOptions struct {
	markLimiter  fiber.Handler
	healthChecks map[string]handler.DependencyCheck
}

// identityFromHeaders stands in for JWT verification.
func identityFromHeaders(c *fiber.Ctx) error {
	if id, err := strconv.ParseUint(c.Get("X-Test-User"), 10, 64); err == nil {
		c.Locals("user_id", uint(id))
	}
	if role := c.Get("X-Test-Role"); role != "" {
		c.Locals("user_role", role)
	}
	return c.Next()
}

func setupPresenceApp(t *testing.T, opts envOptions) *presenceEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.Migrate(db))

	env := &presenceEnv{db: db}
	env.student = seedUser(t, db, "CS-10", models.RoleStudent)
	env.teacher = seedUser(t, db, "T-1", models.RoleTeacher)
	env.otherTeacher = seedUser(t, db, "T-2", models.RoleTeacher)
	env.admin = seedUser(t, db, "A-1", models.RoleAdmin)

	env.session = models.ClassSession{
		CourseCode: "CS101",
		CourseName: "Algorithms",
		TeacherID:  env.teacher.ID,
		StartsAt:   time.Now().Add(-time.Hour),
		EndsAt:     time.Now().Add(time.Hour),
		IsActive:   true,
	}
	require.NoError(t, db.Create(&env.session).Error)

	validate := validator.New(validator.WithRequiredStructEnabled())
	logger := zerolog.New(io.Discard)

	userRepo := repository.NewUserRepository(db)
	sessionRepo := repository.NewSessionRepository(db)
	embeddingRepo := repository.NewFaceEmbeddingRepository(db)

	activityService := service.NewActivityService(repository.NewActivityLogRepository(db), logger)
	anomalyService := service.NewAnomalyService(repository.NewAnomalyRepository(db), sessionRepo, nil, activityService, logger)
	attendanceService := service.NewAttendanceService(service.AttendanceDependencies{
		Sessions:   sessionRepo,
		Users:      userRepo,
		Embeddings: embeddingRepo,
		Attendance: repository.NewAttendanceRepository(db),
		Analyzer:   fakeAnalyzer{},
		Anomalies:  anomalyService,
		Activity:   activityService,
	}, validate, logger, service.AttendanceConfig{})
	enrollmentService := service.NewEnrollmentService(userRepo, embeddingRepo, fakeAnalyzer{}, validate, logger, service.EnrollmentConfig{
		MinFrames:     3,
		MinEmbeddings: 2,
	})

	app := fiber.New()
	middleware.Register(app, middleware.Config{})
	router.Register(app, config.Config{AppName: "Presence Test", AppEnv: "test"}, router.Dependencies{
		AttendanceHandler: handler.NewAttendanceHandler(attendanceService, validate, logger, opts.markLimiter),
		AnomalyHandler:    handler.NewAnomalyHandler(anomalyService, logger),
		EnrollmentHandler: handler.NewEnrollmentHandler(enrollmentService, validate, logger),
		ActivityHandler:   handler.NewActivityHandler(activityService, logger),
		HealthChecks:      opts.healthChecks,
		JWTMiddleware:     identityFromHeaders,
	})

	env.app = app
	return env
}

func seedUser(t *testing.T, db *gorm.DB, roll, role string) models.User {
	t.Helper()
	user := models.User{RollNumber: roll, Name: "User " + roll, Email: strings.ToLower(roll) + "@campus.test", Role: role, IsActive: true}
	require.NoError(t, db.Create(&user).Error)
	return user
}

type envelope struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message"`
	Data    json.RawMessage        `json:"data"`
	Details map[string]interface{} `json:"details"`
}

func (env *presenceEnv) do(t *testing.T, method, path string, user models.User, body interface{}) (int, envelope) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user.ID != 0 {
		req.Header.Set("X-Test-User", strconv.FormatUint(uint64(user.ID), 10))
		req.Header.Set("X-Test-Role", user.Role)
	}

	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func decodeData(t *testing.T, env envelope, target interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Data, target))
}

func (env *presenceEnv) enrollStudent(t *testing.T) {
	t.Helper()

	status, resp := env.do(t, http.MethodPut, "/api/v1/enrollment/device", env.student, fiber.Map{"address": "aa:bb:cc:dd:ee:ff"})
	require.Equal(t, http.StatusOK, status, resp.Message)

	frames := []string{imageFrame("ada"), imageFrame("ada"), "data:image/png;base64," + imageFrame("ada")}
	status, resp = env.do(t, http.MethodPost, "/api/v1/enrollment/face", env.student, fiber.Map{"frames": frames})
	require.Equal(t, http.StatusCreated, status, resp.Message)
}

type markResponse struct {
	Success   bool     `json:"success"`
	Reason    string   `json:"reason"`
	RecordID  *uint    `json:"record_id"`
	RSSI      *int     `json:"rssi"`
	FaceCount int      `json:"face_count"`
	Distance  *float64 `json:"face_distance"`
	Verified  struct {
		Proximity bool `json:"proximity"`
		Identity  bool `json:"identity"`
		Liveness  bool `json:"liveness"`
	} `json:"verified"`
	Anomalies []struct {
		Kind     string `json:"kind"`
		Severity string `json:"severity"`
	} `json:"anomalies"`
}

func markPayload(sessionID uint, frame string, rssi int) fiber.Map {
	return fiber.Map{
		"session_id": sessionID,
		"frame":      frame,
		"ble_scan":   []fiber.Map{{"address": "AA:BB:CC:DD:EE:FF", "rssi": rssi}},
	}
}

func TestMarkAttendanceEndToEnd(t *testing.T) {
	env := setupPresenceApp(t, envOptions{})
	env.enrollStudent(t)

	status, resp := env.do(t, http.MethodPost, "/api/v1/attendance/mark", env.student, markPayload(env.session.ID, imageFrame("ada"), -55))
	require.Equal(t, http.StatusOK, status)
	require.True(t, resp.Success)

	var result markResponse
	decodeData(t, resp, &result)
	require.True(t, result.Success)
	require.NotNil(t, result.RecordID)
	require.Equal(t, -55, *result.RSSI)
	require.Equal(t, 1, result.FaceCount)
	require.True(t, result.Verified.Proximity)
	require.True(t, result.Verified.Identity)
	require.True(t, result.Verified.Liveness)
	require.Empty(t, result.Anomalies)

	firstID := *result.RecordID

	status, resp = env.do(t, http.MethodPost, "/api/v1/attendance/mark", env.student, markPayload(env.session.ID, imageFrame("ada"), -55))
	require.Equal(t, http.StatusOK, status)
	var again markResponse
	decodeData(t, resp, &again)
	require.False(t, again.Success)
	require.Equal(t, service.ReasonAlreadyMarked, again.Reason)
	require.Equal(t, firstID, *again.RecordID, "the existing record is reported")

	status, resp = env.do(t, http.MethodGet, "/api/v1/attendance/history", env.student, nil)
	require.Equal(t, http.StatusOK, status)
	var history []map[string]interface{}
	decodeData(t, resp, &history)
	require.Len(t, history, 1)
	require.Equal(t, models.AttendanceStatusPresent, history[0]["status"])

	sessionPath := fmt.Sprintf("/api/v1/sessions/%d/attendance", env.session.ID)
	status, resp = env.do(t, http.MethodGet, sessionPath, env.teacher, nil)
	require.Equal(t, http.StatusOK, status)
	var roster []map[string]interface{}
	decodeData(t, resp, &roster)
	require.Len(t, roster, 1)

	status, _ = env.do(t, http.MethodGet, sessionPath, env.otherTeacher, nil)
	require.Equal(t, http.StatusForbidden, status)

	status, _ = env.do(t, http.MethodGet, sessionPath, env.student, nil)
	require.Equal(t, http.StatusForbidden, status)
}

func TestMarkAttendanceRejectionsAreSuccessfulResponses(t *testing.T) {
	env := setupPresenceApp(t, envOptions{})
	env.enrollStudent(t)

	cases := []struct {
		name   string
		frame  string
		rssi   int
		reason string
		kind   string
	}{
		{name: "weak signal", frame: imageFrame("ada"), rssi: -90, reason: service.ReasonBLEFailed, kind: string(verification.AnomalyBLEFailed)},
		{name: "no face", frame: imageFrame("noface"), rssi: -50, reason: service.ReasonNoFace, kind: string(verification.AnomalyNoFace)},
		{name: "stranger", frame: imageFrame("stranger"), rssi: -50, reason: service.ReasonLowConfidence, kind: string(verification.AnomalyLowConfidence)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, resp := env.do(t, http.MethodPost, "/api/v1/attendance/mark", env.student, markPayload(env.session.ID, tc.frame, tc.rssi))
			require.Equal(t, http.StatusOK, status)

			var result markResponse
			decodeData(t, resp, &result)
			require.False(t, result.Success)
			require.Equal(t, tc.reason, result.Reason)
			require.Nil(t, result.RecordID)
			require.Len(t, result.Anomalies, 1)
			require.Equal(t, tc.kind, result.Anomalies[0].Kind)
		})
	}
}

func TestMarkAttendanceInactiveSession(t *testing.T) {
	env := setupPresenceApp(t, envOptions{})

	status, resp := env.do(t, http.MethodPost, "/api/v1/attendance/mark", env.student, markPayload(env.session.ID+99, imageFrame("ada"), -50))
	require.Equal(t, http.StatusOK, status)

	var result markResponse
	decodeData(t, resp, &result)
	require.False(t, result.Success)
	require.Equal(t, service.ReasonSessionNotActive, result.Reason)
}

func TestMarkAttendanceRejectsBadPayloads(t *testing.T) {
	env := setupPresenceApp(t, envOptions{})

	status, resp := env.do(t, http.MethodPost, "/api/v1/attendance/mark", env.student, fiber.Map{"frame": imageFrame("ada")})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "required", resp.Details["sessionid"])

	status, _ = env.do(t, http.MethodPost, "/api/v1/attendance/mark", env.student, markPayload(env.session.ID, "%%%not-base64%%%", -50))
	require.Equal(t, http.StatusBadRequest, status)

	plainText := base64.StdEncoding.EncodeToString([]byte("just some text"))
	status, resp = env.do(t, http.MethodPost, "/api/v1/attendance/mark", env.student, markPayload(env.session.ID, plainText, -50))
	require.Equal(t, http.StatusBadRequest, status)
	require.Contains(t, resp.Message, "jpeg, png or webp")

	status, _ = env.do(t, http.MethodPost, "/api/v1/attendance/mark", env.teacher, markPayload(env.session.ID, imageFrame("ada"), -50))
	require.Equal(t, http.StatusForbidden, status, "only students mark attendance")

	status, _ = env.do(t, http.MethodPost, "/api/v1/attendance/mark", models.User{}, markPayload(env.session.ID, imageFrame("ada"), -50))
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestMarkAttendanceRateLimited(t *testing.T) {
	env := setupPresenceApp(t, envOptions{markLimiter: middleware.RateLimit("test-mark", 2, time.Minute)})

	for i := 0; i < 2; i++ {
		status, _ := env.do(t, http.MethodPost, "/api/v1/attendance/mark", env.student, markPayload(env.session.ID, imageFrame("ada"), -50))
		require.Equal(t, http.StatusOK, status)
	}

	status, resp := env.do(t, http.MethodPost, "/api/v1/attendance/mark", env.student, markPayload(env.session.ID, imageFrame("ada"), -50))
	require.Equal(t, http.StatusTooManyRequests, status)
	require.False(t, resp.Success)
}

func TestAttendanceOverride(t *testing.T) {
	env := setupPresenceApp(t, envOptions{})

	payload := fiber.Map{"user_id": env.student.ID, "session_id": env.session.ID, "status": "proxy_suspected", "notes": "<b>seen</b> outside"}
	status, resp := env.do(t, http.MethodPost, "/api/v1/attendance/override", env.teacher, payload)
	require.Equal(t, http.StatusOK, status, resp.Message)

	var body map[string]bool
	decodeData(t, resp, &body)
	require.True(t, body["overridden"])

	var record models.AttendanceRecord
	require.NoError(t, env.db.Where("user_id = ? AND session_id = ?", env.student.ID, env.session.ID).First(&record).Error)
	require.Equal(t, models.AttendanceStatusProxySuspected, record.Status)
	require.True(t, record.IsManualOverride)
	require.Equal(t, "seen outside", record.Notes)

	status, _ = env.do(t, http.MethodPost, "/api/v1/attendance/override", env.otherTeacher, payload)
	require.Equal(t, http.StatusForbidden, status)

	missing := fiber.Map{"user_id": env.student.ID, "session_id": env.session.ID + 50, "status": "absent"}
	status, _ = env.do(t, http.MethodPost, "/api/v1/attendance/override", env.admin, missing)
	require.Equal(t, http.StatusNotFound, status)

	invalid := fiber.Map{"user_id": env.student.ID, "session_id": env.session.ID, "status": "late"}
	status, _ = env.do(t, http.MethodPost, "/api/v1/attendance/override", env.admin, invalid)
	require.Equal(t, http.StatusBadRequest, status)

	status, resp = env.do(t, http.MethodPost, "/api/v1/attendance/override", env.admin, fiber.Map{"user_id": env.student.ID})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "required", resp.Details["sessionid"])

	status, _ = env.do(t, http.MethodPost, "/api/v1/attendance/override", env.student, payload)
	require.Equal(t, http.StatusForbidden, status)
}

func TestAnomalyListAndResolve(t *testing.T) {
	env := setupPresenceApp(t, envOptions{})
	env.enrollStudent(t)

	status, _ := env.do(t, http.MethodPost, "/api/v1/attendance/mark", env.student, markPayload(env.session.ID, imageFrame("ada"), -95))
	require.Equal(t, http.StatusOK, status)

	listPath := fmt.Sprintf("/api/v1/sessions/%d/anomalies?resolved=false", env.session.ID)
	status, resp := env.do(t, http.MethodGet, listPath, env.teacher, nil)
	require.Equal(t, http.StatusOK, status)

	var list struct {
		Items []struct {
			ID       uint   `json:"id"`
			Kind     string `json:"kind"`
			Resolved bool   `json:"resolved"`
		} `json:"items"`
		Pagination struct {
			TotalItems int64 `json:"total_items"`
		} `json:"pagination"`
	}
	decodeData(t, resp, &list)
	require.Len(t, list.Items, 1)
	require.Equal(t, string(verification.AnomalyBLEFailed), list.Items[0].Kind)
	require.False(t, list.Items[0].Resolved)

	status, _ = env.do(t, http.MethodGet, listPath+"&kind=nonsense", env.teacher, nil)
	require.Equal(t, http.StatusOK, status)

	status, _ = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/sessions/%d/anomalies?resolved=maybe", env.session.ID), env.teacher, nil)
	require.Equal(t, http.StatusBadRequest, status)

	resolvePath := fmt.Sprintf("/api/v1/anomalies/%d/resolve", list.Items[0].ID)
	status, _ = env.do(t, http.MethodPatch, resolvePath, env.otherTeacher, nil)
	require.Equal(t, http.StatusForbidden, status)

	status, resp = env.do(t, http.MethodPatch, resolvePath, env.teacher, nil)
	require.Equal(t, http.StatusOK, status)
	var resolved struct {
		Resolved   bool  `json:"resolved"`
		ResolvedBy *uint `json:"resolved_by"`
	}
	decodeData(t, resp, &resolved)
	require.True(t, resolved.Resolved)
	require.Equal(t, env.teacher.ID, *resolved.ResolvedBy)

	status, _ = env.do(t, http.MethodPatch, "/api/v1/anomalies/9999/resolve", env.admin, nil)
	require.Equal(t, http.StatusNotFound, status)

	status, _ = env.do(t, http.MethodPatch, "/api/v1/anomalies/abc/resolve", env.admin, nil)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestEnrollmentValidation(t *testing.T) {
	env := setupPresenceApp(t, envOptions{})

	status, _ := env.do(t, http.MethodPost, "/api/v1/enrollment/face", env.student, fiber.Map{"frames": []string{imageFrame("ada")}})
	require.Equal(t, http.StatusBadRequest, status, "too few frames")

	noFaces := []string{imageFrame("noface"), imageFrame("noface"), imageFrame("ada")}
	status, resp := env.do(t, http.MethodPost, "/api/v1/enrollment/face", env.student, fiber.Map{"frames": noFaces})
	require.Equal(t, http.StatusBadRequest, status)
	require.Contains(t, resp.Message, "not enough faces")

	status, resp = env.do(t, http.MethodPost, "/api/v1/enrollment/face", env.student, fiber.Map{})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "required", resp.Details["frames"])

	status, _ = env.do(t, http.MethodPut, "/api/v1/enrollment/device", env.student, fiber.Map{"address": "   "})
	require.Equal(t, http.StatusBadRequest, status)

	status, resp = env.do(t, http.MethodPut, "/api/v1/enrollment/device", env.student, fiber.Map{"address": "aa-bb-cc-dd-ee-ff"})
	require.Equal(t, http.StatusOK, status)
	var device map[string]interface{}
	decodeData(t, resp, &device)
	require.Equal(t, "AA:BB:CC:DD:EE:FF", device["address"])

	status, _ = env.do(t, http.MethodPut, "/api/v1/enrollment/device", env.teacher, fiber.Map{"address": "aa-bb-cc-dd-ee-ff"})
	require.Equal(t, http.StatusForbidden, status)
}

func TestAdminActivityFeed(t *testing.T) {
	env := setupPresenceApp(t, envOptions{})

	override := fiber.Map{"user_id": env.student.ID, "session_id": env.session.ID, "status": "absent"}
	status, _ := env.do(t, http.MethodPost, "/api/v1/attendance/override", env.teacher, override)
	require.Equal(t, http.StatusOK, status)

	status, resp := env.do(t, http.MethodGet, "/api/v1/admin/activity?action=attendance.override", env.admin, nil)
	require.Equal(t, http.StatusOK, status)

	var feed struct {
		Items []struct {
			ActorID uint   `json:"actor_id"`
			Action  string `json:"action"`
		} `json:"items"`
	}
	decodeData(t, resp, &feed)
	require.Len(t, feed.Items, 1)
	require.Equal(t, env.teacher.ID, feed.Items[0].ActorID)

	status, _ = env.do(t, http.MethodGet, "/api/v1/admin/activity", env.teacher, nil)
	require.Equal(t, http.StatusForbidden, status)

	status, _ = env.do(t, http.MethodGet, "/api/v1/admin/activity?page=x", env.admin, nil)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestHealthReportsDependencies(t *testing.T) {
	env := setupPresenceApp(t, envOptions{})
	status, resp := env.do(t, http.MethodGet, "/api/v1/health", models.User{}, nil)
	require.Equal(t, http.StatusOK, status)
	require.True(t, resp.Success)

	degraded := setupPresenceApp(t, envOptions{healthChecks: map[string]handler.DependencyCheck{
		"database": func(context.Context) error { return nil },
		"nats":     func(context.Context) error { return errors.New("disconnected") },
	}})
	status, resp = degraded.do(t, http.MethodGet, "/api/v1/health", models.User{}, nil)
	require.Equal(t, http.StatusServiceUnavailable, status)
	require.False(t, resp.Success)
}
