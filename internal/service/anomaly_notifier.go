package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/presence-api/internal/dto"
	"github.com/noah-isme/presence-api/internal/models"
	"github.com/noah-isme/presence-api/pkg/mailer"
)

// ErrAlertDropped indicates the mail queue rejected an alert.
var ErrAlertDropped = errors.New("anomaly alert dropped")

// AnomalyNotice bundles a persisted anomaly with the people it concerns.
type AnomalyNotice struct {
	Event   models.AnomalyEvent
	Student models.User
	Session models.ClassSession
}

// AnomalyNotifier is a fire-and-forget sink for persisted anomalies.
type AnomalyNotifier interface {
	Notify(ctx context.Context, notice AnomalyNotice) error
}

type anomalyBroadcaster struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	nodeID       string
}

// NewAnomalyBroadcaster publishes anomaly events on redis pub/sub and NATS.
// Either transport may be nil.
func NewAnomalyBroadcaster(redisClient *redis.Client, natsConn *nats.Conn, channelBase string) AnomalyNotifier {
	subject := ""
	if channelBase != "" {
		subject = strings.ReplaceAll(channelBase, ":", ".")
	}

	return &anomalyBroadcaster{
		redis:        redisClient,
		redisChannel: channelBase,
		nats:         natsConn,
		natsSubject:  subject,
		nodeID:       uuid.NewString(),
	}
}

func (b *anomalyBroadcaster) Notify(ctx context.Context, notice AnomalyNotice) error {
	message := dto.AnomalyEventMessage{
		Source:     b.nodeID,
		Anomaly:    dto.NewAnomalyResponse(notice.Event),
		CourseCode: notice.Session.CourseCode,
		TeacherID:  notice.Session.TeacherID,
		SentAt:     time.Now().UTC(),
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}

	var errs []error
	if b.redis != nil && b.redisChannel != "" {
		if err := b.redis.Publish(ctx, b.redisChannel, payload).Err(); err != nil {
			errs = append(errs, err)
		}
	}

	if b.nats != nil && b.natsSubject != "" {
		if err := b.nats.Publish(b.natsSubject, payload); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// AlertQueue accepts e-mail alerts without blocking.
type AlertQueue interface {
	Enqueue(alert mailer.Alert) bool
}

type emailAnomalyNotifier struct {
	queue AlertQueue
}

// NewEmailAnomalyNotifier queues an e-mail to the session's teacher for each anomaly.
func NewEmailAnomalyNotifier(queue AlertQueue) AnomalyNotifier {
	return &emailAnomalyNotifier{queue: queue}
}

func (n *emailAnomalyNotifier) Notify(_ context.Context, notice AnomalyNotice) error {
	to := strings.TrimSpace(notice.Session.Teacher.Email)
	if to == "" {
		return nil
	}

	alert := mailer.Alert{
		To:          to,
		StudentName: notice.Student.Name,
		RollNumber:  notice.Student.RollNumber,
		Kind:        notice.Event.Kind,
		Severity:    notice.Event.Severity,
		Description: notice.Event.Description,
		CourseCode:  notice.Session.CourseCode,
		CourseName:  notice.Session.CourseName,
		OccurredAt:  notice.Event.CreatedAt,
	}
	if !n.queue.Enqueue(alert) {
		return ErrAlertDropped
	}
	return nil
}
