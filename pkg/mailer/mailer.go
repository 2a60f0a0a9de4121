// Package mailer delivers anomaly alerts to teachers through Resend. Alerts
// are queued and sent by a single background worker so callers never block
// on the mail provider.
package mailer

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"
	"sync"
	"time"

	"github.com/resend/resend-go/v2"
	"github.com/rs/zerolog"
)

const defaultQueueSize = 64

// Alert describes one anomaly worth a teacher's attention.
type Alert struct {
	To          string
	StudentName string
	RollNumber  string
	Kind        string
	Severity    string
	Description string
	CourseCode  string
	CourseName  string
	OccurredAt  time.Time
}

// Message is a rendered e-mail.
type Message struct {
	To      string
	Subject string
	HTML    string
}

// Sender delivers a rendered message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Config tunes the mailer.
type Config struct {
	AppName     string
	QueueSize   int
	SendTimeout time.Duration
}

// Mailer renders alerts and drains them through Sender in the background.
type Mailer struct {
	sender  Sender
	cfg     Config
	logger  zerolog.Logger
	queue   chan Alert
	done    chan struct{}
	mu      sync.RWMutex
	running bool
	closed  bool
}

// New constructs a mailer. Call Start to begin delivery.
func New(sender Sender, cfg Config, logger zerolog.Logger) *Mailer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.AppName == "" {
		cfg.AppName = "Presence"
	}

	return &Mailer{
		sender: sender,
		cfg:    cfg,
		logger: logger.With().Str("component", "mailer").Logger(),
		queue:  make(chan Alert, cfg.QueueSize),
		done:   make(chan struct{}),
	}
}

// Start launches the delivery worker. It stops when ctx is cancelled or
// Close has drained the queue.
func (m *Mailer) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running || m.closed {
		return
	}
	m.running = true
	go m.loop(ctx)
}

// Enqueue schedules an alert. It returns false when the queue is full or closed.
func (m *Mailer) Enqueue(alert Alert) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false
	}

	select {
	case m.queue <- alert:
		return true
	default:
		m.logger.Warn().Str("kind", alert.Kind).Msg("mail queue full; dropping alert")
		return false
	}
}

// Close stops accepting alerts and waits for the worker to drain the queue.
func (m *Mailer) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.queue)
	running := m.running
	m.mu.Unlock()

	if running {
		<-m.done
	}
}

func (m *Mailer) loop(ctx context.Context) {
	defer close(m.done)

	for {
		select {
		case <-ctx.Done():
			return
		case alert, ok := <-m.queue:
			if !ok {
				return
			}
			m.deliver(ctx, alert)
		}
	}
}

func (m *Mailer) deliver(ctx context.Context, alert Alert) {
	msg, err := Render(m.cfg.AppName, alert)
	if err != nil {
		m.logger.Warn().Err(err).Str("kind", alert.Kind).Msg("failed to render alert")
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
	defer cancel()

	if err := m.sender.Send(sendCtx, msg); err != nil {
		m.logger.Warn().Err(err).Str("kind", alert.Kind).Msg("failed to send alert")
		return
	}

	m.logger.Info().Str("kind", alert.Kind).Str("course", alert.CourseCode).Msg("anomaly alert sent")
}

var alertTemplate = template.Must(template.New("alert").Parse(`<h2>{{.AppName}}: attendance anomaly</h2>
<p>A <strong>{{.Alert.Kind}}</strong> anomaly ({{.Alert.Severity}}) was raised for
{{.Alert.StudentName}}{{if .Alert.RollNumber}} ({{.Alert.RollNumber}}){{end}}
in {{.Alert.CourseCode}} {{.Alert.CourseName}}.</p>
<p>{{.Alert.Description}}</p>
<p>Recorded at {{.When}}. Review it from the session's anomaly list.</p>
`))

// Render builds the e-mail for alert.
func Render(appName string, alert Alert) (Message, error) {
	if strings.TrimSpace(alert.To) == "" {
		return Message{}, fmt.Errorf("alert recipient is required")
	}

	when := alert.OccurredAt
	if when.IsZero() {
		when = time.Now()
	}

	var buf bytes.Buffer
	if err := alertTemplate.Execute(&buf, struct {
		AppName string
		Alert   Alert
		When    string
	}{
		AppName: appName,
		Alert:   alert,
		When:    when.UTC().Format(time.RFC1123),
	}); err != nil {
		return Message{}, fmt.Errorf("render alert: %w", err)
	}

	return Message{
		To:      alert.To,
		Subject: fmt.Sprintf("[%s] %s anomaly in %s", appName, alert.Kind, alert.CourseCode),
		HTML:    buf.String(),
	}, nil
}

// ResendSender delivers messages through the Resend API.
type ResendSender struct {
	client *resend.Client
	from   string
}

// NewResendSender constructs a Resend-backed sender.
func NewResendSender(apiKey, from string) *ResendSender {
	return &ResendSender{
		client: resend.NewClient(apiKey),
		from:   from,
	}
}

// Send implements Sender.
func (s *ResendSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.HTML,
	}

	if _, err := s.client.Emails.Send(params); err != nil {
		return fmt.Errorf("resend: %w", err)
	}
	return nil
}
