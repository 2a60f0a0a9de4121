package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/presence-api/internal/verification"
)

type scanRequest struct {
	DurationMillis int64 `json:"duration_ms"`
}

type scanReply struct {
	Devices []verification.Observation `json:"devices"`
	Error   string                     `json:"error,omitempty"`
}

// BLEScanner requests one timed scan from the classroom radio gateway.
type BLEScanner struct {
	conn    Requester
	subject string
	logger  zerolog.Logger
}

// NewBLEScanner constructs a scanner publishing on subject.
func NewBLEScanner(conn Requester, subject string, logger zerolog.Logger) *BLEScanner {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "presence.ble.scan"
	}

	return &BLEScanner{
		conn:    conn,
		subject: subject,
		logger:  logger.With().Str("component", "ble_scanner").Logger(),
	}
}

// Scan blocks until the gateway replies or ctx ends. The caller bounds ctx.
func (s *BLEScanner) Scan(ctx context.Context, duration time.Duration) ([]verification.Observation, error) {
	var reply scanReply
	if err := request(ctx, s.conn, s.subject, scanRequest{DurationMillis: duration.Milliseconds()}, &reply); err != nil {
		return nil, err
	}
	if err := remoteError(reply.Error); err != nil {
		return nil, err
	}

	s.logger.Debug().Int("devices", len(reply.Devices)).Msg("scan completed")
	return reply.Devices, nil
}
