package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/presence-api/internal/verification"
)

// errorNoFace is the error code the vision worker uses when a frame holds no face.
const errorNoFace = "no_face"

type frameRequest struct {
	Frame []byte `json:"frame"`
}

type embeddingReply struct {
	Embedding []float64 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

type facesReply struct {
	Count int    `json:"count"`
	Error string `json:"error,omitempty"`
}

type landmarksReply struct {
	Landmarks *verification.Landmarks `json:"landmarks"`
	Error     string                  `json:"error,omitempty"`
}

// VisionClient asks the vision worker for embeddings, face counts and
// landmarks. Subjects are "<prefix>.embedding", "<prefix>.faces" and
// "<prefix>.landmarks".
type VisionClient struct {
	conn    Requester
	prefix  string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewVisionClient constructs a vision client.
func NewVisionClient(conn Requester, prefix string, timeout time.Duration, logger zerolog.Logger) *VisionClient {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "presence.vision"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &VisionClient{
		conn:    conn,
		prefix:  prefix,
		timeout: timeout,
		logger:  logger.With().Str("component", "vision_client").Logger(),
	}
}

// ExtractEmbedding returns the embedding of the single face in frame.
func (c *VisionClient) ExtractEmbedding(ctx context.Context, frame []byte) (verification.Embedding, error) {
	var reply embeddingReply
	if err := c.call(ctx, "embedding", frame, &reply); err != nil {
		return nil, err
	}
	if err := remoteError(reply.Error); err != nil {
		return nil, err
	}
	if len(reply.Embedding) == 0 {
		return nil, verification.ErrNoFace
	}
	return verification.Embedding(reply.Embedding), nil
}

// CountFaces returns the number of faces detected in frame.
func (c *VisionClient) CountFaces(ctx context.Context, frame []byte) (int, error) {
	var reply facesReply
	if err := c.call(ctx, "faces", frame, &reply); err != nil {
		return 0, err
	}
	if err := remoteError(reply.Error); err != nil {
		return 0, err
	}
	return reply.Count, nil
}

// ExtractLandmarks returns the landmark set of the face in frame.
func (c *VisionClient) ExtractLandmarks(ctx context.Context, frame []byte) (verification.Landmarks, error) {
	var reply landmarksReply
	if err := c.call(ctx, "landmarks", frame, &reply); err != nil {
		return verification.Landmarks{}, err
	}
	if err := remoteError(reply.Error); err != nil {
		return verification.Landmarks{}, err
	}
	if reply.Landmarks == nil {
		return verification.Landmarks{}, verification.ErrNoFace
	}
	return *reply.Landmarks, nil
}

func (c *VisionClient) call(ctx context.Context, op string, frame []byte, reply interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	subject := c.prefix + "." + op
	if err := request(ctx, c.conn, subject, frameRequest{Frame: frame}, reply); err != nil {
		c.logger.Error().Err(err).Str("subject", subject).Msg("vision request failed")
		return err
	}
	return nil
}

func remoteError(code string) error {
	code = strings.TrimSpace(code)
	switch {
	case code == "":
		return nil
	case strings.EqualFold(code, errorNoFace):
		return verification.ErrNoFace
	default:
		return fmt.Errorf("%w: %s", ErrRemote, code)
	}
}
