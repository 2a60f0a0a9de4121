package verification

import (
	"errors"
	"fmt"
	"math"
)

// DefaultMatchThreshold is the Euclidean distance below which two embeddings
// are considered the same person. Deployments calibrate it.
const DefaultMatchThreshold = 0.6

var (
	// ErrNoFace is returned by extractors and landmark detectors when a frame holds no face.
	ErrNoFace = errors.New("no face found")
	// ErrDimensionMismatch indicates two embeddings of different length were compared.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrNoEmbeddings indicates an empty embedding set was averaged.
	ErrNoEmbeddings = errors.New("no embeddings supplied")
)

// Embedding is a fixed-length face descriptor produced by the vision model.
type Embedding []float64

// IdentityMatch is the outcome of comparing a probe against the stored embedding.
type IdentityMatch struct {
	Matched  bool    `json:"matched"`
	Distance float64 `json:"distance"`
}

// FaceCount buckets the number of faces located in a frame.
type FaceCount string

const (
	FaceCountNone     FaceCount = "none"
	FaceCountSingle   FaceCount = "single"
	FaceCountMultiple FaceCount = "multiple"
)

// ClassifyFaceCount maps a raw face count onto its bucket.
func ClassifyFaceCount(n int) FaceCount {
	switch {
	case n <= 0:
		return FaceCountNone
	case n == 1:
		return FaceCountSingle
	default:
		return FaceCountMultiple
	}
}

// MatchIdentity compares probe with stored. A missing stored embedding never
// matches and reports an infinite distance. The comparison is strict: a
// distance equal to threshold does not match.
func MatchIdentity(stored, probe Embedding, threshold float64) (IdentityMatch, error) {
	if len(stored) == 0 {
		return IdentityMatch{Matched: false, Distance: math.Inf(1)}, nil
	}

	d, err := EuclideanDistance(stored, probe)
	if err != nil {
		return IdentityMatch{}, err
	}

	return IdentityMatch{Matched: d < threshold, Distance: d}, nil
}

// EuclideanDistance returns the L2 norm of a-b.
func EuclideanDistance(a, b Embedding) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(a), len(b))
	}

	var sum float64
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return math.Sqrt(sum), nil
}

// MeanEmbedding averages embeddings element-wise.
func MeanEmbedding(embeddings []Embedding) (Embedding, error) {
	if len(embeddings) == 0 {
		return nil, ErrNoEmbeddings
	}

	dim := len(embeddings[0])
	mean := make(Embedding, dim)
	for _, e := range embeddings {
		if len(e) != dim {
			return nil, fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(e), dim)
		}
		for i, v := range e {
			mean[i] += v
		}
	}

	n := float64(len(embeddings))
	for i := range mean {
		mean[i] /= n
	}
	return mean, nil
}
