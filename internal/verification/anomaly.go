package verification

import (
	"fmt"
	"math"
	"strings"
)

// AnomalyKind is the audit taxonomy of suspicious verification conditions.
type AnomalyKind string

const (
	AnomalyMultiFace      AnomalyKind = "multi_face"
	AnomalyNoFace         AnomalyKind = "no_face"
	AnomalyLivenessFailed AnomalyKind = "liveness_failed"
	AnomalyRapidAttempts  AnomalyKind = "rapid_attempts"
	AnomalyBLEFailed      AnomalyKind = "ble_failed"
	AnomalyDuplicateIP    AnomalyKind = "duplicate_ip"
	AnomalyLowConfidence  AnomalyKind = "low_confidence"
)

// AnomalyKinds lists every kind, in taxonomy order.
var AnomalyKinds = []AnomalyKind{
	AnomalyMultiFace,
	AnomalyNoFace,
	AnomalyLivenessFailed,
	AnomalyRapidAttempts,
	AnomalyBLEFailed,
	AnomalyDuplicateIP,
	AnomalyLowConfidence,
}

// Severity grades an anomaly for reviewers.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Severity policies.
const (
	SeverityPolicyFixed  = "fixed"
	SeverityPolicyByKind = "by_kind"
)

// Stage identifies the pipeline step that observed the evidence.
type Stage string

const (
	StageAttempts  Stage = "attempts"
	StageProximity Stage = "proximity"
	StageFaceCount Stage = "face_count"
	StageIdentity  Stage = "identity"
	StageLiveness  Stage = "liveness"
)

// Evidence carries the stage output an anomaly is derived from.
type Evidence struct {
	RSSI       *int
	FaceCount  int
	Distance   float64
	Challenge  string
	Confidence float64
	Attempts   int64
	ClientIP   string
	OtherUser  uint
}

// Anomaly is the engine-side shape of an AnomalyEvent before persistence.
type Anomaly struct {
	Kind        AnomalyKind            `json:"kind"`
	Severity    Severity               `json:"severity"`
	Description string                 `json:"description"`
	Context     map[string]interface{} `json:"context,omitempty"`
}

// SeverityFunc grades an anomaly kind.
type SeverityFunc func(AnomalyKind) Severity

// FixedSeverity grades every kind the same.
func FixedSeverity(s Severity) SeverityFunc {
	return func(AnomalyKind) Severity { return s }
}

// SeverityByKind grades spoofing indicators above connectivity problems.
func SeverityByKind(kind AnomalyKind) Severity {
	switch kind {
	case AnomalyMultiFace, AnomalyLivenessFailed, AnomalyDuplicateIP:
		return SeverityHigh
	case AnomalyRapidAttempts:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// SeverityPolicy resolves a configured policy name. Unknown names fall back to fixed medium.
func SeverityPolicy(name string) SeverityFunc {
	if strings.EqualFold(strings.TrimSpace(name), SeverityPolicyByKind) {
		return SeverityByKind
	}
	return FixedSeverity(SeverityMedium)
}

// AnomalyClassifier maps (stage, evidence) pairs onto anomalies.
type AnomalyClassifier struct {
	severity SeverityFunc
}

// NewAnomalyClassifier builds a classifier; a nil policy grades everything medium.
func NewAnomalyClassifier(severity SeverityFunc) AnomalyClassifier {
	if severity == nil {
		severity = FixedSeverity(SeverityMedium)
	}
	return AnomalyClassifier{severity: severity}
}

// Classify returns the anomaly the evidence implies at stage, if any.
func (c AnomalyClassifier) Classify(stage Stage, ev Evidence) (Anomaly, bool) {
	switch stage {
	case StageProximity:
		var rssi interface{} = "N/A"
		if ev.RSSI != nil {
			rssi = *ev.RSSI
		}
		return c.build(AnomalyBLEFailed, fmt.Sprintf("RSSI: %v", rssi), map[string]interface{}{"rssi": rssi}), true
	case StageFaceCount:
		switch ClassifyFaceCount(ev.FaceCount) {
		case FaceCountNone:
			return c.build(AnomalyNoFace, "No face in frame", map[string]interface{}{"face_count": 0}), true
		case FaceCountMultiple:
			return c.build(AnomalyMultiFace, fmt.Sprintf("Detected %d faces", ev.FaceCount), map[string]interface{}{"face_count": ev.FaceCount}), true
		}
		return Anomaly{}, false
	case StageIdentity:
		if math.IsInf(ev.Distance, 1) {
			return c.build(AnomalyLowConfidence, "Distance: N/A (no enrolled face)", map[string]interface{}{"distance": "N/A"}), true
		}
		return c.build(AnomalyLowConfidence, fmt.Sprintf("Distance: %.4f", ev.Distance), map[string]interface{}{"distance": ev.Distance}), true
	case StageLiveness:
		return c.build(AnomalyLivenessFailed, fmt.Sprintf("Challenge: %s", ev.Challenge), map[string]interface{}{
			"challenge":  ev.Challenge,
			"confidence": ev.Confidence,
		}), true
	case StageAttempts:
		if ev.ClientIP != "" {
			return c.build(AnomalyDuplicateIP, fmt.Sprintf("IP %s already used by user %d", ev.ClientIP, ev.OtherUser), map[string]interface{}{
				"ip":         ev.ClientIP,
				"other_user": ev.OtherUser,
			}), true
		}
		return c.build(AnomalyRapidAttempts, fmt.Sprintf("%d attempts in window", ev.Attempts), map[string]interface{}{"attempts": ev.Attempts}), true
	default:
		return Anomaly{}, false
	}
}

func (c AnomalyClassifier) build(kind AnomalyKind, description string, context map[string]interface{}) Anomaly {
	return Anomaly{
		Kind:        kind,
		Severity:    c.severity(kind),
		Description: description,
		Context:     context,
	}
}
