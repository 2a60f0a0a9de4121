package verification

import (
	"strings"
)

// Challenge names an active liveness test.
type Challenge string

const (
	ChallengeBlink     Challenge = "blink"
	ChallengeHeadLeft  Challenge = "head_left"
	ChallengeHeadRight Challenge = "head_right"
)

// Liveness defaults.
const (
	DefaultEARThreshold   = 0.25
	DefaultBlinkFrames    = 3
	DefaultHeadDeadZone   = 10.0
	DefaultHeadMatchRatio = 0.5
)

// LivenessConfig tunes the challenge state machines.
type LivenessConfig struct {
	EARThreshold   float64
	BlinkFrames    int
	HeadDeadZone   float64
	HeadMatchRatio float64
}

// DefaultLivenessConfig returns the stock thresholds.
func DefaultLivenessConfig() LivenessConfig {
	return LivenessConfig{
		EARThreshold:   DefaultEARThreshold,
		BlinkFrames:    DefaultBlinkFrames,
		HeadDeadZone:   DefaultHeadDeadZone,
		HeadMatchRatio: DefaultHeadMatchRatio,
	}
}

// LivenessResult is the outcome of one challenge run.
type LivenessResult struct {
	Challenge  Challenge              `json:"challenge"`
	Success    bool                   `json:"success"`
	Confidence float64                `json:"confidence"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// LivenessChecker runs challenges over per-frame landmark readings. A nil
// reading means the detector found no face in that frame.
type LivenessChecker struct {
	cfg LivenessConfig
}

// NewLivenessChecker fills zero fields of cfg with defaults.
func NewLivenessChecker(cfg LivenessConfig) LivenessChecker {
	defaults := DefaultLivenessConfig()
	if cfg.EARThreshold <= 0 {
		cfg.EARThreshold = defaults.EARThreshold
	}
	if cfg.BlinkFrames <= 0 {
		cfg.BlinkFrames = defaults.BlinkFrames
	}
	if cfg.HeadDeadZone <= 0 {
		cfg.HeadDeadZone = defaults.HeadDeadZone
	}
	if cfg.HeadMatchRatio <= 0 || cfg.HeadMatchRatio > 1 {
		cfg.HeadMatchRatio = defaults.HeadMatchRatio
	}
	return LivenessChecker{cfg: cfg}
}

// Config returns the effective configuration.
func (c LivenessChecker) Config() LivenessConfig {
	return c.cfg
}

// ParseChallenge normalises a challenge name. ok is false for unknown names.
func ParseChallenge(name string) (Challenge, bool) {
	challenge := Challenge(strings.ToLower(strings.TrimSpace(name)))
	switch challenge {
	case ChallengeBlink, ChallengeHeadLeft, ChallengeHeadRight:
		return challenge, true
	default:
		return challenge, false
	}
}

// Verify dispatches to the state machine for the named challenge.
func (c LivenessChecker) Verify(name string, readings []*Landmarks) LivenessResult {
	challenge, ok := ParseChallenge(name)
	if !ok {
		return LivenessResult{
			Challenge:  challenge,
			Success:    false,
			Confidence: 0,
			Details:    map[string]interface{}{"error": "unknown challenge type"},
		}
	}

	if challenge == ChallengeBlink {
		return c.verifyBlink(readings)
	}
	return c.verifyHeadMovement(challenge, readings)
}

// CountBlinks runs the debounce counter over per-frame average EAR values. A
// blink is a run of at least BlinkFrames low readings closed by any frame that
// is not a low reading: an open eye, a lost face, or a degenerate contour. A
// run still open at the end of the sequence is not counted.
func (c LivenessChecker) CountBlinks(readings []*Landmarks) int {
	blinks := 0
	run := 0

	for _, reading := range readings {
		if c.eyesClosed(reading) {
			run++
			continue
		}
		if run >= c.cfg.BlinkFrames {
			blinks++
		}
		run = 0
	}

	return blinks
}

func (c LivenessChecker) eyesClosed(reading *Landmarks) bool {
	if reading == nil {
		return false
	}
	ear, ok := AverageEyeAspectRatio(*reading)
	return ok && ear < c.cfg.EARThreshold
}

func (c LivenessChecker) verifyBlink(readings []*Landmarks) LivenessResult {
	blinks := c.CountBlinks(readings)

	confidence := float64(blinks) / 2.0
	if confidence > 1.0 {
		confidence = 1.0
	}

	return LivenessResult{
		Challenge:  ChallengeBlink,
		Success:    blinks >= 1,
		Confidence: confidence,
		Details:    map[string]interface{}{"blinks_detected": blinks},
	}
}

func (c LivenessChecker) verifyHeadMovement(challenge Challenge, readings []*Landmarks) LivenessResult {
	target := Direction(strings.TrimPrefix(string(challenge), "head_"))
	total := len(readings)

	matches := 0
	for _, reading := range readings {
		if reading == nil {
			continue
		}
		if LandmarkDirection(*reading, c.cfg.HeadDeadZone) == target {
			matches++
		}
	}

	details := map[string]interface{}{
		"target":  string(target),
		"matches": matches,
		"total":   total,
	}

	if total == 0 {
		return LivenessResult{Challenge: challenge, Success: false, Confidence: 0, Details: details}
	}

	confidence := float64(matches) / float64(total)
	return LivenessResult{
		Challenge:  challenge,
		Success:    float64(matches) >= float64(total)*c.cfg.HeadMatchRatio,
		Confidence: confidence,
		Details:    details,
	}
}
