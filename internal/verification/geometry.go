// Package verification holds the attendance verification engine: landmark
// geometry, radio proximity, identity matching, liveness challenges and the
// anomaly taxonomy. Everything here is a pure function of its inputs and a
// configuration value, so instances are safe to share across requests.
package verification

import "math"

// minHorizontalSpan is the smallest eye width (in pixels) considered a usable reading.
const minHorizontalSpan = 1e-6

// Point is a 2-D landmark coordinate in source-image pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Landmarks is the subset of a face mesh the engine consumes. Each eye is a
// six-point contour ordered outer corner, two upper lid points, inner corner,
// two lower lid points.
type Landmarks struct {
	LeftEye  []Point `json:"left_eye"`
	RightEye []Point `json:"right_eye"`
	NoseTip  Point   `json:"nose_tip"`
	Chin     Point   `json:"chin"`
}

// Direction is the coarse horizontal head orientation.
type Direction string

const (
	DirectionLeft    Direction = "left"
	DirectionRight   Direction = "right"
	DirectionCenter  Direction = "center"
	DirectionUnknown Direction = "unknown"
)

// EyeAspectRatio computes (|p1-p5| + |p2-p4|) / (2 |p0-p3|) for a six-point
// eye contour. ok is false when the contour is malformed or the horizontal
// span is degenerate.
func EyeAspectRatio(eye []Point) (ratio float64, ok bool) {
	if len(eye) != 6 {
		return 0, false
	}

	vertical1 := distance(eye[1], eye[5])
	vertical2 := distance(eye[2], eye[4])
	horizontal := distance(eye[0], eye[3])
	if horizontal < minHorizontalSpan {
		return 0, false
	}

	return (vertical1 + vertical2) / (2.0 * horizontal), true
}

// AverageEyeAspectRatio averages the ratio of both eyes.
func AverageEyeAspectRatio(l Landmarks) (float64, bool) {
	left, okLeft := EyeAspectRatio(l.LeftEye)
	right, okRight := EyeAspectRatio(l.RightEye)
	if !okLeft || !okRight {
		return 0, false
	}
	return (left + right) / 2.0, true
}

// HeadDirection compares the nose tip with the midpoint of the two eyes. An
// offset inside deadZone pixels is center; otherwise its sign picks the side.
func HeadDirection(nose, leftEye, rightEye Point, deadZone float64) Direction {
	eyeCenterX := (leftEye.X + rightEye.X) / 2.0
	offset := nose.X - eyeCenterX

	switch {
	case math.Abs(offset) < deadZone:
		return DirectionCenter
	case offset > 0:
		return DirectionRight
	default:
		return DirectionLeft
	}
}

// LandmarkDirection classifies a full landmark set, using each eye contour's
// centroid as the eye position.
func LandmarkDirection(l Landmarks, deadZone float64) Direction {
	left, okLeft := centroid(l.LeftEye)
	right, okRight := centroid(l.RightEye)
	if !okLeft || !okRight {
		return DirectionUnknown
	}
	return HeadDirection(l.NoseTip, left, right, deadZone)
}

func centroid(points []Point) (Point, bool) {
	if len(points) == 0 {
		return Point{}, false
	}
	var sum Point
	for _, p := range points {
		sum.X += p.X
		sum.Y += p.Y
	}
	n := float64(len(points))
	return Point{X: sum.X / n, Y: sum.Y / n}, true
}

func distance(a, b Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}
