package service

import "errors"

var (
	// ErrInternal marks tooling or storage failures inside the verification
	// pipeline. Nothing is persisted when it is returned.
	ErrInternal = errors.New("internal verification failure")
	// ErrUserNotFound indicates the referenced user does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrSessionNotFound indicates the referenced class session does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNotSessionOwner indicates a teacher acted on another teacher's session.
	ErrNotSessionOwner = errors.New("session belongs to another teacher")
	// ErrInvalidStatus indicates an unknown attendance status.
	ErrInvalidStatus = errors.New("invalid attendance status")
	// ErrAnomalyNotFound indicates the anomaly event does not exist.
	ErrAnomalyNotFound = errors.New("anomaly not found")
	// ErrInsufficientFrames indicates enrollment received too few frames.
	ErrInsufficientFrames = errors.New("not enough frames for enrollment")
	// ErrInsufficientEmbeddings indicates too few frames contained a usable face.
	ErrInsufficientEmbeddings = errors.New("not enough faces detected for enrollment")
	// ErrInvalidDeviceAddress indicates an empty or malformed radio address.
	ErrInvalidDeviceAddress = errors.New("invalid device address")
)
