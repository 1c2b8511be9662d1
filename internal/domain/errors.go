package domain

import "errors"

var (
	// ErrInvalidPayload marks an inbound body that could not be decoded.
	ErrInvalidPayload = errors.New("invalid webhook payload")

	// ErrUnauthorized is matched by remote errors carrying a 401 status.
	ErrUnauthorized = errors.New("remote session unauthorized")

	// ErrAuthFailure wraps any failure to create a remote session.
	ErrAuthFailure = errors.New("remote authentication failed")

	// ErrCircuitOpen is returned when deliveries are short-circuited.
	ErrCircuitOpen = errors.New("delivery circuit open")
)

// ReasonMissingPostData is the rejection reason for events without a title or path.
const ReasonMissingPostData = "missing post data"
