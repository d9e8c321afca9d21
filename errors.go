package stagehand

import "errors"

var (
	// Not found errors.
	ErrJobNotFound = errors.New("stagehand: job not found")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("stagehand: job already exists")

	// State errors.
	ErrInvalidTransition = errors.New("stagehand: invalid state transition")

	// Admission errors.
	ErrRateLimited = errors.New("stagehand: rate limit exceeded")
)
