package domain

import "errors"

// Domain-specific errors for business logic validation.
var (
	// Request errors
	ErrValidation      = errors.New("invalid provisioning request")
	ErrUnauthenticated = errors.New("caller identity missing or invalid")

	// Admission errors
	ErrQuotaExceeded      = errors.New("agent quota exceeded")
	ErrAgentAlreadyExists = errors.New("agent already exists in project")

	// Store errors
	ErrProjectNotFound = errors.New("project not found")
	ErrQuotaConflict   = errors.New("quota document was modified concurrently")

	// Caller errors
	ErrCallerNotFound = errors.New("caller not found")
	ErrCallerInactive = errors.New("caller is inactive")
)
