package model

import "errors"

// Errors surfaced by the attempt lifecycle. Callers match them with errors.Is.
var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrEntitlementDenied = errors.New("entitlement denied")
	ErrDuplicateAttempt  = errors.New("an attempt is already in progress")
	ErrNotFound          = errors.New("not found")
	ErrInvalidState      = errors.New("invalid attempt state")
	ErrInvalidInput      = errors.New("invalid input")
	ErrGradingPending    = errors.New("essay grading pending")
	ErrUpstreamFailure   = errors.New("upstream grading service failure")
)
