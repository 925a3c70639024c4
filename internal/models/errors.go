package models

import (
	"errors"
	"fmt"
)

// Application errors, compared with errors.Is. Services wrap them with context.
var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidState     = errors.New("invalid state")
	ErrConflict         = errors.New("conflict")
	ErrExpired          = errors.New("expired")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrInvalidCode      = errors.New("invalid code")
	ErrAlreadyVerified  = errors.New("already verified")
	ErrCapacityMismatch = errors.New("capacity mismatch")
	ErrNoEligibleItems  = errors.New("no eligible items")
	ErrTooManyAttempts  = errors.New("too many attempts")
	ErrInvalidInput     = errors.New("invalid input")

	// ErrStaleState is returned by stores when a compare-and-swap loses.
	ErrStaleState = fmt.Errorf("%w: stale state", ErrConflict)
)
