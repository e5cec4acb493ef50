package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate indicates a unique constraint conflict.
	ErrDuplicate = errors.New("duplicate entry")
	// ErrValidation indicates a malformed or inconsistent payload.
	ErrValidation = errors.New("validation failed")
	// ErrInsufficientStock indicates a mutation would drive a balance below zero.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrInvalidState indicates a state transition attempted from a terminal state.
	ErrInvalidState = errors.New("invalid state transition")
	// ErrForbidden indicates the actor lacks the required permission.
	ErrForbidden = errors.New("forbidden")
)
