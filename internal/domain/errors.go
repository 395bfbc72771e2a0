package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────

var (
	// Task errors
	ErrTaskNotFound      = errors.New("task not found")
	ErrTaskExists        = errors.New("task id already exists")
	ErrInvalidTransition = errors.New("invalid task status transition")
	ErrTaskTerminal      = errors.New("task is in a terminal state")
	ErrBatchCancelled    = errors.New("batch cancelled by user")

	// Pool errors
	ErrPoolExhausted = errors.New("no provider key available")
	ErrKeyDisabled   = errors.New("key disabled pending operator intervention")
	ErrLeaseReleased = errors.New("lease already released")

	// Dispatch errors
	ErrBatchDeadline      = errors.New("batch deadline exceeded")
	ErrProvidersExhausted = errors.New("all providers exhausted for question")

	// Runner errors
	ErrLanguageUnsupported = errors.New("no runtime configured for language")

	// Assembler errors
	ErrNoResults = errors.New("no results to assemble")

	// Store errors
	ErrUserNotFound        = errors.New("user not found")
	ErrInsufficientCredits = errors.New("insufficient credits")
)
