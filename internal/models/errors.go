package models

import (
	"errors"
	"fmt"
)

// Common error types
var (
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")
	ErrConflict      = errors.New("operation conflicts with current state")

	ErrEmptyAudience           = errors.New("audience resolved to no recipients")
	ErrInvalidThrottleRate     = errors.New("invalid throttle rate")
	ErrInvalidQuietHoursWindow = errors.New("invalid quiet hours window")
	ErrInvalidTransition       = errors.New("invalid campaign status transition")
)

// Error codes carried by AppError
const (
	CodeInvalidInput            = "INVALID_INPUT"
	CodeNotFound                = "NOT_FOUND"
	CodeConflict                = "CONFLICT"
	CodeEmptyAudience           = "EMPTY_AUDIENCE"
	CodeInvalidThrottleRate     = "INVALID_THROTTLE_RATE"
	CodeInvalidQuietHoursWindow = "INVALID_QUIET_HOURS_WINDOW"
	CodeInvalidTransition       = "INVALID_TRANSITION"
)

// AppError represents an application-level error with context
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// ErrInvalidInput creates a validation error
func ErrInvalidInput(message string) error {
	return &AppError{
		Code:    CodeInvalidInput,
		Message: message,
	}
}

// ErrNotFoundWithMsg creates a not found error with custom message
func ErrNotFoundWithMsg(message string) error {
	return &AppError{
		Code:    CodeNotFound,
		Message: message,
		Err:     ErrNotFound,
	}
}

// ErrConflictWithMsg creates a conflict error with custom message
func ErrConflictWithMsg(message string) error {
	return &AppError{
		Code:    CodeConflict,
		Message: message,
		Err:     ErrConflict,
	}
}

// ErrEmptyAudienceWithMsg is returned when launch resolves zero recipients
func ErrEmptyAudienceWithMsg(campaignID int64) error {
	return &AppError{
		Code:    CodeEmptyAudience,
		Message: fmt.Sprintf("campaign %d has no eligible recipients", campaignID),
		Err:     ErrEmptyAudience,
	}
}

// ErrInvalidTransitionWithMsg is returned when a lifecycle action does not apply to the current status
func ErrInvalidTransitionWithMsg(action, status string) error {
	return &AppError{
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("cannot %s a campaign in status %s", action, status),
		Err:     ErrInvalidTransition,
	}
}
