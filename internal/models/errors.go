package models

import (
	"errors"
	"fmt"
)

// Common error types
var (
	ErrNotFound               = errors.New("resource not found")
	ErrConflict               = errors.New("operation conflicts with current state")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrInvalidTemplateContent = errors.New("invalid template content")
	ErrClaimLost              = errors.New("campaign claim lost")
)

// Error codes carried by AppError
const (
	CodeInvalidInput           = "INVALID_INPUT"
	CodeNotFound               = "NOT_FOUND"
	CodeConflict               = "CONFLICT"
	CodeInvalidTransition      = "INVALID_TRANSITION"
	CodeInvalidTemplateContent = "INVALID_TEMPLATE_CONTENT"
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

// ErrInvalidTransitionWithMsg creates an error for a status change the
// campaign state machine does not allow
func ErrInvalidTransitionWithMsg(message string) error {
	return &AppError{
		Code:    CodeInvalidTransition,
		Message: message,
		Err:     ErrInvalidTransition,
	}
}

// ErrInvalidTemplateContentWithMsg creates an error for campaigns whose
// content cannot be snapshotted
func ErrInvalidTemplateContentWithMsg(message string) error {
	return &AppError{
		Code:    CodeInvalidTemplateContent,
		Message: message,
		Err:     ErrInvalidTemplateContent,
	}
}
