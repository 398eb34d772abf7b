// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrPositionNotFound   = errors.New("position not found")
	ErrDuplicatePosition  = errors.New("position already exists")
	ErrInvalidPosition    = errors.New("invalid position")
	ErrInvalidProposal    = errors.New("invalid trade proposal")
	ErrRequestNotFound    = errors.New("hitl request not found")
	ErrRequestNotPending  = errors.New("hitl request is not pending")
	ErrRequestExpired     = errors.New("hitl request expired")
	ErrConfigInvalid      = errors.New("invalid configuration")
	ErrTradingHalted      = errors.New("trading halted")
	ErrInsufficientFunds  = errors.New("insufficient available capital")
	ErrDatabaseError      = errors.New("database error")
	ErrCorrelationFeed    = errors.New("correlation feed unavailable")
	ErrNotificationFailed = errors.New("notification delivery failed")
)

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// RiskError represents a breached risk limit.
type RiskError struct {
	Rule    string
	Current float64
	Limit   float64
	Message string
}

func (e *RiskError) Error() string {
	return fmt.Sprintf("risk violation [%s]: %s (current: %.4f, limit: %.4f)", e.Rule, e.Message, e.Current, e.Limit)
}

// NewRiskError creates a new RiskError.
func NewRiskError(rule string, current, limit float64, message string) *RiskError {
	return &RiskError{
		Rule:    rule,
		Current: current,
		Limit:   limit,
		Message: message,
	}
}

// StoreError represents a failure in the decision journal.
type StoreError struct {
	Operation string
	Err       error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error [%s]: %v", e.Operation, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrDatabaseError) match any StoreError.
func (e *StoreError) Is(target error) bool {
	return target == ErrDatabaseError
}

// NewStoreError creates a new StoreError.
func NewStoreError(operation string, err error) *StoreError {
	return &StoreError{
		Operation: operation,
		Err:       err,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
