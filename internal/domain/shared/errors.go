// Package shared contains common domain types, errors and events that are
// used across all domain packages of the progress engine.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")

	// Validation errors
	ErrValidation      = errors.New("validation error")
	ErrInvalidID       = errors.New("invalid ID")
	ErrInvalidInput    = errors.New("invalid input")
	ErrEmptyValue      = errors.New("value cannot be empty")
	ErrNegativeValue   = errors.New("value cannot be negative")
	ErrValueOutOfRange = errors.New("value out of range")
	ErrInvalidFormat   = errors.New("invalid format")

	// State errors
	ErrInvalidState    = errors.New("invalid state")
	ErrStateTransition = errors.New("invalid state transition")

	// Concurrency errors
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// Rule errors
	ErrMalformedRule   = errors.New("malformed rule")
	ErrUnknownRuleType = errors.New("unknown rule type")

	// Transport and infrastructure errors
	ErrTransport          = errors.New("transport error")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("operation timeout")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "achievement", "challenge", "ledger"
	Op      string // Operation that failed, e.g., "Unlock", "Credit"
	Kind    error  // Base error type for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Activity domain errors
var (
	ErrActivityNotFound    = NewDomainError("activity", "Find", ErrNotFound, "activity not found")
	ErrInvalidActivityType = NewDomainError("activity", "Validate", ErrInvalidInput, "unknown activity type")
	ErrMissingUserID       = NewDomainError("activity", "Validate", ErrEmptyValue, "user id is required")
	ErrMissingTitle        = NewDomainError("activity", "Validate", ErrEmptyValue, "title is required")
)

// Achievement domain errors
var (
	ErrAchievementNotFound = NewDomainError("achievement", "Find", ErrNotFound, "achievement not found")
	ErrAlreadyUnlocked     = NewDomainError("achievement", "Unlock", ErrAlreadyExists, "achievement already unlocked")
)

// Challenge domain errors
var (
	ErrChallengeNotFound   = NewDomainError("challenge", "Find", ErrNotFound, "daily challenge not found")
	ErrProgressNotFound    = NewDomainError("challenge", "FindProgress", ErrNotFound, "challenge progress not found")
	ErrChallengeCompleted  = NewDomainError("challenge", "Advance", ErrInvalidState, "challenge already completed")
	ErrInvalidTarget       = NewDomainError("challenge", "Validate", ErrValueOutOfRange, "target must be positive")
	ErrProgressRegression  = NewDomainError("challenge", "Advance", ErrStateTransition, "progress cannot decrease")
	ErrSettingsNotFound    = NewDomainError("challenge", "FindSettings", ErrNotFound, "challenge settings not found")
	ErrInvalidStatusChange = NewDomainError("challenge", "Transition", ErrStateTransition, "invalid challenge status transition")
)

// Ledger domain errors
var (
	ErrAccountNotFound  = NewDomainError("ledger", "Find", ErrNotFound, "account not found")
	ErrNonPositiveXP    = NewDomainError("ledger", "Credit", ErrValueOutOfRange, "credit amount must be positive")
	ErrMissingCreditKey = NewDomainError("ledger", "Credit", ErrEmptyValue, "credit idempotency key is required")
)

// Event bus errors
var (
	ErrPublishFailed  = NewDomainError("eventbus", "Publish", ErrTransport, "event publish failed")
	ErrPublishTimeout = NewDomainError("eventbus", "Publish", ErrTimeout, "event publish timed out")
	ErrBusNotRunning  = NewDomainError("eventbus", "Publish", ErrInvalidState, "event bus is not running")
)

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists checks if the error is an "already exists" error.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrEmptyValue) ||
		errors.Is(err, ErrNegativeValue) ||
		errors.Is(err, ErrValueOutOfRange) ||
		errors.Is(err, ErrInvalidFormat)
}

// IsRuleError reports whether the error came from parsing a rule.
func IsRuleError(err error) bool {
	return errors.Is(err, ErrMalformedRule) || errors.Is(err, ErrUnknownRuleType)
}

// IsRetryable checks if the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrConcurrentModification)
}
