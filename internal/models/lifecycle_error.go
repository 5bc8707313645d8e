package models

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies lifecycle failures for callers
type ErrorKind string

const (
	KindNotFound         ErrorKind = "NOT_FOUND"
	KindAccessDenied     ErrorKind = "ACCESS_DENIED"
	KindStateConflict    ErrorKind = "STATE_CONFLICT"
	KindValidation       ErrorKind = "VALIDATION_ERROR"
	KindGateway          ErrorKind = "GATEWAY_ERROR"
	KindAlreadyProcessed ErrorKind = "ALREADY_PROCESSED"
	KindRateLimited      ErrorKind = "RATE_LIMITED"
)

// LifecycleError is the structured error returned by booking operations
type LifecycleError struct {
	Kind          ErrorKind
	Message       string
	CurrentStatus BookingStatus // set for STATE_CONFLICT and ALREADY_PROCESSED
	Err           error
}

func (e *LifecycleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *LifecycleError) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error kind to a response code
func (e *LifecycleError) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindAccessDenied:
		return http.StatusForbidden
	case KindStateConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	case KindGateway:
		return http.StatusBadGateway
	case KindAlreadyProcessed:
		return http.StatusOK
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// NewNotFoundError reports a missing booking, transaction or session
func NewNotFoundError(entity string, id fmt.Stringer) *LifecycleError {
	return NewNotFoundKeyError(entity, id.String())
}

// NewNotFoundKeyError is NewNotFoundError for entities keyed by name or
// provider reference
func NewNotFoundKeyError(entity, key string) *LifecycleError {
	return &LifecycleError{Kind: KindNotFound, Message: fmt.Sprintf("%s %s not found", entity, key)}
}

// NewAccessDeniedError reports an actor outside the capability allow-list
func NewAccessDeniedError(capability Capability) *LifecycleError {
	return &LifecycleError{Kind: KindAccessDenied, Message: fmt.Sprintf("actor may not %s this booking", capability)}
}

// NewStateConflictError reports a failed guard, naming the offending status
func NewStateConflictError(current BookingStatus, action string) *LifecycleError {
	return &LifecycleError{
		Kind:          KindStateConflict,
		Message:       fmt.Sprintf("cannot %s booking in status %s", action, current),
		CurrentStatus: current,
	}
}

// NewValidationError reports malformed input
func NewValidationError(format string, args ...interface{}) *LifecycleError {
	return &LifecycleError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NewGatewayError wraps a payment provider failure
func NewGatewayError(gateway string, err error) *LifecycleError {
	return &LifecycleError{Kind: KindGateway, Message: fmt.Sprintf("payment gateway %s failed", gateway), Err: err}
}

// NewAlreadyProcessedError reports an idempotent replay
func NewAlreadyProcessedError(current BookingStatus) *LifecycleError {
	return &LifecycleError{
		Kind:          KindAlreadyProcessed,
		Message:       fmt.Sprintf("event already applied, booking is %s", current),
		CurrentStatus: current,
	}
}

// NewRateLimitedError reports too many attempts in the limiter window
func NewRateLimitedError(retryAfterSeconds int) *LifecycleError {
	return &LifecycleError{
		Kind:    KindRateLimited,
		Message: fmt.Sprintf("too many attempts, retry in %d seconds", retryAfterSeconds),
	}
}

// KindOf returns the lifecycle kind of err, or "" for infrastructure errors
func KindOf(err error) ErrorKind {
	var le *LifecycleError
	if errors.As(err, &le) {
		return le.Kind
	}
	return ""
}

// IsAlreadyProcessed reports whether err is an idempotent replay (a success for callers)
func IsAlreadyProcessed(err error) bool {
	return KindOf(err) == KindAlreadyProcessed
}
