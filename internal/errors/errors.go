// Package errors defines the typed error taxonomy shared by the auto-reply pipeline.
// Every error carries a stable code so that logs, metrics and HTTP responses can
// classify failures without string matching.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Standard error codes for the application.
const (
	CodeUnknown         = "UNKNOWN"
	CodeValidation      = "VALIDATION"
	CodeUnknownInstance = "UNKNOWN_INSTANCE"
	CodeAuthorization   = "AUTHORIZATION"
	CodeThrottled       = "THROTTLED"
	CodeDeliveryFailed  = "DELIVERY_FAILED"
	CodeQuotaExceeded   = "QUOTA_EXCEEDED"
	CodeDatabase        = "DATABASE"
	CodeConfig          = "CONFIG"
)

// ApplicationError is the interface that all our custom errors implement.
type ApplicationError interface {
	error
	Code() string
	Unwrap() error
}

// baseError carries the code, message and cause shared by every typed error.
type baseError struct {
	code    string
	message string
	err     error
}

func (e *baseError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.message, e.err)
	}

	return e.message
}

func (e *baseError) Code() string {
	return e.code
}

func (e *baseError) Unwrap() error {
	return e.err
}

// Code returns the code of the first ApplicationError in err's chain,
// or CodeUnknown if it doesn't.
func Code(err error) string {
	var appErr ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Code()
	}

	return CodeUnknown
}

// ValidationError reports a malformed payload or argument.
type ValidationError struct {
	baseError
}

func NewValidationError(message string, cause error) error {
	return &ValidationError{baseError{code: CodeValidation, message: message, err: cause}}
}

// UnknownInstanceError reports a reference to an instance the tracker does not know.
type UnknownInstanceError struct {
	baseError
	InstanceID string
}

func NewUnknownInstanceError(instanceID string) error {
	return &UnknownInstanceError{
		baseError:  baseError{code: CodeUnknownInstance, message: fmt.Sprintf("instance %q is not registered", instanceID)},
		InstanceID: instanceID,
	}
}

// AuthorizationError reports that an instance cannot dispatch, either because it is
// not authorized or because the gateway rejected its credentials.
type AuthorizationError struct {
	baseError
	InstanceID string
}

func NewAuthorizationError(instanceID, message string, cause error) error {
	return &AuthorizationError{
		baseError:  baseError{code: CodeAuthorization, message: message, err: cause},
		InstanceID: instanceID,
	}
}

// ThrottledError reports upstream rate limiting. RetryAfter is the interval the
// dispatcher will wait before the job is eligible again.
type ThrottledError struct {
	baseError
	InstanceID string
	RetryAfter time.Duration
}

func NewThrottledError(instanceID string, retryAfter time.Duration, cause error) error {
	return &ThrottledError{
		baseError:  baseError{code: CodeThrottled, message: "gateway throttled request", err: cause},
		InstanceID: instanceID,
		RetryAfter: retryAfter,
	}
}

// DeliveryFailedError reports a job that was dropped after exhausting its attempts
// or hitting a terminal gateway response.
type DeliveryFailedError struct {
	baseError
	InstanceID string
	JobID      string
	Attempts   int
}

func NewDeliveryFailedError(instanceID, jobID string, attempts int, cause error) error {
	return &DeliveryFailedError{
		baseError: baseError{
			code:    CodeDeliveryFailed,
			message: fmt.Sprintf("delivery failed after %d attempt(s)", attempts),
			err:     cause,
		},
		InstanceID: instanceID,
		JobID:      jobID,
		Attempts:   attempts,
	}
}

// QuotaExceededError is an internal signal: the rule reached its daily cap.
type QuotaExceededError struct {
	baseError
	RuleID string
}

func NewQuotaExceededError(ruleID string, maxUses int) error {
	return &QuotaExceededError{
		baseError: baseError{code: CodeQuotaExceeded, message: fmt.Sprintf("rule %q reached its daily quota of %d", ruleID, maxUses)},
		RuleID:    ruleID,
	}
}

type DatabaseError struct {
	baseError
}

func NewDatabaseError(message string, cause error) error {
	return &DatabaseError{baseError{code: CodeDatabase, message: message, err: cause}}
}

type ConfigError struct {
	baseError
}

func NewConfigError(message string, cause error) error {
	return &ConfigError{baseError{code: CodeConfig, message: message, err: cause}}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsUnknownInstance reports whether err is an UnknownInstanceError.
func IsUnknownInstance(err error) bool {
	var target *UnknownInstanceError
	return errors.As(err, &target)
}

// IsAuthorization reports whether err is an AuthorizationError.
func IsAuthorization(err error) bool {
	var target *AuthorizationError
	return errors.As(err, &target)
}

// IsThrottled reports whether err is a ThrottledError.
func IsThrottled(err error) bool {
	var target *ThrottledError
	return errors.As(err, &target)
}

// IsDeliveryFailed reports whether err is a DeliveryFailedError.
func IsDeliveryFailed(err error) bool {
	var target *DeliveryFailedError
	return errors.As(err, &target)
}
