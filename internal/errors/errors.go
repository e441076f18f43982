// Package errors provides the rule engine's unified error taxonomy.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the mandatory classification attached to every error that
// crosses a component boundary (spec §7).
type Kind string

const (
	KindValidation    Kind = "VALIDATION"
	KindNotFound      Kind = "NOT_FOUND"
	KindConflict      Kind = "CONFLICT"
	KindBusy          Kind = "BUSY"
	KindForbidden     Kind = "FORBIDDEN"
	KindLicenseExpired Kind = "LICENSE_EXPIRED"
	KindLicenseQuota  Kind = "LICENSE_QUOTA"
	KindNoRules       Kind = "NO_RULES"
	KindNoCredentials Kind = "NO_CREDENTIALS"
	KindUpstream      Kind = "UPSTREAM_UNAVAILABLE"
	KindTimedOut      Kind = "TIMED_OUT"
	KindInternal      Kind = "INTERNAL"
)

var httpStatus = map[Kind]int{
	KindValidation:     http.StatusBadRequest,
	KindNotFound:       http.StatusNotFound,
	KindConflict:       http.StatusConflict,
	KindBusy:           http.StatusConflict,
	KindForbidden:      http.StatusForbidden,
	KindLicenseExpired: http.StatusPaymentRequired,
	KindLicenseQuota:   http.StatusPaymentRequired,
	KindNoRules:        http.StatusUnprocessableEntity,
	KindNoCredentials:  http.StatusUnprocessableEntity,
	KindUpstream:       http.StatusBadGateway,
	KindTimedOut:       http.StatusGatewayTimeout,
	KindInternal:       http.StatusInternalServerError,
}

// RuleEngineError is a structured error carrying a Kind, a caller-safe
// message, an optional hint, and structured details. It never carries
// secret material — callers constructing one from a path that might
// touch credentials or sealed values must run the message through
// internal/redaction first.
type RuleEngineError struct {
	Kind    Kind                   `json:"kind"`
	Message string                 `json:"message"`
	Hint    string                 `json:"hint,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
	Err     error                  `json:"-"`
}

func (e *RuleEngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *RuleEngineError) Unwrap() error {
	return e.Err
}

// WithDetails attaches structured, non-secret context to the error.
func (e *RuleEngineError) WithDetails(key string, value interface{}) *RuleEngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithHint attaches a caller-facing remediation hint.
func (e *RuleEngineError) WithHint(hint string) *RuleEngineError {
	e.Hint = hint
	return e
}

// New creates a RuleEngineError with no wrapped cause.
func New(kind Kind, message string) *RuleEngineError {
	return &RuleEngineError{Kind: kind, Message: message}
}

// Wrap creates a RuleEngineError around an existing error.
func Wrap(kind Kind, message string, err error) *RuleEngineError {
	return &RuleEngineError{Kind: kind, Message: message, Err: err}
}

// Validation errors

func Validation(field, reason string) *RuleEngineError {
	return New(KindValidation, "invalid request").
		WithDetails("field", field).
		WithDetails("reason", reason)
}

func MissingParameter(param string) *RuleEngineError {
	return New(KindValidation, "missing required parameter").WithDetails("parameter", param)
}

// Resource errors

func NotFound(resource, id string) *RuleEngineError {
	return New(KindNotFound, "resource not found").
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func Conflict(message string) *RuleEngineError {
	return New(KindConflict, message)
}

func Busy(tenant string) *RuleEngineError {
	return New(KindBusy, "tenant slot held by another job").WithDetails("tenant", tenant)
}

func Forbidden(message string) *RuleEngineError {
	return New(KindForbidden, message)
}

// License errors

func LicenseExpired(licenseKey string) *RuleEngineError {
	return New(KindLicenseExpired, "license has expired").WithDetails("license_key", licenseKey)
}

func LicenseQuota(licenseKey string) *RuleEngineError {
	return New(KindLicenseQuota, "license quota exhausted").WithDetails("license_key", licenseKey)
}

// Admission errors

func NoRules() *RuleEngineError {
	return New(KindNoRules, "no rules remain after exclusion and license filtering")
}

func NoCredentials(tenant string) *RuleEngineError {
	return New(KindNoCredentials, "unable to resolve cloud credentials").WithDetails("tenant", tenant)
}

// Operational errors

func Upstream(service string, err error) *RuleEngineError {
	return Wrap(KindUpstream, "upstream dependency unavailable", err).WithDetails("service", service)
}

func TimedOut(operation string) *RuleEngineError {
	return New(KindTimedOut, "operation timed out").WithDetails("operation", operation)
}

func Internal(message string, err error) *RuleEngineError {
	return Wrap(KindInternal, message, err)
}

// Helpers

// As extracts a *RuleEngineError from an error chain.
func As(err error) (*RuleEngineError, bool) {
	var re *RuleEngineError
	ok := errors.As(err, &re)
	return re, ok
}

// KindOf classifies err, defaulting to KindInternal for plain errors.
func KindOf(err error) Kind {
	if re, ok := As(err); ok {
		return re.Kind
	}
	return KindInternal
}

// HTTPStatus maps a Kind to the status code the command-source layer
// should return.
func HTTPStatus(k Kind) int {
	if s, ok := httpStatus[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}
