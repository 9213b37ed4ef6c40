package aggregates

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode standardizes aggregate failure semantics across domains.
type ErrorCode string

const (
	CodeValidation         ErrorCode = "validation"
	CodeNotFound           ErrorCode = "not_found"
	CodeConflict           ErrorCode = "conflict"
	CodeInvariantViolation ErrorCode = "invariant_violation"
	CodePreconditionFailed ErrorCode = "precondition_failed"
	CodeRetryable          ErrorCode = "retryable"
	CodeInternal           ErrorCode = "internal"
)

// Error is the canonical aggregate error wrapper.
type Error struct {
	Code    ErrorCode
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	op := strings.TrimSpace(e.Op)
	msg := strings.TrimSpace(e.Message)
	switch {
	case op != "" && msg != "":
		return fmt.Sprintf("%s: %s (%s)", op, msg, e.Code)
	case op != "":
		return fmt.Sprintf("%s (%s)", op, e.Code)
	case msg != "":
		return fmt.Sprintf("%s (%s)", msg, e.Code)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds an aggregate error with explicit code + operation.
func NewError(code ErrorCode, op, message string, cause error) error {
	return &Error{
		Code:    code,
		Op:      strings.TrimSpace(op),
		Message: strings.TrimSpace(message),
		Cause:   cause,
	}
}

// Wrap annotates an existing error with aggregate error semantics.
func Wrap(code ErrorCode, op string, err error) error {
	if err == nil {
		return nil
	}
	return NewError(code, op, err.Error(), err)
}

// IsCode checks whether err (or wrapped err) carries the given aggregate code.
func IsCode(err error, code ErrorCode) bool {
	var aggErr *Error
	if !errors.As(err, &aggErr) {
		return false
	}
	return aggErr.Code == code
}

// CodeOf extracts the aggregate error code when available.
func CodeOf(err error) ErrorCode {
	var aggErr *Error
	if !errors.As(err, &aggErr) {
		return ""
	}
	return aggErr.Code
}

// VersionConflictError reports an optimistic write whose expected version no longer matches.
type VersionConflictError struct {
	Entity   string
	ID       string
	Expected int
	Actual   int
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("%s %s: version conflict (expected %d, actual %d)", e.Entity, e.ID, e.Expected, e.Actual)
}

// NewVersionConflict builds a conflict-coded error carrying a *VersionConflictError cause.
func NewVersionConflict(op, entity, id string, expected, actual int) error {
	cause := &VersionConflictError{Entity: entity, ID: id, Expected: expected, Actual: actual}
	return NewError(CodeConflict, op, cause.Error(), cause)
}

// NewNotFound builds a not_found error for an entity id.
func NewNotFound(op, entity, id string) error {
	return NewError(CodeNotFound, op, fmt.Sprintf("%s %s not found", entity, id), nil)
}

// NewValidation builds a validation error.
func NewValidation(op, message string) error {
	return NewError(CodeValidation, op, message, nil)
}

// AsVersionConflict returns the conflict details when err is an optimistic-lock mismatch.
func AsVersionConflict(err error) (*VersionConflictError, bool) {
	var vc *VersionConflictError
	if errors.As(err, &vc) {
		return vc, true
	}
	return nil, false
}

func IsNotFound(err error) bool   { return IsCode(err, CodeNotFound) }
func IsValidation(err error) bool { return IsCode(err, CodeValidation) }
func IsConflict(err error) bool   { return IsCode(err, CodeConflict) }

// IsVersionConflict reports whether err is an optimistic-lock mismatch.
func IsVersionConflict(err error) bool {
	_, ok := AsVersionConflict(err)
	return ok
}
