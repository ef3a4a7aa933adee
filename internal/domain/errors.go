package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Application error codes
const (
	EINVALID          = "invalid"           // Invalid input or validation failure
	EUNAUTHORIZED     = "unauthorized"      // Actor does not own the resource
	ENOTFOUND         = "not_found"         // Resource not found
	ECONFLICT         = "conflict"          // Duplicate token or concurrent-update retries exhausted
	EQUOTA            = "quota_exceeded"    // Monthly creation quota reached
	EPLANINACTIVE     = "plan_inactive"     // Subscription lapsed
	ECAMPAIGNINACTIVE = "campaign_inactive" // Campaign switched off by its owner
	ECAMPAIGNEXPIRED  = "campaign_expired"  // Campaign expiry is in the past
	ELIMITREACHED     = "limit_reached"     // Code has no redemptions left
	ERENDER           = "render_failed"     // Code image could not be produced
	EINTERNAL         = "internal"          // Internal server error
)

// Error represents an application error with structured information.
type Error struct {
	Code    string // Machine-readable error code
	Op      string // Operation that failed (e.g., "campaign.create")
	Message string // Human-readable message
	Err     error  // Underlying error

	// Quota is set on EQUOTA errors.
	Quota *QuotaDetail
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// QuotaDetail carries the numbers behind a quota rejection for client display.
type QuotaDetail struct {
	Type  QuotaType
	Used  int64
	Limit int64
}

// Errorf creates a new Error with the given code, operation, and formatted message.
func Errorf(code, op, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with additional context.
func Wrap(err error, code, op, message string) *Error {
	return &Error{
		Code:    code,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// ErrorCode returns the code of the root error, or EINTERNAL if none.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return EINVALID
	}
	return EINTERNAL
}

// ErrorMessage returns the human-readable message of the error.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		// For internal errors, return generic message
		if e.Code == EINTERNAL {
			return "An internal error occurred. Please try again later."
		}
		return e.Message
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Error()
	}
	return "An internal error occurred. Please try again later."
}

// ErrorOp returns the operation of the root error, if any.
func ErrorOp(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Op
	}
	return ""
}

// QuotaDetailOf returns the quota numbers attached to a QuotaExceeded error.
func QuotaDetailOf(err error) (*QuotaDetail, bool) {
	var e *Error
	if errors.As(err, &e) && e.Quota != nil {
		return e.Quota, true
	}
	return nil, false
}

// Convenience constructors for common error types

// NotFound creates a not found error.
func NotFound(op, resource, id string) *Error {
	return &Error{
		Code:    ENOTFOUND,
		Op:      op,
		Message: fmt.Sprintf("%s with ID %q not found", resource, id),
	}
}

// Invalid creates a validation error.
func Invalid(op, message string) *Error {
	return &Error{
		Code:    EINVALID,
		Op:      op,
		Message: message,
	}
}

// Unauthorized creates an ownership error.
func Unauthorized(op, message string) *Error {
	return &Error{
		Code:    EUNAUTHORIZED,
		Op:      op,
		Message: message,
	}
}

// Conflict creates a conflict error.
func Conflict(op, message string) *Error {
	return &Error{
		Code:    ECONFLICT,
		Op:      op,
		Message: message,
	}
}

// Internal creates an internal error, wrapping the underlying error.
func Internal(err error, op, message string) *Error {
	return &Error{
		Code:    EINTERNAL,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// QuotaExceeded creates a quota error carrying the current count and limit.
func QuotaExceeded(op string, quotaType QuotaType, used, limit int64) *Error {
	return &Error{
		Code:    EQUOTA,
		Op:      op,
		Message: fmt.Sprintf("monthly %s quota exceeded (%d of %d used)", quotaType, used, limit),
		Quota:   &QuotaDetail{Type: quotaType, Used: used, Limit: limit},
	}
}

// PlanInactive creates an error for a lapsed subscription.
func PlanInactive(op string) *Error {
	return &Error{
		Code:    EPLANINACTIVE,
		Op:      op,
		Message: "subscription is not active",
	}
}

// ValidationError represents field-level validation errors.
type ValidationError struct {
	Op     string
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.Fields))
	for field := range e.Fields {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fmt.Sprintf("%s: validation failed: %s", e.Op, strings.Join(fields, ", "))
}

// NewValidationError creates a new validation error with the first field error.
func NewValidationError(op, field, message string) *ValidationError {
	return &ValidationError{
		Op: op,
		Fields: map[string]string{
			field: message,
		},
	}
}

// AddFieldError adds a field error to an existing validation error.
// If err is not a ValidationError, returns a new one.
func AddFieldError(err error, field, message string) *ValidationError {
	var ve *ValidationError
	if errors.As(err, &ve) {
		ve.Fields[field] = message
		return ve
	}
	return NewValidationError("", field, message)
}
