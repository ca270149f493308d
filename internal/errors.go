package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "VALIDATION_ERROR"
	ErrorTypeNotFound     ErrorType = "NOT_FOUND"
	ErrorTypeUnauthorized ErrorType = "UNAUTHORIZED"
	ErrorTypeForbidden    ErrorType = "FORBIDDEN"
	ErrorTypeConflict     ErrorType = "CONFLICT"
	ErrorTypeInternal     ErrorType = "INTERNAL_ERROR"
	ErrorTypeExternal     ErrorType = "EXTERNAL_ERROR"
)

type ErrorCode string

const (
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeInvalidAmount    ErrorCode = "INVALID_AMOUNT"
	ErrCodeInvalidCurrency  ErrorCode = "INVALID_CURRENCY"
	ErrCodeInvalidReference ErrorCode = "INVALID_REFERENCE"

	ErrCodeIntentNotFound      ErrorCode = "INTENT_NOT_FOUND"
	ErrCodeIntentExpired       ErrorCode = "INTENT_EXPIRED"
	ErrCodeAmountMismatch      ErrorCode = "AMOUNT_MISMATCH"
	ErrCodePersistenceConflict ErrorCode = "PERSISTENCE_CONFLICT"

	ErrCodeGatewayTimeout     ErrorCode = "GATEWAY_TIMEOUT"
	ErrCodeGatewayUnreachable ErrorCode = "GATEWAY_UNREACHABLE"
	ErrCodeGatewayPending     ErrorCode = "GATEWAY_PENDING"
	ErrCodeGatewayRejected    ErrorCode = "GATEWAY_REJECTED"

	ErrCodeInvalidToken     ErrorCode = "INVALID_TOKEN"
	ErrCodeTokenExpired     ErrorCode = "TOKEN_EXPIRED"
	ErrCodeMissingPerm      ErrorCode = "MISSING_PERMISSION"
	ErrCodeInvalidSignature ErrorCode = "INVALID_SIGNATURE"
)

type AppError struct {
	Type       ErrorType   `json:"type"`
	Code       ErrorCode   `json:"code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
	Retryable  bool        `json:"retryable"`
	StatusCode int         `json:"-"`
	Cause      error       `json:"-"`
}

func (e *AppError) Error() string {
	if msgs := e.fieldMessages(); len(msgs) > 0 {
		return msgs[0]
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// GetDetailedMessage joins field messages of a validation error; other errors report Message
// without the cause, which may hold internals.
func (e *AppError) GetDetailedMessage() string {
	if msgs := e.fieldMessages(); len(msgs) > 0 {
		return strings.Join(msgs, "; ")
	}
	return e.Message
}

func (e *AppError) fieldMessages() []string {
	details, ok := e.Details.(ValidationErrors)
	if !ok {
		return nil
	}
	msgs := make([]string, 0, len(details.Errors))
	for _, fe := range details.Errors {
		msgs = append(msgs, fe.Message)
	}
	return msgs
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches any AppError carrying the same code, so package-level sentinels
// work with errors.Is against freshly built errors.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithCause returns a copy; sentinels are shared and must not be mutated.
func (e *AppError) WithCause(cause error) *AppError {
	cp := *e
	cp.Cause = cause
	return &cp
}

func (e *AppError) WithDetails(details interface{}) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func newAppError(typ ErrorType, code ErrorCode, status int, message string) *AppError {
	return &AppError{Type: typ, Code: code, Message: message, StatusCode: status}
}

func NewValidationError(message string, code ErrorCode) *AppError {
	return newAppError(ErrorTypeValidation, code, http.StatusBadRequest, message)
}

// NewValidationFieldError reports a single bad field under the generic VALIDATION_FAILED code.
func NewValidationFieldError(field, message string, code ErrorCode) *AppError {
	return NewValidationError("Validation failed", ErrCodeValidationFailed).
		WithDetails(ValidationErrors{Errors: []ValidationError{{Field: field, Message: message, Code: string(code)}}})
}

func NewNotFoundError(message string, code ErrorCode) *AppError {
	return newAppError(ErrorTypeNotFound, code, http.StatusNotFound, message)
}

func NewUnauthorizedError(message string, code ErrorCode) *AppError {
	return newAppError(ErrorTypeUnauthorized, code, http.StatusUnauthorized, message)
}

func NewForbiddenError(message string, code ErrorCode) *AppError {
	return newAppError(ErrorTypeForbidden, code, http.StatusForbidden, message)
}

func NewConflictError(message string, code ErrorCode) *AppError {
	return newAppError(ErrorTypeConflict, code, http.StatusConflict, message)
}

func NewInternalError(message string, cause error) *AppError {
	return newAppError(ErrorTypeInternal, "INTERNAL_ERROR", http.StatusInternalServerError, message).WithCause(cause)
}

// NewGatewayError describes a problem talking to the payment provider.
// Everything but an explicit rejection is retryable and leaves the intent untouched.
func NewGatewayError(code ErrorCode, message string, cause error) *AppError {
	status := http.StatusBadGateway
	switch code {
	case ErrCodeGatewayTimeout:
		status = http.StatusGatewayTimeout
	case ErrCodeGatewayPending:
		status = http.StatusAccepted
	case ErrCodeGatewayRejected:
		status = http.StatusPaymentRequired
	}
	appErr := newAppError(ErrorTypeExternal, code, status, message).WithCause(cause)
	appErr.Retryable = code != ErrCodeGatewayRejected
	return appErr
}

func NewPersistenceConflictError(message string, cause error) *AppError {
	appErr := NewConflictError(message, ErrCodePersistenceConflict).WithCause(cause)
	appErr.Retryable = true
	return appErr
}

var (
	ErrIntentNotFound      = NewNotFoundError("Payment intent not found", ErrCodeIntentNotFound)
	ErrPersistenceConflict = NewPersistenceConflictError("payment intent changed concurrently", nil)
	ErrGatewayTimeout      = NewGatewayError(ErrCodeGatewayTimeout, "payment gateway timed out", nil)
	ErrGatewayUnreachable  = NewGatewayError(ErrCodeGatewayUnreachable, "payment gateway unreachable", nil)
	ErrGatewayPending      = NewGatewayError(ErrCodeGatewayPending, "payment not settled at gateway yet", nil)
	ErrGatewayRejected     = NewGatewayError(ErrCodeGatewayRejected, "payment rejected by gateway", nil)
	ErrIntentExpired       = newAppError(ErrorTypeConflict, ErrCodeIntentExpired, http.StatusGone, "payment intent expired")

	ErrInvalidToken     = NewUnauthorizedError("Invalid token", ErrCodeInvalidToken)
	ErrTokenExpired     = NewUnauthorizedError("Token has expired", ErrCodeTokenExpired)
	ErrMissingPerm      = NewForbiddenError("missing required permission", ErrCodeMissingPerm)
	ErrInvalidSignature = NewUnauthorizedError("invalid webhook signature", ErrCodeInvalidSignature)
)

func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsRetryable reports whether err is a transient failure the caller may retry later.
func IsRetryable(err error) bool {
	appErr, ok := IsAppError(err)
	return ok && appErr.Retryable
}

type Response struct {
	Error *AppError `json:"error"`
}

func (e *AppError) ToHTTPResponse() (int, interface{}) {
	return e.StatusCode, Response{Error: e}
}

func (e *AppError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      ErrorType   `json:"type"`
		Code      ErrorCode   `json:"code"`
		Message   string      `json:"message"`
		Retryable bool        `json:"retryable,omitempty"`
		Details   interface{} `json:"details,omitempty"`
	}{
		Type:      e.Type,
		Code:      e.Code,
		Message:   e.GetDetailedMessage(),
		Retryable: e.Retryable,
		Details:   e.Details,
	})
}
