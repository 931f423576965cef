package models

import (
	"errors"
	"fmt"
)

// Stable machine-readable error codes surfaced to API callers.
const (
	CodeNotFound              = "NOT_FOUND"
	CodeInvalidInput          = "INVALID_INPUT"
	CodeInvalidState          = "INVALID_STATE"
	CodeAINotEnabled          = "AI_NOT_ENABLED"
	CodeBudgetExhausted       = "BUDGET_EXHAUSTED"
	CodeReservationFailed     = "RESERVATION_FAILED"
	CodeConflict              = "CONFLICT"
	CodePartialFailure        = "PARTIAL_FAILURE"
	CodeDownstreamUnavailable = "DOWNSTREAM_UNAVAILABLE"
)

// AppError carries a stable code so handlers can map errors to HTTP
// responses without inspecting internal error chains.
type AppError struct {
	Code    string
	Message string
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewAppError builds a coded error.
func NewAppError(code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrCode extracts the stable code from err, or empty string if err does
// not carry one.
func ErrCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}
