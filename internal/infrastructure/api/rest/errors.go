package rest

import (
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/flowcore/orchestrator/internal/orchestrator/orcherr"
)

type APIError struct {
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	HTTPStatus int                    `json:"-"`
}

func (e *APIError) Error() string {
	return e.Message
}

func NewAPIError(code, message string, httpStatus int) *APIError {
	return &APIError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

func NewAPIErrorWithDetails(code, message string, httpStatus int, details map[string]interface{}) *APIError {
	return &APIError{
		Code:       code,
		Message:    message,
		Details:    details,
		HTTPStatus: httpStatus,
	}
}

var (
	ErrBadRequest       = NewAPIError("BAD_REQUEST", "Invalid request", http.StatusBadRequest)
	ErrUnauthorized     = NewAPIError("UNAUTHORIZED", "Authentication required", http.StatusUnauthorized)
	ErrForbidden        = NewAPIError("FORBIDDEN", "Access denied", http.StatusForbidden)
	ErrNotFound         = NewAPIError("NOT_FOUND", "Resource not found", http.StatusNotFound)
	ErrConflict         = NewAPIError("CONFLICT", "Resource conflict", http.StatusConflict)
	ErrValidationFailed = NewAPIError("VALIDATION_FAILED", "Validation failed", http.StatusBadRequest)
	ErrInternalServer   = NewAPIError("INTERNAL_ERROR", "Internal server error", http.StatusInternalServerError)
	ErrTooManyRequests  = NewAPIError("RATE_LIMIT_EXCEEDED", "Too many requests", http.StatusTooManyRequests)
	ErrInvalidJSON      = NewAPIError("INVALID_JSON", "Invalid JSON in request body", http.StatusBadRequest)
	ErrMissingParameter = NewAPIError("MISSING_PARAMETER", "Required parameter is missing", http.StatusBadRequest)
	ErrInvalidParameter = NewAPIError("INVALID_PARAMETER", "Invalid parameter value", http.StatusBadRequest)
)

// kindStatus maps the orchestrator's error taxonomy onto HTTP statuses.
var kindStatus = map[orcherr.Kind]int{
	orcherr.KindGraphNotFound:        http.StatusNotFound,
	orcherr.KindInstanceNotFound:     http.StatusNotFound,
	orcherr.KindNodeNotFound:         http.StatusNotFound,
	orcherr.KindInvalidState:         http.StatusConflict,
	orcherr.KindPreconditionFailed:   http.StatusUnprocessableEntity,
	orcherr.KindGuardFailed:          http.StatusUnprocessableEntity,
	orcherr.KindPolicyBlocked:        http.StatusForbidden,
	orcherr.KindExpressionError:      http.StatusBadRequest,
	orcherr.KindActionFailed:         http.StatusBadGateway,
	orcherr.KindTimeout:              http.StatusGatewayTimeout,
	orcherr.KindRuleEvaluationFailed: http.StatusUnprocessableEntity,
	orcherr.KindCompensationFailed:   http.StatusBadGateway,
}

// TranslateError maps any error surfaced by the orchestrator to its API
// representation.
func TranslateError(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var oe *orcherr.Error
	if errors.As(err, &oe) {
		status, ok := kindStatus[oe.Kind]
		if !ok {
			status = http.StatusInternalServerError
		}
		return NewAPIError(string(oe.Kind), oe.Message, status)
	}

	// Database-level not found (when a repository doesn't wrap sql.ErrNoRows)
	if errors.Is(err, sql.ErrNoRows) {
		return NewAPIError("NOT_FOUND", "Resource not found", http.StatusNotFound)
	}

	// Check for string patterns in error message as fallback
	errMsg := strings.ToLower(err.Error())
	if strings.Contains(errMsg, "no rows") || strings.Contains(errMsg, "not found") {
		return NewAPIError("NOT_FOUND", "Resource not found", http.StatusNotFound)
	}

	return NewAPIError("INTERNAL_ERROR", "An unexpected error occurred", http.StatusInternalServerError)
}
