package utils

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Common error types for consistent handling
var (
	ErrNotFound           = errors.New("resource not found")
	ErrAlreadyExists      = errors.New("resource already exists")
	ErrBadRequest         = errors.New("invalid request")
	ErrInternalServer     = errors.New("internal server error")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrValidation         = errors.New("validation error")
)

// Ingestion and alarm errors
var (
	// ErrDeviceNotFound means the identity did not resolve to an active device; nothing was written.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrValueNormalization means a single datapoint value could not be coerced.
	ErrValueNormalization = errors.New("value normalization failed")
	// ErrUnknownRuleReference marks a rule that points at a datapoint that no longer exists.
	ErrUnknownRuleReference = errors.New("alarm rule references unknown datapoint")
	// ErrStoreUnavailable means the durable write failed and the batch should be retried.
	ErrStoreUnavailable = errors.New("telemetry store unavailable")
	// ErrDispatchFailure is only ever logged and counted.
	ErrDispatchFailure = errors.New("alarm notification dispatch failed")
	// ErrInvalidTransition is returned for acknowledge/clear from an illegal alarm state.
	ErrInvalidTransition = errors.New("invalid alarm state transition")
)

// ErrorResponse represents a standardized API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

// HandleError processes an error and returns the appropriate HTTP response
func HandleError(ctx *gin.Context, err error, logger *Logger) {
	status, response := processError(err)

	if status >= 500 {
		logger.Error("Server error",
			zap.Error(err),
			zap.String("path", ctx.Request.URL.Path),
			zap.String("method", ctx.Request.Method),
			zap.String("ip", ctx.ClientIP()),
		)
	}

	var coded *ErrorWithCode
	if errors.As(err, &coded) {
		response.Code = coded.Code
	}

	ctx.JSON(status, response)
}

// processError determines the appropriate HTTP status code and response for an error
func processError(err error) (int, ErrorResponse) {
	switch {
	case errors.Is(err, ErrDeviceNotFound):
		return http.StatusNotFound, ErrorResponse{
			Error:   "device_not_found",
			Message: err.Error(),
		}
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: err.Error(),
		}
	case errors.Is(err, ErrAlreadyExists):
		return http.StatusConflict, ErrorResponse{
			Error:   "already_exists",
			Message: err.Error(),
		}
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict, ErrorResponse{
			Error:   "invalid_transition",
			Message: err.Error(),
		}
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, ErrorResponse{
			Error:   "bad_request",
			Message: err.Error(),
		}
	case errors.Is(err, ErrValidation), errors.Is(err, ErrValueNormalization):
		return http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		}
	case errors.Is(err, ErrStoreUnavailable), errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, ErrorResponse{
			Error:   "service_unavailable",
			Message: err.Error(),
		}
	default:
		return http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_server_error",
			Message: "An unexpected error occurred",
		}
	}
}

// ErrorWithCode attaches a machine-readable code to an error
type ErrorWithCode struct {
	Err  error
	Code string
}

// Error returns the error message
func (e *ErrorWithCode) Error() string {
	return e.Err.Error()
}

// Unwrap returns the wrapped error
func (e *ErrorWithCode) Unwrap() error {
	return e.Err
}

// NewErrorWithCode creates a new error with a custom error code
func NewErrorWithCode(err error, code string) error {
	return &ErrorWithCode{
		Err:  err,
		Code: code,
	}
}
