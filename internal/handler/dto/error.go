package dto

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mtlprog/agentprov/internal/domain"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error code and message. Details carries diagnostics
// of a failed provisioning saga.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	SagaID  string `json:"sagaId,omitempty"`
}

// NewErrorResponse creates a new error response.
func NewErrorResponse(code, message string) ErrorResponse {
	return ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	}
}

// NewDomainErrorResponse maps err to a status code and a full error response.
func NewDomainErrorResponse(err error) (int, ErrorResponse) {
	status, code, message := MapDomainError(err)
	resp := NewErrorResponse(code, message)

	var provisionErr *domain.ProvisionError
	if errors.As(err, &provisionErr) {
		resp.Error.Details = provisionErr.Details
		resp.Error.SagaID = provisionErr.SagaID
	}
	return status, resp
}

// MapDomainError maps domain errors to HTTP status codes and error codes.
func MapDomainError(err error) (status int, code string, message string) {
	message = err.Error()

	var provisionErr *domain.ProvisionError
	switch {
	// Saga failures: state has been rolled back on a best-effort basis
	case errors.As(err, &provisionErr):
		return http.StatusInternalServerError, string(provisionErr.Kind),
			"agent provisioning failed, changes were rolled back"

	// Request errors
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "VALIDATION_ERROR", message
	case errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized, "INVALID_API_KEY", message
	case errors.Is(err, domain.ErrCallerNotFound):
		return http.StatusUnauthorized, "INVALID_API_KEY", message
	case errors.Is(err, domain.ErrCallerInactive):
		return http.StatusUnauthorized, "CALLER_INACTIVE", message

	// Admission errors
	case errors.Is(err, domain.ErrQuotaExceeded):
		return http.StatusForbidden, "QUOTA_EXCEEDED", message
	case errors.Is(err, domain.ErrAgentAlreadyExists):
		return http.StatusConflict, "AGENT_ALREADY_EXISTS", message

	// Store errors
	case errors.Is(err, domain.ErrProjectNotFound):
		return http.StatusNotFound, "PROJECT_NOT_FOUND", message

	// Default: internal server error
	default:
		// CRITICAL: Log unmapped error for debugging
		slog.Error("unmapped domain error returned to client",
			"error", err,
			"error_type", fmt.Sprintf("%T", err),
		)
		return http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error"
	}
}
