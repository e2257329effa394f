package flare

import (
	"fmt"
	"net/http"
)

// Error codes rendered in JSON error bodies
const (
	ErrorCodeInvalidInput           = "invalid_input"
	ErrorCodeRateLimitExceeded      = "rate_limit_exceeded"
	ErrorCodeInvalidOrExpiredToken  = "invalid_or_expired_token"
	ErrorCodeUnauthenticated        = "unauthenticated"
	ErrorCodeInvalidNonce           = "invalid_nonce"
	ErrorCodeInvalidState           = "invalid_state"
	ErrorCodeUnsupportedProvider    = "unsupported_provider"
	ErrorCodeUpstreamExchangeFailed = "upstream_exchange_failed"
	ErrorCodeUpstreamUnavailable    = "upstream_unavailable"
	ErrorCodeNotFound               = "not_found"
	ErrorCodeInternal               = "internal_error"
)

// AppError is an error that carries the taxonomy code and the HTTP status
// it should be rendered with at the request boundary.
type AppError struct {
	Code        string // error code (e.g., "invalid_input", "rate_limit_exceeded")
	Description string // human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewAppError creates a new application error
func NewAppError(code, description string, status int) *AppError {
	return &AppError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common errors as reusable constructors
var (
	// ErrInvalidInput indicates the request is malformed or missing required parameters
	ErrInvalidInput = func(desc string) *AppError {
		return NewAppError(ErrorCodeInvalidInput, desc, http.StatusBadRequest)
	}

	// ErrRateLimitExceeded indicates the requester exceeded the token issuance limit
	ErrRateLimitExceeded = func(desc string) *AppError {
		return NewAppError(ErrorCodeRateLimitExceeded, desc, http.StatusTooManyRequests)
	}

	// ErrInvalidOrExpiredToken indicates the login token is unknown, consumed, or past expiry
	ErrInvalidOrExpiredToken = func(desc string) *AppError {
		return NewAppError(ErrorCodeInvalidOrExpiredToken, desc, http.StatusBadRequest)
	}

	// ErrUnauthenticated indicates a missing or invalid session
	ErrUnauthenticated = func(desc string) *AppError {
		return NewAppError(ErrorCodeUnauthenticated, desc, http.StatusUnauthorized)
	}

	// ErrInvalidNonce indicates the link callback carried an unknown or already consumed nonce
	ErrInvalidNonce = func(desc string) *AppError {
		return NewAppError(ErrorCodeInvalidNonce, desc, http.StatusBadRequest)
	}

	// ErrInvalidState indicates the link callback state does not match the stored value
	ErrInvalidState = func(desc string) *AppError {
		return NewAppError(ErrorCodeInvalidState, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedProvider indicates the platform has no linking support
	ErrUnsupportedProvider = func(desc string) *AppError {
		return NewAppError(ErrorCodeUnsupportedProvider, desc, http.StatusBadRequest)
	}

	// ErrUpstreamExchangeFailed indicates a provider token or identity call failed
	ErrUpstreamExchangeFailed = func(desc string) *AppError {
		return NewAppError(ErrorCodeUpstreamExchangeFailed, desc, http.StatusBadGateway)
	}

	// ErrUpstreamUnavailable indicates the upstream catalog API could not be reached
	ErrUpstreamUnavailable = func(desc string) *AppError {
		return NewAppError(ErrorCodeUpstreamUnavailable, desc, http.StatusBadGateway)
	}

	// ErrNotFound indicates an unknown route or a platform that is not connected
	ErrNotFound = func(desc string) *AppError {
		return NewAppError(ErrorCodeNotFound, desc, http.StatusNotFound)
	}

	// ErrInternal indicates a storage or encoding failure
	ErrInternal = func(desc string) *AppError {
		return NewAppError(ErrorCodeInternal, desc, http.StatusInternalServerError)
	}
)
