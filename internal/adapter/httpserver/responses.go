// Package httpserver contains HTTP handlers and middleware.
//
// It provides REST API endpoints for the application including
// platform connection management, task enqueueing, review decisions,
// and result retrieval. The package follows clean architecture
// principles and provides a clear separation between HTTP concerns
// and business logic.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/vedfolnir/vedfolnir/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code       string      `json:"code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
	RetryAfter *int        `json:"retry_after,omitempty"`
	Guidance   string      `json:"guidance,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a domain sentinel error to an HTTP status and a stable
// {code, message, retry_after?, guidance?} body per the error taxonomy.
func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	status, codeStr, guidance := classifyError(err)
	apiErr := apiError{Code: codeStr, Message: err.Error(), Details: details, Guidance: guidance}
	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		secs := int((30 * time.Second).Seconds())
		apiErr.RetryAfter = &secs
	}
	writeJSON(w, status, errorEnvelope{Error: apiErr})
}

func classifyError(err error) (status int, code, guidance string) {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest, "INVALID_ARGUMENT", "check the request body against the documented schema"
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "VALIDATION_ERROR", "check the request body against the documented schema"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", ""
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "CONFLICT", "only one active task is allowed per user at a time"
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, "RATE_LIMITED", "retry after the indicated delay"
	case errors.Is(err, domain.ErrUpstreamTimeout):
		return http.StatusServiceUnavailable, "UPSTREAM_TIMEOUT", "the platform instance did not respond in time, retry shortly"
	case errors.Is(err, domain.ErrUpstreamRateLimit):
		return http.StatusServiceUnavailable, "UPSTREAM_RATE_LIMIT", "the platform instance is rate limiting this connection, retry shortly"
	case errors.Is(err, domain.ErrAuthentication):
		return http.StatusUnauthorized, "AUTHENTICATION_FAILED", "reconnect the platform account with a fresh access token"
	case errors.Is(err, domain.ErrPlatformContext):
		return http.StatusBadRequest, "PLATFORM_CONTEXT_REQUIRED", "select a platform connection before retrying this request"
	case errors.Is(err, domain.ErrDetachedInstance):
		return http.StatusInternalServerError, "DETACHED_INSTANCE", ""
	case errors.Is(err, domain.ErrResource):
		return http.StatusBadGateway, "RESOURCE_ERROR", ""
	default:
		return http.StatusInternalServerError, "INTERNAL", ""
	}
}
