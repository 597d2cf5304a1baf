package admin

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ledgerpulse/ledgerpulse/pkg/failures"
	"github.com/ledgerpulse/ledgerpulse/pkg/jobs"
	"github.com/ledgerpulse/ledgerpulse/pkg/middleware"
)

// ErrorResponse is the body of every non-2xx admin response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// MapError maps domain errors to an HTTP status and error code.
func MapError(err error) (int, string) {
	switch {
	case errors.Is(err, failures.ErrNotFound), errors.Is(err, ErrJobNotFound), errors.Is(err, jobs.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrJobFailed):
		return http.StatusUnprocessableEntity, "job_failed"
	case errors.Is(err, ErrAlreadyResolved), errors.Is(err, jobs.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, jobs.ErrBrokerUnavailable), errors.Is(err, jobs.ErrDirectModeUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, failures.ErrInvalidArgument),
		errors.Is(err, failures.ErrValidation),
		errors.Is(err, jobs.ErrInvalidArgument),
		errors.Is(err, jobs.ErrValidation),
		errors.Is(err, jobs.ErrUnknownJob):
		return http.StatusBadRequest, "bad_request"
	default:
		return http.StatusInternalServerError, "internal_server_error"
	}
}

func writeError(c *gin.Context, err error) {
	status, code := MapError(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		message = "an unexpected error occurred"
	}
	abort(c, status, code, message)
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:     code,
		Message:   message,
		RequestID: middleware.GetRequestID(c.Request.Context()),
	})
}
