package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/graphforge/graphforge-backend/internal/platform/apperr"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

func RespondCreated(c *gin.Context, payload any) {
	c.JSON(http.StatusCreated, payload)
}

// RespondAppError maps domain sentinels onto HTTP statuses so handlers
// do not repeat the switch.
func RespondAppError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		RespondError(c, http.StatusNotFound, "not_found", err)
	case errors.Is(err, apperr.ErrInvalidTransition):
		RespondError(c, http.StatusConflict, "invalid_transition", err)
	case errors.Is(err, apperr.ErrInvalidState):
		RespondError(c, http.StatusConflict, "invalid_state", err)
	case errors.Is(err, apperr.ErrDuplicateName):
		RespondError(c, http.StatusConflict, "duplicate_name", err)
	case errors.Is(err, apperr.ErrValidation):
		RespondError(c, http.StatusBadRequest, "validation_failed", err)
	default:
		RespondError(c, http.StatusInternalServerError, "internal_error", err)
	}
}
