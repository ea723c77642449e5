package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-guard/internal/response"
	"github.com/stemsi/exstem-guard/internal/service"
)

// failFromError maps service errors onto the response envelope. Unknown
// errors are logged and reported as internal.
func failFromError(c *gin.Context, log zerolog.Logger, err error) {
	switch {
	case errors.Is(err, service.ErrIdentityMismatch):
		response.Fail(c, http.StatusForbidden, response.ErrIdentityMismatch)
	case errors.Is(err, service.ErrExamNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrExamNotFound)
	case errors.Is(err, service.ErrAlreadySubmitted):
		response.Fail(c, http.StatusConflict, response.ErrAlreadySubmitted)
	case errors.Is(err, service.ErrInvalidThresholds):
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidThresholds)
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}
