package server

import (
	"errors"
	"net/http"
	"order-reconciler/internal/domain"

	"github.com/gin-gonic/gin"
)

type errorBody struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	Holder         string `json:"holder,omitempty"`
	RetryInSeconds int    `json:"retry_in_seconds,omitempty"`
}

func (s *Server) fail(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, errorBody{Code: code, Message: msg})
}

// writeError maps the error taxonomy onto HTTP. RetryExhausted is checked first because
// it wraps its last cause, which may itself be a conflict.
func (s *Server) writeError(c *gin.Context, err error) {
	var conflict *domain.ConflictError
	switch {
	case errors.Is(err, domain.ErrRetryExhausted), errors.Is(err, domain.ErrTransportDisconnected):
		s.log.Warn("request gave up", "path", c.FullPath(), "error", err)
		s.fail(c, http.StatusServiceUnavailable, "Unavailable", "temporarily unavailable, please retry")
	case errors.As(err, &conflict):
		c.AbortWithStatusJSON(http.StatusConflict, errorBody{
			Code:           "Conflict",
			Message:        conflict.Error(),
			Holder:         conflict.Holder,
			RetryInSeconds: conflict.RetrySeconds(),
		})
	case errors.Is(err, domain.ErrInvalidTransition):
		s.fail(c, http.StatusUnprocessableEntity, "InvalidTransition", "invalid operation for current order state")
	case errors.Is(err, domain.ErrAmountMismatch):
		// logged as a security incident where it was detected
		s.fail(c, http.StatusInternalServerError, "ServerError", "payment could not be processed, flagged for review")
	case errors.Is(err, domain.ErrOrderNotFound):
		s.fail(c, http.StatusNotFound, "NotFound", "order not found")
	case errors.Is(err, domain.ErrValidation):
		s.fail(c, http.StatusBadRequest, "BadRequest", err.Error())
	case errors.Is(err, domain.ErrTransient):
		s.fail(c, http.StatusServiceUnavailable, "Unavailable", "temporarily unavailable, please retry")
	default:
		s.log.Error("request failed", "path", c.FullPath(), "error", err)
		s.fail(c, http.StatusInternalServerError, "ServerError", "internal error")
	}
}
