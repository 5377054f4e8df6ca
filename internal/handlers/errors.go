package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dev.helix.bus/internal/broker"
)

// ErrorResponse is the wire shape of every failed request.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusOf maps broker error codes to HTTP status codes.
func statusOf(code broker.ErrorCode) int {
	switch code {
	case broker.ErrCodeEntityNotFound, broker.ErrCodeMessageNotFound, broker.ErrCodeRuleNotFound:
		return http.StatusNotFound
	case broker.ErrCodeEntityAlreadyExists, broker.ErrCodeRuleAlreadyExists:
		return http.StatusConflict
	case broker.ErrCodeInvalidName, broker.ErrCodeInvalidArgument:
		return http.StatusBadRequest
	case broker.ErrCodeQuotaExceeded:
		return http.StatusTooManyRequests
	case broker.ErrCodeMessageLockLost, broker.ErrCodeSessionLockLost:
		return http.StatusGone
	case broker.ErrCodeMessageTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders a broker error; anything else becomes a 500.
func writeError(c *gin.Context, err error) {
	if be := broker.AsError(err); be != nil {
		c.JSON(statusOf(be.Code), ErrorResponse{Code: string(be.Code), Message: be.Message})
		return
	}
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Code:    string(broker.ErrCodeInternal),
		Message: err.Error(),
	})
}

// badRequest renders a binding failure.
func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Code:    string(broker.ErrCodeInvalidArgument),
		Message: err.Error(),
	})
}
