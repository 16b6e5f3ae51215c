package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rl1809/retail-stock/internal/adapter/wire"
	"github.com/rl1809/retail-stock/internal/core/domain"
)

var statusErrors = []struct {
	err    error
	status int
}{
	{domain.ErrInsufficientStock, http.StatusConflict},
	{domain.ErrReservationVoided, http.StatusConflict},
	{domain.ErrConflict, http.StatusConflict},
	{domain.ErrOverRefund, http.StatusConflict},
	{domain.ErrNotFound, http.StatusNotFound},
	{domain.ErrInvalidRequest, http.StatusBadRequest},
	{domain.ErrNotRefundable, http.StatusUnprocessableEntity},
	{domain.ErrTransient, http.StatusServiceUnavailable},
	{domain.ErrRestorationFailed, http.StatusServiceUnavailable},
}

func httpStatus(err error) int {
	for _, se := range statusErrors {
		if errors.Is(err, se.err) {
			return se.status
		}
	}
	return http.StatusInternalServerError
}

// writeError answers with the taxonomy code. Internal errors are logged and
// their text is not sent to the client.
func writeError(c *gin.Context, logger *zap.Logger, err error) {
	status := httpStatus(err)
	body := wire.ErrorResponse{Error: wire.ErrorCode(err), Message: err.Error()}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("method", c.Request.Method), zap.String("path", c.FullPath()), zap.Error(err))
		if body.Error == wire.CodeInternal {
			body.Message = "internal error"
		}
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, wire.ErrorResponse{Error: wire.CodeInvalidRequest, Message: message})
}
