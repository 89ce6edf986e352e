package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cuongbtq/post-scheduler/internal/api/dto"
	"github.com/cuongbtq/post-scheduler/internal/domain"
	"github.com/gin-gonic/gin"
)

// respondError maps a domain error to its HTTP status. Unclassified errors
// are logged and hidden behind a generic message.
func respondError(c *gin.Context, logger *slog.Logger, msg string, err error) {
	status := statusOf(err)
	body := dto.ErrorResponse{Error: err.Error()}
	if hints := errors.GetAllHints(err); len(hints) > 0 {
		body.Hint = strings.Join(hints, "; ")
	}

	if status >= http.StatusInternalServerError {
		logger.Error(msg,
			slog.String("path", c.Request.URL.Path),
			slog.Any("error", err),
		)
		if status == http.StatusInternalServerError {
			body = dto.ErrorResponse{Error: msg}
		}
	} else {
		logger.Debug(msg,
			slog.String("path", c.Request.URL.Path),
			slog.String("error", err.Error()),
		)
	}

	c.JSON(status, body)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidSchedule), errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotAuthenticated), errors.Is(err, domain.ErrReauthRequired):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrRetryableExternal), errors.Is(err, domain.ErrPermanentExternal):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: msg})
}
