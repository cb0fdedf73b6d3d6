package routes

import (
	"errors"
	"net/http"

	"debatenow/internal/apperrors"
	"debatenow/internal/pairing"
	"debatenow/internal/store"

	"github.com/gin-gonic/gin"
)

// respondError maps a failure onto a status and the participant-facing
// message.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	body := gin.H{"error": "Internal server error"}

	var ae *apperrors.AppError
	switch {
	case errors.As(err, &ae):
		body = gin.H{"error": ae.UserMessage(), "code": ae.Code, "kind": ae.Kind.String()}
		switch ae.Kind {
		case apperrors.KindTerminal, apperrors.KindConflict, apperrors.KindMissingState:
			status = http.StatusConflict
		case apperrors.KindStoreUnreachable:
			status = http.StatusServiceUnavailable
		case apperrors.KindOracle:
			status = http.StatusBadGateway
		}
	case errors.Is(err, store.ErrNotFound):
		status, body = http.StatusNotFound, gin.H{"error": "Not found"}
	case errors.Is(err, pairing.ErrNotEntryOwner):
		status, body = http.StatusForbidden, gin.H{"error": "Not your queue entry"}
	case errors.Is(err, pairing.ErrUnknownRole):
		status, body = http.StatusBadRequest, gin.H{"error": err.Error()}
	case errors.Is(err, store.ErrConflict):
		status, body = http.StatusConflict, gin.H{"error": "Please try again"}
	}
	if status >= 500 {
		_ = c.Error(err)
	}
	c.JSON(status, body)
}
