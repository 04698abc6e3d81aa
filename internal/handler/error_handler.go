package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/Raymond9734/campaign-dispatch/internal/models"
)

// handleError maps service errors to HTTP responses
func handleError(w http.ResponseWriter, err error, logger *slog.Logger) {
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		status := mapErrorCodeToHTTPStatus(appErr.Code)
		respondError(w, status, appErr.Code, appErr.Message)
		return
	}

	switch {
	case errors.Is(err, models.ErrNotFound):
		respondError(w, http.StatusNotFound, models.CodeNotFound, err.Error())

	case errors.Is(err, models.ErrConflict):
		respondError(w, http.StatusConflict, models.CodeConflict, err.Error())

	case errors.Is(err, models.ErrInvalidTransition):
		respondError(w, http.StatusConflict, models.CodeInvalidTransition, err.Error())

	case errors.Is(err, models.ErrInvalidTemplateContent):
		respondError(w, http.StatusUnprocessableEntity, models.CodeInvalidTemplateContent, err.Error())

	default:
		// Log internal errors but don't expose details to client
		logger.Error("internal server error",
			slog.String("error", err.Error()),
		)
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred")
	}
}

// mapErrorCodeToHTTPStatus maps error codes to HTTP status codes
func mapErrorCodeToHTTPStatus(code string) int {
	switch code {
	case models.CodeInvalidInput:
		return http.StatusBadRequest
	case models.CodeNotFound:
		return http.StatusNotFound
	case models.CodeConflict, models.CodeInvalidTransition:
		return http.StatusConflict
	case models.CodeInvalidTemplateContent:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
