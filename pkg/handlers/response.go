package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pulsekpi/pulse-engine/pkg/apperrors"
)

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

// WriteError maps an application error to its HTTP status and error code.
func WriteError(w http.ResponseWriter, err error) error {
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return ErrorResponse(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, apperrors.ErrConflict):
		return ErrorResponse(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, apperrors.ErrSyncInProgress):
		return ErrorResponse(w, http.StatusConflict, "SYNC_IN_PROGRESS", err.Error())
	case errors.Is(err, apperrors.ErrInvalidConfig):
		return ErrorResponse(w, http.StatusBadRequest, "INVALID_CONFIG", err.Error())
	case errors.Is(err, apperrors.ErrRateLimited):
		return ErrorResponse(w, http.StatusTooManyRequests, "RATE_LIMITED", err.Error())
	default:
		return ErrorResponse(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}
