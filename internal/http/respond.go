package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mustafasegf/pemasak-infra/internal/repository"
	"github.com/mustafasegf/pemasak-infra/internal/service/auth"
	"github.com/mustafasegf/pemasak-infra/internal/service/project"
)

// Error kinds surfaced to API clients.
const (
	errValidation = "ValidationError"
	errAuth       = "AuthError"
	errNotFound   = "NotFound"
	errConflict   = "Conflict"
	errInternal   = "Internal"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends the API error envelope.
func writeError(w http.ResponseWriter, status int, errorType, msg string) {
	writeJSON(w, status, map[string]string{
		"error_type": errorType,
		"message":    msg,
	})
}

// writeServiceError maps service errors onto the API envelope.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, errNotFound, "not found")
	case errors.Is(err, repository.ErrConflict), errors.Is(err, project.ErrDuplicateProject):
		writeError(w, http.StatusConflict, errConflict, err.Error())
	case errors.Is(err, repository.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, errValidation, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrSessionExpired):
		writeError(w, http.StatusUnauthorized, errAuth, err.Error())
	case errors.Is(err, project.ErrOwnerNotFound):
		writeError(w, http.StatusBadRequest, errValidation, err.Error())
	case errors.Is(err, project.ErrForbidden):
		writeError(w, http.StatusForbidden, errAuth, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, errInternal, err.Error())
	}
}
