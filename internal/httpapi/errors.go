package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pondworks/heron/internal/storage"
)

// API error codes.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeValidationError    = "VALIDATION_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternalError      = "INTERNAL_ERROR"
)

// errorEnvelope is the wire form of every API error.
type errorEnvelope struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func statusForCode(code string) int {
	switch code {
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeValidationError:
		return http.StatusUnprocessableEntity
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, code, message string, details interface{}) {
	writeJSON(w, statusForCode(code), errorEnvelope{
		Code:    code,
		Message: message,
		Details: details,
	})
}

// writeStorageError maps the storage error taxonomy onto API codes.
func writeStorageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, CodeNotFound, err.Error(), nil)
	case errors.Is(err, storage.ErrConflict):
		writeError(w, CodeConflict, err.Error(), nil)
	case errors.Is(err, storage.ErrInvalid):
		writeError(w, CodeValidationError, err.Error(), nil)
	case errors.Is(err, storage.ErrUnavailable):
		writeError(w, CodeServiceUnavailable, err.Error(), nil)
	default:
		writeError(w, CodeInternalError, err.Error(), nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
