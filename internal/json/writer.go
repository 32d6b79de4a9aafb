package json

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/dgellow/area/internal"
	"github.com/dgellow/area/internal/area"
)

// ErrorResponse represents a standard JSON error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WriteResponse writes a JSON response with the given status code
func WriteResponse(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		internal.LogError("Failed to encode JSON response: %v", err)
		return err
	}
	return nil
}

// Write writes a JSON response with 200 OK status
func Write(w http.ResponseWriter, data any) error {
	return WriteResponse(w, http.StatusOK, data)
}

// WriteError writes a JSON error response
func WriteError(w http.ResponseWriter, statusCode int, error string, message string) {
	response := ErrorResponse{
		Error:   error,
		Message: message,
	}

	if err := WriteResponse(w, statusCode, response); err != nil {
		// Fallback to plain text error if JSON encoding fails
		http.Error(w, error+": "+message, statusCode)
	}
}

// Common error responses
func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, "unauthorized", message)
}

// WriteUnauthorizedWithChallenge adds a bearer challenge so API clients know which realm to authenticate against
func WriteUnauthorizedWithChallenge(w http.ResponseWriter, message string, realm string) {
	if realm != "" {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Bearer realm=%q", realm))
	}
	WriteUnauthorized(w, message)
}

func WriteInternalServerError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, "internal_server_error", message)
}

func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, "bad_request", message)
}

func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, "not_found", message)
}

func WriteForbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, "forbidden", message)
}

func WriteServiceUnavailable(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusServiceUnavailable, "service_unavailable", message)
}

// WriteEngineError maps an engine error onto an HTTP status
func WriteEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, area.ErrUnsupported):
		WriteError(w, http.StatusNotFound, "unsupported", err.Error())
	case errors.Is(err, area.ErrNotConnected):
		WriteError(w, http.StatusConflict, "not_connected", err.Error())
	case errors.Is(err, area.ErrDisconnected):
		WriteError(w, http.StatusConflict, "disconnected", err.Error())
	case errors.Is(err, area.ErrRateLimited):
		WriteError(w, http.StatusTooManyRequests, "rate_limited", err.Error())
	case errors.Is(err, area.ErrProviderUnavailable):
		WriteError(w, http.StatusBadGateway, "provider_unavailable", err.Error())
	default:
		WriteInternalServerError(w, err.Error())
	}
}
