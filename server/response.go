package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"Narrato/core/generator"
	"Narrato/core/mixer"
	"Narrato/core/upload"
	"Narrato/logger"
	"Narrato/repository"
)

// writeJSON 写入 JSON 响应
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to encode response", logger.ErrorField(err))
	}
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, generator.ErrInvalidRequest),
		errors.Is(err, upload.ErrInvalidRequest),
		errors.Is(err, upload.ErrInvalidParts),
		errors.Is(err, mixer.ErrInvalidEvent),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, mixer.ErrUnauthorized), errors.Is(err, errNoOwner):
		return http.StatusUnauthorized
	case errors.Is(err, upload.ErrUnknownUpload),
		errors.Is(err, repository.ErrTrackNotFound),
		errors.Is(err, repository.ErrBatchNotFound),
		errors.Is(err, errNotFound):
		return http.StatusNotFound
	case errors.Is(err, upload.ErrSessionClosed),
		errors.Is(err, generator.ErrBatchInFlight),
		errors.Is(err, repository.ErrBatchTerminal):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders {"error": msg}. Internal errors are logged and not echoed in detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error("Request failed",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.ErrorField(err))
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

var (
	errBadRequest = errors.New("bad request")
	errNotFound   = errors.New("not found")
	errNoOwner    = errors.New("owner identity is required")
)
