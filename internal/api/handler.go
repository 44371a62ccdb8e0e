// Package api provides HTTP handlers for the experiment server.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/recall-labs/internal/experiment"
	"github.com/ashureev/recall-labs/internal/middleware"
	"github.com/ashureev/recall-labs/internal/upload"
	"github.com/containerd/errdefs"
)

// Terminal screens named in error responses.
const (
	ScreenInvalidPath         = "invalid_path"
	ScreenAlreadyParticipated = "already_participated"
	ScreenLanguageSelection   = "language_selection"
	ScreenGenericError        = "generic_error"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// ErrorResponse is the body written for a classified error.
type ErrorResponse struct {
	Error  string `json:"error"`
	Screen string `json:"screen,omitempty"`
	// Record is set when the response was persisted but a later step failed.
	Record any `json:"record,omitempty"`
}

// Classify maps an error to an HTTP status and the screen the browser
// should show.
func Classify(err error) (int, string) {
	switch {
	case errors.Is(err, experiment.ErrAlreadyParticipated):
		return http.StatusConflict, ScreenAlreadyParticipated
	case errors.Is(err, experiment.ErrLanguageRequired):
		return http.StatusBadRequest, ScreenLanguageSelection
	case errors.Is(err, upload.ErrUpload):
		return http.StatusBadGateway, ScreenGenericError
	case errors.Is(err, errdefs.ErrUnauthenticated):
		return http.StatusUnauthorized, ""
	case errdefs.IsInvalidArgument(err):
		return http.StatusBadRequest, ""
	case errdefs.IsNotFound(err):
		return http.StatusNotFound, ScreenInvalidPath
	case errdefs.IsConflict(err), errdefs.IsFailedPrecondition(err):
		return http.StatusConflict, ""
	case errdefs.IsUnavailable(err):
		return http.StatusServiceUnavailable, ScreenGenericError
	}
	return http.StatusInternalServerError, ScreenGenericError
}

// writeError classifies err and writes it. Unclassified errors get the
// generic apology body and are never echoed to the browser.
func writeError(w http.ResponseWriter, err error, record any) {
	status, screen := Classify(err)
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "error", err)
		body := middleware.GenericError()
		JSON(w, status, body)
		return
	}
	if status >= http.StatusInternalServerError {
		slog.Warn("Request failed upstream", "status", status, "error", err)
	}
	JSON(w, status, ErrorResponse{Error: err.Error(), Screen: screen, Record: record})
}
