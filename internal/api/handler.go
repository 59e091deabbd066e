// Package api provides the REST handlers of the cody server.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// JSON writes v as the response body. The status is already sent when
// encoding fails, so the failure is only logged.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "status", status, "error", err)
	}
}

// Error writes {"error": message}.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
