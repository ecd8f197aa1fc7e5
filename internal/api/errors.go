package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/openjobspec/ojs-recovery-nats/internal/core"
)

// ErrorResponse wraps a RecoveryError in the JSON error envelope.
type ErrorResponse struct {
	Error *core.RecoveryError `json:"error"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// WriteError writes err inside the error envelope.
func WriteError(w http.ResponseWriter, status int, err *core.RecoveryError) {
	WriteJSON(w, status, ErrorResponse{Error: err})
}
