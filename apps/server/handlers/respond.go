// Package handlers exposes the fix service HTTP API: fix submission,
// verification loop control, and journal lookups.
package handlers

import (
	"encoding/json"
	"net/http"
)

// errorResponse is the error envelope every endpoint returns.
type errorResponse struct {
	Status  string   `json:"status"`
	Message string   `json:"message"`
	Errors  []string `json:"errors,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, statusCode int, message string, errs []string) {
	writeJSON(w, statusCode, errorResponse{
		Status:  "error",
		Message: message,
		Errors:  errs,
	})
}
