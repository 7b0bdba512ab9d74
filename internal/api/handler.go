// Package api provides HTTP handlers for the Serene chat API.
package api

import (
	"net/http"

	"github.com/goccy/go-json"
)

// maxRequestBodySize caps chat request bodies at 1MB.
const maxRequestBodySize = 1 << 20

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response. Internal detail never leaks: callers
// pass a generic message and log the underlying error themselves.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"message": message})
}
