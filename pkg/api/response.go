package api

import (
	"encoding/json"
	"net/http"
)

// Respond writes data as a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the standard JSON error envelope every handler returns
// on failure.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RespondError writes the standard error envelope for err with the given
// status code.
func RespondError(w http.ResponseWriter, status int, err error) {
	Respond(w, status, ErrorResponse{Error: err.Error()})
}
