package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

type errorResponse struct {
	Error     string       `json:"error"`
	Message   string       `json:"message,omitempty"`
	Details   []FieldError `json:"details,omitempty"`
	RequestID string       `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, value any) {
	writeJSONStatus(w, value, http.StatusOK)
}

func writeJSONStatus(w http.ResponseWriter, value any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeValidationError(w http.ResponseWriter, err *ValidationError) {
	writeJSONStatus(w, errorResponse{Error: "Invalid request", Details: err.Details}, http.StatusBadRequest)
}

func writeDuplicate(w http.ResponseWriter, requestID string) {
	writeJSONStatus(w, errorResponse{
		Error:     "A request with the same input is already in progress",
		RequestID: requestID,
	}, http.StatusTooManyRequests)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeJSONStatus(w, errorResponse{Error: "Internal server error", Message: message}, http.StatusInternalServerError)
}

func writeNotFound(w http.ResponseWriter, what string) {
	writeJSONStatus(w, errorResponse{Error: what + " not found"}, http.StatusNotFound)
}

// decodeJSONBody decodes an optional JSON body. An empty body leaves v
// untouched.
func decodeJSONBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
