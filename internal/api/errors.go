package api

import (
	"encoding/json"
	"net/http"

	"github.com/broker-aggregator/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	json.NewEncoder(w).Encode(response)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses JSON request body.
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// Common error codes
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// mapServiceError maps service errors to HTTP status codes.
func mapServiceError(err error) (int, string, string) {
	if serviceErr, ok := err.(*types.ServiceError); ok {
		switch serviceErr.Code {
		case types.ErrCodeConnectionNotFound:
			return http.StatusNotFound, ErrCodeNotFound, serviceErr.Message
		case types.ErrCodeInvalidBroker:
			return http.StatusBadRequest, ErrCodeInvalidInput, serviceErr.Message
		case types.ErrCodeOAuthStateInvalid, types.ErrCodeOAuthStateExpired:
			return http.StatusBadRequest, serviceErr.Code, serviceErr.Message
		case types.ErrCodeReauthRequired:
			return http.StatusConflict, serviceErr.Code, serviceErr.Message
		case types.ErrCodeNoConnections:
			return http.StatusNotFound, serviceErr.Code, serviceErr.Message
		case types.ErrCodeUnauthorized:
			return http.StatusForbidden, ErrCodeUnauthorized, serviceErr.Message
		default:
			return http.StatusInternalServerError, ErrCodeInternalError, "An internal error occurred"
		}
	}

	return http.StatusInternalServerError, ErrCodeInternalError, "An internal error occurred"
}

// respondServiceError maps an error and writes it.
func respondServiceError(w http.ResponseWriter, err error) {
	status, code, message := mapServiceError(err)
	respondError(w, status, code, message, nil)
}
