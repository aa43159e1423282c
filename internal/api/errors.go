package api

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/reward-settlement/internal/errors"
	"github.com/reward-settlement/internal/logging"
	"github.com/reward-settlement/internal/types"
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

// respondCategorized sends the status, code and details carried by a categorized error.
func respondCategorized(w http.ResponseWriter, err *apperrors.CategorizedError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Error: *err.ToServiceError()})
}

// respondServiceError maps any service error onto the response, logging server-side failures with their cause.
func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	catErr := apperrors.Categorize(err)
	log := logging.FromContext(r.Context(), s.logger)
	switch {
	case apperrors.IsSystemError(catErr):
		log.WithError(err).WithField("code", catErr.Code).Error("request failed")
	case catErr.StatusCode == http.StatusAccepted, catErr.StatusCode == http.StatusConflict:
		log.WithField("code", catErr.Code).Info("request deferred")
	case apperrors.IsUserError(catErr):
		log.WithField("code", catErr.Code).Debugf("request rejected: %s", catErr.Message)
	}
	respondCategorized(w, catErr)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// maxBodyBytes bounds request bodies; a signed transaction is at most 1232 bytes before encoding
const maxBodyBytes = 64 << 10

// parseJSONBody parses JSON request body.
func parseJSONBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// Common error codes
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)
