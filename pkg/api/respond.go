package api

import (
	"encoding/json"
	"net/http"

	"github.com/dd0wney/cluso-shardsync/pkg/logging"
)

func respondJSON(logger logging.Logger, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("encoding response", logging.Error(err))
	}
}

func respondError(logger logging.Logger, w http.ResponseWriter, status int, message string) {
	respondJSON(logger, w, status, ErrorResponse{Error: http.StatusText(status), Message: message, Code: status})
}

// sanitizeError logs err in full and returns a message safe for clients.
func sanitizeError(logger logging.Logger, err error, operation string) string {
	logger.Error(operation+" failed", logging.Error(err))
	return operation + " failed"
}
