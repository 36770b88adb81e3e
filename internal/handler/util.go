package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/safelease/risk-platform/internal/backend"
	"github.com/safelease/risk-platform/pkg/logger"
)

const maxJSONBody = 1 << 20

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeBackendError answers with the status matching err's class. An
// unreachable backend is 503, never 400.
func writeBackendError(w http.ResponseWriter, log *logger.Logger, op string, err error) {
	status := backend.StatusFor(err)
	message := http.StatusText(status)

	var apiErr *backend.APIError
	if errors.As(err, &apiErr) && status != http.StatusServiceUnavailable && apiErr.Message != "" {
		message = apiErr.Message
	}

	if status >= 500 {
		log.Error("backend call failed", zap.String("op", op), zap.Int("status", status), zap.Error(err))
	} else {
		log.Warn("backend call rejected", zap.String("op", op), zap.Int("status", status), zap.Error(err))
	}
	writeError(w, status, message)
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
